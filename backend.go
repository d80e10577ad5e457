package pimbase

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// Backend turns ids into durable bytes.  It isolates the engine from
// raw I/O: the store never touches the filesystem except through this
// interface, so tests (and embedders) can substitute MemBackend.
//
// All paths are relative to the storage root and use the platform
// separator.  Write must be atomic: after a crash at any point the
// old bytes or the new bytes are readable, never a mix.
type Backend interface {
	Read(rel string) (buf []byte, err error)
	Write(rel string, buf []byte) (err error)
	Remove(rel string) (err error)
	Rename(oldrel, newrel string) (err error)
	Exists(rel string) bool
	ReadDir(rel string) (ents []DirEnt, err error)
}

// DirEnt is one name inside a backend directory.
type DirEnt struct {
	Name string
	Dir  bool
}

// DirBackend stores one file per entry below Dir, the production
// backend.  Writes go through renameio: the bytes land in a temp file
// in the target directory and are renamed over the destination, so an
// interrupted write leaves the prior version intact.
type DirBackend struct {
	Dir string
}

func (b *DirBackend) abs(rel string) string {
	return filepath.Join(b.Dir, rel)
}

func (b *DirBackend) Read(rel string) (buf []byte, err error) {
	return ioutil.ReadFile(b.abs(rel))
}

func (b *DirBackend) Write(rel string, buf []byte) (err error) {
	abs := b.abs(rel)
	err = os.MkdirAll(filepath.Dir(abs), 0755)
	if err != nil {
		return errors.Wrapf(err, "write %s", rel)
	}
	err = renameio.WriteFile(abs, buf, 0644)
	if err != nil {
		return errors.Wrapf(err, "write %s", rel)
	}
	return
}

func (b *DirBackend) Remove(rel string) (err error) {
	return os.Remove(b.abs(rel))
}

func (b *DirBackend) Rename(oldrel, newrel string) (err error) {
	abs := b.abs(newrel)
	err = os.MkdirAll(filepath.Dir(abs), 0755)
	if err != nil {
		return errors.Wrapf(err, "rename %s", newrel)
	}
	return os.Rename(b.abs(oldrel), abs)
}

func (b *DirBackend) Exists(rel string) bool {
	_, err := os.Stat(b.abs(rel))
	return err == nil
}

func (b *DirBackend) ReadDir(rel string) (ents []DirEnt, err error) {
	infos, err := ioutil.ReadDir(b.abs(rel))
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		ents = append(ents, DirEnt{Name: info.Name(), Dir: info.IsDir()})
	}
	return
}

// MemBackend keeps everything in a map.  It exists for tests and for
// embedders that want a scratch store; WriteErr and RemoveErr inject
// failures without mutating anything, which is how the persist-error
// paths are exercised.
type MemBackend struct {
	mu        sync.Mutex
	files     map[string][]byte
	WriteErr  error
	RemoveErr error
}

func NewMemBackend() *MemBackend {
	return &MemBackend{files: map[string][]byte{}}
}

func (b *MemBackend) key(rel string) string {
	return filepath.ToSlash(rel)
}

func (b *MemBackend) Read(rel string) (buf []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.files[b.key(rel)]
	if !ok {
		return nil, &os.PathError{Op: "read", Path: rel, Err: os.ErrNotExist}
	}
	return append([]byte{}, buf...), nil
}

func (b *MemBackend) Write(rel string, buf []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WriteErr != nil {
		return b.WriteErr
	}
	b.files[b.key(rel)] = append([]byte{}, buf...)
	return
}

func (b *MemBackend) Remove(rel string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RemoveErr != nil {
		return b.RemoveErr
	}
	key := b.key(rel)
	if _, ok := b.files[key]; !ok {
		return &os.PathError{Op: "remove", Path: rel, Err: os.ErrNotExist}
	}
	delete(b.files, key)
	return
}

func (b *MemBackend) Rename(oldrel, newrel string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldkey, newkey := b.key(oldrel), b.key(newrel)
	buf, ok := b.files[oldkey]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldrel, Err: os.ErrNotExist}
	}
	b.files[newkey] = buf
	delete(b.files, oldkey)
	return
}

func (b *MemBackend) Exists(rel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[b.key(rel)]
	return ok
}

func (b *MemBackend) ReadDir(rel string) (ents []DirEnt, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := b.key(rel)
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	for key := range b.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		name := rest
		dir := false
		if i := strings.Index(rest, "/"); i >= 0 {
			name = rest[:i]
			dir = true
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		ents = append(ents, DirEnt{Name: name, Dir: dir})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
	return
}
