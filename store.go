package pimbase

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"golang.org/x/mod/semver"
)

// store-internal files below the root; ids can never collide with
// them because id segments must not start with a dot.
const (
	configFile   = "config.json"
	lockSentinel = ".maintenance"
	indexFile    = ".index"
)

// ExistsError is returned by Create, Move and SaveAs when the
// destination id is already occupied by a persisted entry.
type ExistsError struct {
	Id StoreId
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("entry already exists: %s", e.Id)
}

// NotFoundError is returned when an operation needs an entry that is
// not in the store.
type NotFoundError struct {
	Id StoreId
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entry not found: %s", e.Id)
}

// BorrowedError is returned when an id is already checked out.  The
// store never blocks waiting for a holder; see the package doc for
// the policy.
type BorrowedError struct {
	Id StoreId
}

func (e *BorrowedError) Error() string {
	return fmt.Sprintf("entry already borrowed: %s", e.Id)
}

// LockedError is returned while the maintenance lock sentinel is
// present under the store root.
type LockedError struct {
	Dir string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("store locked for maintenance: %s", e.Dir)
}

// storeConfig is persisted as config.json at the store root when the
// store is first created.
type storeConfig struct {
	Version string `json:"version"`
}

// Store is the root engine.  It owns the persisted bytes below one
// storage root and tracks which ids are currently checked out; the
// borrow table has its own mutex, independent of anything the backend
// does.
type Store struct {
	Dir     string
	backend Backend

	mu      sync.Mutex
	borrows map[string]bool

	index *TagIndex
}

// Open opens the store rooted at dir, creating the directory and its
// config when absent.  It refuses a root whose config declares a
// format version with a newer major than this package speaks.
func Open(dir string) (store *Store, err error) {
	defer Return(&err)
	store, err = OpenBackend(&DirBackend{Dir: dir})
	Ck(err)
	store.Dir = dir
	return
}

// OpenBackend opens a store on an arbitrary backend.  Tests use it
// with MemBackend.
func OpenBackend(b Backend) (store *Store, err error) {
	defer Return(&err)
	store = &Store{
		backend: b,
		borrows: map[string]bool{},
	}
	store.index = newTagIndex(store)

	if !b.Exists(configFile) {
		buf, err := json.Marshal(storeConfig{Version: FormatVersion})
		Ck(err)
		err = b.Write(configFile, buf)
		if err != nil {
			return nil, errors.Wrap(err, "initializing store")
		}
		log.Debugf("initialized store, format version %s", FormatVersion)
		return store, nil
	}

	buf, err := b.Read(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading store config")
	}
	var cfg storeConfig
	err = json.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "parsing store config")
	}
	if !semver.IsValid("v"+cfg.Version) ||
		semver.Compare(semver.Major("v"+cfg.Version), semver.Major("v"+FormatVersion)) > 0 {
		return nil, errors.Errorf("store format version %q not supported, this build speaks %s",
			cfg.Version, FormatVersion)
	}
	store.index.load()
	return store, nil
}

// Close flushes the tag index snapshot.  It refuses to close while
// handles are outstanding, since those entries would silently lose
// their release-time persist.
func (store *Store) Close() (err error) {
	store.mu.Lock()
	for key := range store.borrows {
		store.mu.Unlock()
		id, _ := ParseId(key)
		return &BorrowedError{Id: id}
	}
	store.mu.Unlock()
	store.index.snapshot()
	return nil
}

// borrow marks id as checked out, or fails fast when it already is.
func (store *Store) borrow(id StoreId) (err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := id.String()
	if store.borrows[key] {
		return &BorrowedError{Id: id}
	}
	store.borrows[key] = true
	return
}

func (store *Store) unborrow(id StoreId) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.borrows, id.String())
}

func (store *Store) isBorrowed(id StoreId) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.borrows[id.String()]
}

// checkLocked surfaces the maintenance lock.
func (store *Store) checkLocked() error {
	if store.backend.Exists(lockSentinel) {
		return &LockedError{Dir: store.Dir}
	}
	return nil
}

// Lock writes the maintenance lock sentinel.  While it is present,
// every entry operation fails with *LockedError.  Used by bulk
// tooling (migration, repair) that wants the tree to itself.
func (store *Store) Lock() (err error) {
	if store.backend.Exists(lockSentinel) {
		return &LockedError{Dir: store.Dir}
	}
	return store.backend.Write(lockSentinel, []byte{})
}

// Unlock removes the maintenance lock sentinel.  Unlocking an
// unlocked store is a no-op.
func (store *Store) Unlock() (err error) {
	if !store.backend.Exists(lockSentinel) {
		return nil
	}
	return store.backend.Remove(lockSentinel)
}

// Create allocates a fresh entry at id and hands back its exclusive
// handle.  The entry starts with the default header and empty
// content and is persisted when the handle is released.
func (store *Store) Create(id StoreId) (handle *Handle, err error) {
	if id.IsZero() {
		return nil, &InvalidIdError{Raw: "", Reason: "zero id"}
	}
	if err = store.checkLocked(); err != nil {
		return
	}
	if err = store.borrow(id); err != nil {
		return
	}
	if store.backend.Exists(id.relPath()) {
		store.unborrow(id)
		return nil, &ExistsError{Id: id}
	}
	log.Debugf("create %s", id)
	return &Handle{store: store, entry: newEntry(id)}, nil
}

// Retrieve borrows the entry at id, loading and parsing it from the
// backend.  Fails with *NotFoundError when absent, *ParseError when
// the bytes are malformed, *BorrowedError when already checked out.
func (store *Store) Retrieve(id StoreId) (handle *Handle, err error) {
	return store.retrieve(id, true)
}

// Get is Retrieve except that an absent entry yields (nil, nil)
// instead of an error.
func (store *Store) Get(id StoreId) (handle *Handle, err error) {
	return store.retrieve(id, false)
}

func (store *Store) retrieve(id StoreId, mustExist bool) (handle *Handle, err error) {
	if id.IsZero() {
		return nil, &InvalidIdError{Raw: "", Reason: "zero id"}
	}
	if err = store.checkLocked(); err != nil {
		return
	}
	if err = store.borrow(id); err != nil {
		return
	}
	entry, err := store.load(id)
	if err != nil {
		store.unborrow(id)
		if _, missing := err.(*NotFoundError); missing && !mustExist {
			return nil, nil
		}
		return nil, err
	}
	log.Debugf("retrieve %s", id)
	return &Handle{store: store, entry: entry}, nil
}

// RetrieveCopy returns a detached snapshot of the entry at id without
// borrowing it.  The copy cannot be used to mutate the store.  Fails
// with *BorrowedError while someone holds the id, since their
// unreleased state may differ from the persisted bytes.
func (store *Store) RetrieveCopy(id StoreId) (entry *Entry, err error) {
	if err = store.checkLocked(); err != nil {
		return
	}
	if store.isBorrowed(id) {
		return nil, &BorrowedError{Id: id}
	}
	return store.load(id)
}

// load reads and parses the persisted bytes at id.
func (store *Store) load(id StoreId) (entry *Entry, err error) {
	buf, err := store.backend.Read(id.relPath())
	if err != nil {
		if isNotExist(err) {
			return nil, &NotFoundError{Id: id}
		}
		return nil, errors.Wrapf(err, "reading %s", id)
	}
	return entryFromBytes(id, buf)
}

// update persists an entry and keeps the tag index current.  The
// backend write is atomic, so a crash mid-update leaves the prior
// version readable.
func (store *Store) update(entry *Entry) (err error) {
	buf, err := entry.bytes()
	if err != nil {
		return errors.Wrapf(err, "serializing %s", entry.id)
	}
	err = store.backend.Write(entry.id.relPath(), buf)
	if err != nil {
		return errors.Wrapf(err, "persisting %s", entry.id)
	}
	entry.dirty = false
	store.index.put(entry.id, entry.Tags())
	return
}

// Delete removes the entry at id.  Links are severed first: every
// partner that still exists gets the reciprocal reference removed and
// persisted before this entry's bytes go away, so a failure while
// updating a live partner aborts the delete with the entry intact.  A
// partner that is itself gone is logged and skipped.  An entry whose
// header no longer parses has no readable links to sever; its bytes
// are removed anyway, with a warning, so corruption is deletable.
func (store *Store) Delete(id StoreId) (err error) {
	if err = store.checkLocked(); err != nil {
		return
	}
	if err = store.borrow(id); err != nil {
		return
	}
	defer store.unborrow(id)

	entry, err := store.load(id)
	switch err.(type) {
	case nil:
		err = store.severLinks(entry)
		if err != nil {
			return
		}
	case *ParseError:
		log.Warnf("delete %s: removing malformed entry: %v", id, err)
	default:
		return
	}
	err = store.backend.Remove(id.relPath())
	if err != nil {
		return errors.Wrapf(err, "deleting %s", id)
	}
	store.index.remove(id)
	log.Debugf("delete %s", id)
	return
}

// Move relocates the entry at old to new, rewriting the reciprocal
// reference in every linked partner so link integrity survives the
// rename.  Neither endpoint may be borrowed.
func (store *Store) Move(old, new StoreId) (err error) {
	if err = store.checkLocked(); err != nil {
		return
	}
	if err = store.borrow(old); err != nil {
		return
	}
	defer store.unborrow(old)
	if err = store.borrow(new); err != nil {
		return
	}
	defer store.unborrow(new)

	if store.backend.Exists(new.relPath()) {
		return &ExistsError{Id: new}
	}
	entry, err := store.load(old)
	if err != nil {
		return
	}
	err = store.retargetLinks(entry, old, new)
	if err != nil {
		return
	}
	err = store.backend.Rename(old.relPath(), new.relPath())
	if err != nil {
		return errors.Wrapf(err, "moving %s to %s", old, new)
	}
	store.index.rename(old, new)
	log.Debugf("move %s -> %s", old, new)
	return
}

// SaveAs relocates a borrowed entry to newId, persisting its current
// in-memory state there.  The handle keeps working and now refers to
// newId; the old id becomes free.
func (store *Store) SaveAs(handle *Handle, newId StoreId) (err error) {
	if handle.released {
		return errors.New("handle already released")
	}
	if err = store.checkLocked(); err != nil {
		return
	}
	old := handle.entry.id
	if newId.Equal(old) {
		return nil
	}
	if err = store.borrow(newId); err != nil {
		return
	}
	if store.backend.Exists(newId.relPath()) {
		store.unborrow(newId)
		return &ExistsError{Id: newId}
	}

	err = store.retargetLinks(handle.entry, old, newId)
	if err != nil {
		store.unborrow(newId)
		return
	}

	hadBytes := store.backend.Exists(old.relPath())
	handle.entry.id = newId
	err = store.update(handle.entry)
	if err != nil {
		// roll the handle back; partners were already rewritten,
		// Verify will reconcile if the caller gives up here
		handle.entry.id = old
		store.unborrow(newId)
		return
	}
	if hadBytes {
		err = store.backend.Remove(old.relPath())
		if err != nil {
			return errors.Wrapf(err, "removing old location %s", old)
		}
	}
	store.index.remove(old)
	store.unborrow(old)
	log.Debugf("save %s as %s", old, newId)
	return
}

// Handle is the exclusive borrow of one entry.  Exactly one handle
// per id is live at any time; every exit path must end in Release,
// Close or Discard (each is a no-op after the first).  A handle is
// not safe for concurrent use.
type Handle struct {
	store    *Store
	entry    *Entry
	released bool
}

func (handle *Handle) Id() StoreId { return handle.entry.id }

// Entry exposes the read-only view of the borrowed entry.
func (handle *Handle) Entry() *Entry { return handle.entry }

// Dirty reports whether the entry has unpersisted changes.
func (handle *Handle) Dirty() bool { return handle.entry.dirty }

// Content returns a copy of the entry's opaque content bytes.
// Mutating the returned slice does not touch the entry; use
// SetContent.
func (handle *Handle) Content() []byte { return handle.entry.Content() }

// SetContent replaces the content body.  The store never interprets
// it.
func (handle *Handle) SetContent(buf []byte) {
	handle.entry.content = append([]byte{}, buf...)
	handle.entry.dirty = true
}

// Field reads a header field by dotted path.
func (handle *Handle) Field(path string) (v interface{}, ok bool) {
	return handle.entry.header.Get(path)
}

// SetField writes a module extension field by dotted path.  The
// reserved section is off limits; the link, tag and version accessors
// own it.
func (handle *Handle) SetField(path string, v interface{}) (err error) {
	if err = checkReserved(path); err != nil {
		return
	}
	err = handle.entry.header.Set(path, v)
	if err == nil {
		handle.entry.dirty = true
	}
	return
}

// DeleteField removes a module extension field by dotted path.
func (handle *Handle) DeleteField(path string) (v interface{}, ok bool) {
	if checkReserved(path) != nil {
		return nil, false
	}
	v, ok = handle.entry.header.Delete(path)
	if ok {
		handle.entry.dirty = true
	}
	return
}

func checkReserved(path string) error {
	if path == mainSection || len(path) > len(mainSection) &&
		path[:len(mainSection)+1] == mainSection+"." {
		return errors.Errorf("header section %q is reserved", mainSection)
	}
	return nil
}

// Version returns the on-disk format version the entry was parsed
// with; it is written back unchanged unless SetVersion is called.
func (handle *Handle) Version() string { return handle.entry.Version() }

// SetVersion is the module's explicit consent to upgrade (or pin) the
// entry's format version.
func (handle *Handle) SetVersion(v string) (err error) {
	if !semver.IsValid("v" + v) {
		return errors.Errorf("malformed version %q", v)
	}
	handle.entry.header.setVersion(v)
	handle.entry.dirty = true
	return
}

// Release gives the entry back to the store, persisting it first when
// dirty.  A persist failure is returned to the caller; the borrow is
// freed either way.  Calling Release again is a no-op.
func (handle *Handle) Release() (err error) {
	if handle.released {
		return nil
	}
	handle.released = true
	defer handle.store.unborrow(handle.entry.id)
	if handle.entry.dirty {
		err = handle.store.update(handle.entry)
	}
	return
}

// Close is Release under the name defer-minded callers expect.
func (handle *Handle) Close() (err error) {
	return handle.Release()
}

// Discard gives the entry back without persisting anything.  Changes
// made through the handle are lost.
func (handle *Handle) Discard() {
	if handle.released {
		return
	}
	handle.released = true
	handle.store.unborrow(handle.entry.id)
}

func isNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}
