package pimbase

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/stevegt/goadapt"
)

const testDirPrefix = "pimbase"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) *Store {
	var dir string
	var err error

	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}

	store, err := Open(dir)
	Ck(err)
	tassert(t, store != nil, "store is nil")
	return store
}

func mkid(t *testing.T, s string) StoreId {
	t.Helper()
	id, err := ParseId(s)
	tassert(t, err == nil, "ParseId(%q): %v", s, err)
	return id
}

// put creates an entry with the given content and releases it.
func put(t *testing.T, store *Store, s, content string) StoreId {
	t.Helper()
	id := mkid(t, s)
	handle, err := store.Create(id)
	tassert(t, err == nil, "Create(%s): %v", s, err)
	handle.SetContent([]byte(content))
	err = handle.Release()
	tassert(t, err == nil, "Release(%s): %v", s, err)
	return id
}

func TestGetGID(t *testing.T) {
	n := GetGID()
	if n == 0 {
		t.Fatalf("oh no n is 0")
	}
}

func TestOpenCreatesConfig(t *testing.T) {
	store := setup(t)
	buf, err := ioutil.ReadFile(filepath.Join(store.Dir, "config.json"))
	tassert(t, err == nil, "reading config: %v", err)
	tassert(t, len(buf) > 0, "config is empty")

	// reopening an existing store works
	again, err := Open(store.Dir)
	tassert(t, err == nil, "reopen: %v", err)
	tassert(t, again != nil, "store is nil")
}

func TestOpenRefusesNewerMajor(t *testing.T) {
	store := setup(t)
	err := ioutil.WriteFile(filepath.Join(store.Dir, "config.json"),
		[]byte(`{"version":"2.0"}`), 0644)
	Ck(err)
	_, err = Open(store.Dir)
	tassert(t, err != nil, "expected version error, got none")
}

func TestCreateRetrieve(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/2026/meeting", "agenda\n")

	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	tassert(t, string(handle.Content()) == "agenda\n",
		"content %q", handle.Content())
	tassert(t, handle.Version() == FormatVersion,
		"version %q", handle.Version())
	tassert(t, !handle.Dirty(), "fresh retrieve is dirty")
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)
}

func TestCreateExisting(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/dup", "x")

	_, err := store.Create(id)
	_, isExists := err.(*ExistsError)
	tassert(t, isExists, "expected ExistsError, got %v", err)
	// failed create must not leave the id borrowed
	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve after failed create: %v", err)
	handle.Discard()
}

func TestRetrieveMissing(t *testing.T) {
	store := setup(t)
	_, err := store.Retrieve(mkid(t, "notes/nope"))
	_, isNotFound := err.(*NotFoundError)
	tassert(t, isNotFound, "expected NotFoundError, got %v", err)

	handle, err := store.Get(mkid(t, "notes/nope"))
	tassert(t, err == nil, "Get: %v", err)
	tassert(t, handle == nil, "Get of missing entry returned a handle")
}

func TestBorrowExclusive(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/solo", "x")

	first, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)

	_, err = store.Retrieve(id)
	_, isBorrowed := err.(*BorrowedError)
	tassert(t, isBorrowed, "expected BorrowedError, got %v", err)

	_, err = store.Create(id)
	_, isBorrowed = err.(*BorrowedError)
	tassert(t, isBorrowed, "Create of borrowed id: expected BorrowedError, got %v", err)

	_, err = store.RetrieveCopy(id)
	_, isBorrowed = err.(*BorrowedError)
	tassert(t, isBorrowed, "RetrieveCopy of borrowed id: expected BorrowedError, got %v", err)

	err = first.Release()
	tassert(t, err == nil, "Release: %v", err)

	second, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve after release: %v", err)
	second.Discard()
}

func TestReleaseIdempotent(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/rel", "x")

	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	handle.SetContent([]byte("y"))
	err = handle.Release()
	tassert(t, err == nil, "first Release: %v", err)
	err = handle.Release()
	tassert(t, err == nil, "second Release: %v", err)
	err = handle.Close()
	tassert(t, err == nil, "Close after Release: %v", err)

	entry, err := store.RetrieveCopy(id)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "y", "content %q", entry.Content())
}

func TestDiscard(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/keep", "original")

	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	handle.SetContent([]byte("scratch"))
	handle.Discard()

	entry, err := store.RetrieveCopy(id)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "original",
		"discard persisted changes: %q", entry.Content())
}

func TestReleasePersistFailure(t *testing.T) {
	backend := NewMemBackend()
	store, err := OpenBackend(backend)
	tassert(t, err == nil, "OpenBackend: %v", err)
	id, err := ParseId("notes/a")
	Ck(err)
	handle, err := store.Create(id)
	tassert(t, err == nil, "Create: %v", err)

	backend.WriteErr = fmt.Errorf("disk full")
	err = handle.Release()
	tassert(t, err != nil, "expected persist error, got none")

	// the borrow is freed even though the persist failed
	backend.WriteErr = nil
	handle, err = store.Create(id)
	tassert(t, err == nil, "Create after failed release: %v", err)
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)
}

func TestRetrieveCopyDetached(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/copy", "v1")

	entry, err := store.RetrieveCopy(id)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "v1", "content %q", entry.Content())

	// copies do not block a real borrow
	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	handle.Discard()
}

func TestHeaderFields(t *testing.T) {
	store := setup(t)
	id := mkid(t, "contacts/alice")
	handle, err := store.Create(id)
	tassert(t, err == nil, "Create: %v", err)

	err = handle.SetField("contact.file", "alice.vcf")
	tassert(t, err == nil, "SetField: %v", err)
	err = handle.SetField("contact.rev", 3)
	tassert(t, err == nil, "SetField: %v", err)
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)

	handle, err = store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	defer handle.Discard()
	v, ok := handle.Field("contact.file")
	tassert(t, ok, "field missing after round trip")
	tassert(t, v == "alice.vcf", "field value %v", v)
	v, ok = handle.Field("contact.rev")
	tassert(t, ok, "field missing after round trip")
	tassert(t, fmt.Sprintf("%v", v) == "3", "field value %v", v)
	_, ok = handle.Field("contact.missing")
	tassert(t, !ok, "missing field reported present")
}

func TestReservedSection(t *testing.T) {
	store := setup(t)
	handle, err := store.Create(mkid(t, "notes/res"))
	tassert(t, err == nil, "Create: %v", err)
	defer handle.Discard()

	err = handle.SetField("pim.links", []string{"x"})
	tassert(t, err != nil, "writing reserved section succeeded")
	err = handle.SetField("pim", 1)
	tassert(t, err != nil, "overwriting reserved section succeeded")
	_, ok := handle.DeleteField("pim.version")
	tassert(t, !ok, "deleting reserved field succeeded")

	// a module section named pimx is fine
	err = handle.SetField("pimx.a", 1)
	tassert(t, err == nil, "SetField pimx.a: %v", err)
}

func TestUnknownFieldsSurvive(t *testing.T) {
	store := setup(t)
	id := mkid(t, "wiki/page")
	handle, err := store.Create(id)
	tassert(t, err == nil, "Create: %v", err)
	err = handle.SetField("wiki.revision", int64(7))
	tassert(t, err == nil, "SetField: %v", err)
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)

	// a module that knows nothing about wiki rewrites the entry
	handle, err = store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	handle.SetContent([]byte("edited elsewhere"))
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)

	entry, err := store.RetrieveCopy(id)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	v, ok := entry.Field("wiki.revision")
	tassert(t, ok, "foreign field lost in round trip")
	tassert(t, fmt.Sprintf("%v", v) == "7", "foreign field value %v", v)
}

func TestDelete(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/gone", "x")

	err := store.Delete(id)
	tassert(t, err == nil, "Delete: %v", err)
	_, err = store.Retrieve(id)
	_, isNotFound := err.(*NotFoundError)
	tassert(t, isNotFound, "expected NotFoundError, got %v", err)

	err = store.Delete(id)
	_, isNotFound = err.(*NotFoundError)
	tassert(t, isNotFound, "double delete: expected NotFoundError, got %v", err)
}

func TestContentCopied(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/aliased", "pristine")

	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	defer handle.Discard()

	// scribbling on the returned slice must not reach the entry
	buf := handle.Content()
	copy(buf, "scribble")
	tassert(t, string(handle.Content()) == "pristine",
		"content mutated through returned slice: %q", handle.Content())
	tassert(t, !handle.Dirty(), "aliased write marked the entry dirty")

	entry := handle.Entry()
	buf = entry.Content()
	copy(buf, "scribble")
	tassert(t, string(entry.Content()) == "pristine",
		"entry content mutated through returned slice: %q", entry.Content())
}

func TestConcurrentBorrow(t *testing.T) {
	// many goroutines race for the same id; exactly one wins the
	// borrow, every loser fails fast with BorrowedError
	store := setup(t)
	id := put(t, store, "notes/contested", "x")

	const workers = 8
	start := make(chan struct{})
	handles := make(chan *Handle, workers)
	errc := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			handle, err := store.Retrieve(id)
			if err != nil {
				errc <- err
				return
			}
			handles <- handle
		}()
	}
	close(start)
	wg.Wait()
	close(handles)
	close(errc)

	won := 0
	for handle := range handles {
		won++
		handle.Discard()
	}
	tassert(t, won == 1, "expected one borrow winner, got %d", won)
	for err := range errc {
		_, isBorrowed := err.(*BorrowedError)
		tassert(t, isBorrowed, "loser got %v, expected BorrowedError", err)
	}
}

func TestDeleteMalformed(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/bad", "x")

	// corrupt the entry out-of-band so the header no longer parses
	err := store.backend.Write(id.relPath(), []byte("not an entry\n"))
	tassert(t, err == nil, "Write: %v", err)
	_, err = store.Retrieve(id)
	_, isParse := err.(*ParseError)
	tassert(t, isParse, "expected ParseError, got %v", err)

	err = store.Delete(id)
	tassert(t, err == nil, "Delete: %v", err)
	_, err = store.Retrieve(id)
	_, isNotFound := err.(*NotFoundError)
	tassert(t, isNotFound, "expected NotFoundError, got %v", err)
}

func TestDeleteBorrowed(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/held", "x")
	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)
	defer handle.Discard()

	err = store.Delete(id)
	_, isBorrowed := err.(*BorrowedError)
	tassert(t, isBorrowed, "expected BorrowedError, got %v", err)
}

func TestMove(t *testing.T) {
	store := setup(t)
	old := put(t, store, "notes/draft", "body")
	new := mkid(t, "wiki/final")

	err := store.Move(old, new)
	tassert(t, err == nil, "Move: %v", err)

	_, err = store.Retrieve(old)
	_, isNotFound := err.(*NotFoundError)
	tassert(t, isNotFound, "old id still present: %v", err)

	entry, err := store.RetrieveCopy(new)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "body", "content %q", entry.Content())
}

func TestMoveOntoExisting(t *testing.T) {
	store := setup(t)
	a := put(t, store, "notes/a", "a")
	b := put(t, store, "notes/b", "b")

	err := store.Move(a, b)
	_, isExists := err.(*ExistsError)
	tassert(t, isExists, "expected ExistsError, got %v", err)

	// both entries intact
	entry, err := store.RetrieveCopy(b)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "b", "content %q", entry.Content())
}

func TestSaveAs(t *testing.T) {
	store := setup(t)
	old := put(t, store, "notes/tmp", "v1")
	new := mkid(t, "notes/perm")

	handle, err := store.Retrieve(old)
	tassert(t, err == nil, "Retrieve: %v", err)
	handle.SetContent([]byte("v2"))
	err = store.SaveAs(handle, new)
	tassert(t, err == nil, "SaveAs: %v", err)
	tassert(t, handle.Id().Equal(new), "handle id %s", handle.Id())
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)

	_, err = store.Retrieve(old)
	_, isNotFound := err.(*NotFoundError)
	tassert(t, isNotFound, "old id still present: %v", err)

	entry, err := store.RetrieveCopy(new)
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "v2", "content %q", entry.Content())
}

func TestMaintenanceLock(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/locked", "x")

	err := store.Lock()
	tassert(t, err == nil, "Lock: %v", err)

	_, err = store.Retrieve(id)
	_, isLocked := err.(*LockedError)
	tassert(t, isLocked, "Retrieve under lock: expected LockedError, got %v", err)
	_, err = store.Create(mkid(t, "notes/other"))
	_, isLocked = err.(*LockedError)
	tassert(t, isLocked, "Create under lock: expected LockedError, got %v", err)

	err = store.Lock()
	_, isLocked = err.(*LockedError)
	tassert(t, isLocked, "double Lock: expected LockedError, got %v", err)

	err = store.Unlock()
	tassert(t, err == nil, "Unlock: %v", err)
	err = store.Unlock()
	tassert(t, err == nil, "Unlock of unlocked store: %v", err)

	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve after unlock: %v", err)
	handle.Discard()
}

func TestLockSurvivesReopen(t *testing.T) {
	store := setup(t)
	put(t, store, "notes/x", "x")
	err := store.Lock()
	tassert(t, err == nil, "Lock: %v", err)

	again, err := Open(store.Dir)
	tassert(t, err == nil, "reopen: %v", err)
	_, err = again.Retrieve(mkid(t, "notes/x"))
	_, isLocked := err.(*LockedError)
	tassert(t, isLocked, "expected LockedError after reopen, got %v", err)
	err = again.Unlock()
	tassert(t, err == nil, "Unlock: %v", err)
}

func TestCloseRefusesOutstanding(t *testing.T) {
	store := setup(t)
	id := put(t, store, "notes/open", "x")
	handle, err := store.Retrieve(id)
	tassert(t, err == nil, "Retrieve: %v", err)

	err = store.Close()
	_, isBorrowed := err.(*BorrowedError)
	tassert(t, isBorrowed, "expected BorrowedError, got %v", err)

	handle.Discard()
	err = store.Close()
	tassert(t, err == nil, "Close: %v", err)
}

func TestSetVersion(t *testing.T) {
	store := setup(t)
	id := mkid(t, "notes/ver")
	handle, err := store.Create(id)
	tassert(t, err == nil, "Create: %v", err)

	err = handle.SetVersion("not-a-version")
	tassert(t, err != nil, "malformed version accepted")
	err = handle.SetVersion("1.0")
	tassert(t, err == nil, "SetVersion: %v", err)
	err = handle.Release()
	tassert(t, err == nil, "Release: %v", err)
}

func TestCrashLeftoverIgnored(t *testing.T) {
	store := setup(t)
	put(t, store, "notes/real", "survives")

	// simulate an interrupted atomic write: renameio leaves a dot
	// temp file next to the destination
	leftover := filepath.Join(store.Dir, "notes", ".real012345")
	err := ioutil.WriteFile(leftover, []byte("partial gar"), 0644)
	Ck(err)

	ids, err := store.Ids().All()
	tassert(t, err == nil, "Ids: %v", err)
	tassert(t, len(ids) == 1, "expected 1 id, got %d: %v", len(ids), ids)

	entry, err := store.RetrieveCopy(ids[0])
	tassert(t, err == nil, "RetrieveCopy: %v", err)
	tassert(t, string(entry.Content()) == "survives", "content %q", entry.Content())
}
