package pimbase

import (
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// IdIterator walks the storage root lazily, yielding ids in
// deterministic order without loading entry bodies.  It is
// restartable: Reset rewinds it to the beginning.
//
// Files whose names start with a dot (the maintenance sentinel, the
// index snapshot, leftover temp files from an interrupted atomic
// write) are skipped, as is anything that does not parse as an id.
type IdIterator struct {
	store *Store
	pred  func(StoreId) bool
	stack []*iterFrame
	err   error
}

type iterFrame struct {
	rel  string
	ents []DirEnt
	pos  int
}

// Ids iterates every entry id under the store root.
func (store *Store) Ids() *IdIterator {
	return store.IdsFiltered(nil)
}

// IdsFiltered iterates the ids accepted by pred.  The predicate sees
// only the id; callers that need header data combine this with
// RetrieveCopy.
func (store *Store) IdsFiltered(pred func(StoreId) bool) *IdIterator {
	it := &IdIterator{store: store, pred: pred}
	it.Reset()
	return it
}

// Reset rewinds the iterator to the start of the storage root.
func (it *IdIterator) Reset() {
	it.err = nil
	it.stack = it.stack[:0]
	it.push("")
}

func (it *IdIterator) push(rel string) {
	ents, err := it.store.backend.ReadDir(rel)
	if err != nil {
		it.err = err
		return
	}
	it.stack = append(it.stack, &iterFrame{rel: rel, ents: ents})
}

// Next yields the next id.  It returns a zero id and false when the
// walk is exhausted or an error occurred; check Err afterwards.
func (it *IdIterator) Next() (id StoreId, ok bool) {
	for it.err == nil && len(it.stack) > 0 {
		frame := it.stack[len(it.stack)-1]
		if frame.pos >= len(frame.ents) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		ent := frame.ents[frame.pos]
		frame.pos++

		if strings.HasPrefix(ent.Name, ".") {
			continue
		}
		rel := filepath.Join(frame.rel, ent.Name)
		if ent.Dir {
			it.push(rel)
			continue
		}
		if frame.rel == "" && ent.Name == configFile {
			continue
		}
		id, err := idFromRel(rel)
		if err != nil {
			log.Debugf("skipping non-entry file %s: %v", rel, err)
			continue
		}
		if it.pred != nil && !it.pred(id) {
			continue
		}
		return id, true
	}
	return StoreId{}, false
}

// Err reports the first backend error hit during the walk.
func (it *IdIterator) Err() error {
	return it.err
}

// All drains the iterator into a slice.  Convenience for callers and
// tests that want everything anyway.
func (it *IdIterator) All() (ids []StoreId, err error) {
	for {
		id, ok := it.Next()
		if !ok {
			return ids, it.Err()
		}
		ids = append(ids, id)
	}
}
