package pimbase

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

// TagIndex is an in-memory secondary index mapping tag -> ids.  It is
// a cache, never a source of truth: it is rebuilt from entry headers
// on demand, kept current by the store on every persist, delete and
// rename, and snapshotted to a dotfile at Close purely as a warm
// start for the next Open.
type TagIndex struct {
	store *Store

	mu    sync.Mutex
	built bool
	byId  map[string][]string
	byTag map[string]map[string]bool
}

// indexSnapshot is the msgpack layout of the snapshot dotfile.  Only
// the id -> tags direction is stored; the reverse map is derived.
type indexSnapshot struct {
	Version string
	ById    map[string][]string
}

func newTagIndex(store *Store) *TagIndex {
	return &TagIndex{
		store: store,
		byId:  map[string][]string{},
		byTag: map[string]map[string]bool{},
	}
}

// put records the current tag set of id.  Called on every persist.
func (index *TagIndex) put(id StoreId, tags []string) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.putLocked(id.String(), tags)
}

func (index *TagIndex) putLocked(key string, tags []string) {
	for _, tag := range index.byId[key] {
		delete(index.byTag[tag], key)
	}
	index.byId[key] = tags
	for _, tag := range tags {
		if index.byTag[tag] == nil {
			index.byTag[tag] = map[string]bool{}
		}
		index.byTag[tag][key] = true
	}
}

func (index *TagIndex) remove(id StoreId) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.dropLocked(id.String())
}

func (index *TagIndex) dropLocked(key string) {
	for _, tag := range index.byId[key] {
		delete(index.byTag[tag], key)
	}
	delete(index.byId, key)
}

func (index *TagIndex) rename(old, new StoreId) {
	index.mu.Lock()
	defer index.mu.Unlock()
	tags := index.byId[old.String()]
	index.dropLocked(old.String())
	index.putLocked(new.String(), tags)
}

// evict forgets one id without marking the index stale.  The watcher
// calls this when an entry file changes out-of-band; the next lookup
// reloads the header.
func (index *TagIndex) evict(id StoreId) {
	index.mu.Lock()
	defer index.mu.Unlock()
	key := id.String()
	if _, known := index.byId[key]; !known {
		return
	}
	index.dropLocked(key)
	entry, err := index.store.RetrieveCopy(id)
	if err != nil {
		return
	}
	index.putLocked(key, entry.Tags())
}

// idsTagged answers an AND query over normalized tags, building the
// index from headers on first use.
func (index *TagIndex) idsTagged(tags []string) (ids []StoreId, err error) {
	if err = index.store.checkLocked(); err != nil {
		return
	}
	index.mu.Lock()
	defer index.mu.Unlock()
	if !index.built {
		err = index.buildLocked()
		if err != nil {
			return
		}
	}
	if len(tags) == 0 {
		return
	}
	candidates := index.byTag[tags[0]]
	for key := range candidates {
		all := true
		for _, tag := range tags[1:] {
			if !index.byTag[tag][key] {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		id, err := ParseId(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return
}

// buildLocked scans every entry header.  Entries that are borrowed or
// unreadable during the scan are skipped; their next persist indexes
// them.
func (index *TagIndex) buildLocked() (err error) {
	it := index.store.Ids()
	for {
		id, ok := it.Next()
		if !ok {
			break
		}
		entry, err := index.store.RetrieveCopy(id)
		if err != nil {
			log.Debugf("index build: skipping %s: %v", id, err)
			continue
		}
		index.putLocked(id.String(), entry.Tags())
	}
	if it.Err() != nil {
		return it.Err()
	}
	index.built = true
	return
}

// RebuildIndex discards the tag index and rescans all headers.  Use
// it after out-of-band edits when no watcher was running.
func (store *Store) RebuildIndex() (err error) {
	if err = store.checkLocked(); err != nil {
		return
	}
	store.index.mu.Lock()
	defer store.index.mu.Unlock()
	store.index.byId = map[string][]string{}
	store.index.byTag = map[string]map[string]bool{}
	store.index.built = false
	return store.index.buildLocked()
}

// load warms the index from the snapshot dotfile, if one exists and
// matches the current format.  Failures are ignored: the snapshot is
// only a cache.
func (index *TagIndex) load() {
	buf, err := index.store.backend.Read(indexFile)
	if err != nil {
		return
	}
	var snap indexSnapshot
	err = msgpack.Unmarshal(buf, &snap)
	if err != nil || snap.Version != FormatVersion {
		log.Debugf("ignoring stale index snapshot: %v", err)
		return
	}
	index.mu.Lock()
	defer index.mu.Unlock()
	for key, tags := range snap.ById {
		index.putLocked(key, tags)
	}
	index.built = true
}

// snapshot persists the warm-start dotfile.  Best effort.
func (index *TagIndex) snapshot() {
	index.mu.Lock()
	defer index.mu.Unlock()
	if !index.built {
		return
	}
	buf, err := msgpack.Marshal(indexSnapshot{Version: FormatVersion, ById: index.byId})
	if err != nil {
		log.Warnf("index snapshot: %v", err)
		return
	}
	err = index.store.backend.Write(indexFile, buf)
	if err != nil {
		log.Warnf("index snapshot: %v", err)
	}
}
