package pimbase

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// There is no multi-entry transaction, so a crash between the two
// writes of a link operation can leave a one-directional reference.
// Verify is the lazy repair pass: it never guesses intent, it only
// restores the symmetry invariant from whatever survived.

// VerifyReport summarizes one verification pass.
type VerifyReport struct {
	Checked    int // entries examined
	Dangling   int // references to entries that no longer exist
	Asymmetric int // one-directional references between live entries
	Repaired   int // header rewrites performed
	Skipped    int // entries not examined (borrowed or unreadable)
}

// Verify scans every entry, finds dangling and one-directional links,
// and repairs them: a dangling reference is dropped from the
// surviving side, a missing reciprocal is restored on the partner.
// Each repair is logged at warn level.
func (store *Store) Verify() (report VerifyReport, err error) {
	if err = store.checkLocked(); err != nil {
		return
	}
	type fix struct {
		id      StoreId
		partner string
		add     bool // true: add reference, false: drop it
	}
	var fixes []fix

	it := store.Ids()
	for {
		id, ok := it.Next()
		if !ok {
			break
		}
		entry, err := store.RetrieveCopy(id)
		if err != nil {
			log.Warnf("verify: skipping %s: %v", id, err)
			report.Skipped++
			continue
		}
		report.Checked++
		for _, raw := range entry.header.links() {
			partner, err := ParseId(raw)
			if err != nil {
				log.Warnf("verify: %s references malformed id %q", id, raw)
				report.Dangling++
				fixes = append(fixes, fix{id: id, partner: raw})
				continue
			}
			if !store.backend.Exists(partner.relPath()) {
				log.Warnf("verify: %s references missing entry %s", id, partner)
				report.Dangling++
				fixes = append(fixes, fix{id: id, partner: raw})
				continue
			}
			other, err := store.RetrieveCopy(partner)
			if err != nil {
				report.Skipped++
				continue
			}
			if _, absent := addString(other.header.links(), id.String()); !absent {
				continue
			}
			log.Warnf("verify: link %s -> %s lacks its reciprocal", id, partner)
			report.Asymmetric++
			fixes = append(fixes, fix{id: partner, partner: id.String(), add: true})
		}
	}
	if it.Err() != nil {
		return report, errors.Wrap(it.Err(), "verify walk")
	}

	for _, f := range fixes {
		err = store.mutatePartner(f.id, func(entry *Entry) bool {
			var links []string
			var changed bool
			if f.add {
				links, changed = addString(entry.header.links(), f.partner)
			} else {
				links, changed = removeString(entry.header.links(), f.partner)
			}
			if changed {
				entry.header.setLinks(links)
			}
			return changed
		})
		if err != nil {
			return report, errors.Wrapf(err, "repairing %s", f.id)
		}
		report.Repaired++
	}
	return
}

// Watcher surfaces out-of-band changes below the store root.  Entry
// files touched by something other than this process (an editor, a
// sync tool) are evicted from the tag index so listings never serve
// stale tags.  The raw events are forwarded on Events for embedders
// that want them, best effort: a consumer that falls behind loses
// events, eviction never stalls on one.
type Watcher struct {
	Events chan fsnotify.Event

	store   *Store
	watcher *fsnotify.Watcher
}

// Watch starts a filesystem watcher over the storage root.  Only
// stores opened with Open have a watchable root; a backend-only store
// returns an error.
func (store *Store) Watch() (w *Watcher, err error) {
	if store.Dir == "" {
		return nil, errors.New("store has no filesystem root to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	w = &Watcher{
		Events:  make(chan fsnotify.Event, 16),
		store:   store,
		watcher: fsw,
	}
	// watch the root and every existing subdirectory; fsnotify is not
	// recursive
	err = filepath.Walk(store.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return
}

func (w *Watcher) loop() {
	defer close(w.Events)
	for event := range w.watcher.Events {
		w.handle(event)
		select {
		case w.Events <- event:
		default:
			// nobody is reading; the eviction above already happened
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.store.Dir, event.Name)
	if err != nil {
		return
	}
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") || rel == configFile {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// a new module directory appeared; watch it too
			if err := w.watcher.Add(event.Name); err != nil {
				log.Warnf("watch %s: %v", event.Name, err)
			}
			return
		}
	}
	id, err := idFromRel(rel)
	if err != nil {
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.store.index.remove(id)
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		log.Debugf("out-of-band change to %s", id)
		w.store.index.evict(id)
	}
}

// Close stops the watcher.  The Events channel is closed once the
// last pending event has been forwarded.
func (w *Watcher) Close() (err error) {
	return w.watcher.Close()
}
