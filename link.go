package pimbase

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The link subsystem maintains symmetric references between entries:
// whenever A's header lists B, B's header lists A.  Both sides are
// updated by the same routine, never left to callers.  There is no
// multi-entry transaction: a crash between the two single-file writes
// can leave a one-directional reference, which Verify repairs lazily.

// Links returns the ids this entry references.
func (handle *Handle) Links() []StoreId {
	return handle.entry.Links()
}

// AddLink links the borrowed entry with b.  The reciprocal reference
// is written to b immediately; this side is persisted when the handle
// is released.  Linking an entry to itself or adding an existing link
// is a no-op.  Fails with *NotFoundError when b is not in the store
// and *BorrowedError when b is checked out elsewhere.
func (handle *Handle) AddLink(b StoreId) (err error) {
	a := handle.entry.id
	if a.Equal(b) {
		return nil
	}
	if err = handle.store.checkLocked(); err != nil {
		return
	}
	if !handle.store.backend.Exists(b.relPath()) {
		return &NotFoundError{Id: b}
	}
	err = handle.store.mutatePartner(b, func(partner *Entry) bool {
		links, added := addString(partner.header.links(), a.String())
		if added {
			partner.header.setLinks(links)
		}
		return added
	})
	if err != nil {
		return
	}
	links, added := addString(handle.entry.header.links(), b.String())
	if added {
		handle.entry.header.setLinks(links)
		handle.entry.dirty = true
	}
	return
}

// RemoveLink severs the link between the borrowed entry and b.  It is
// idempotent: a link absent on one or both sides is not an error, and
// a partner that no longer exists is logged and skipped, so repeated
// removal converges after a crash.
func (handle *Handle) RemoveLink(b StoreId) (err error) {
	a := handle.entry.id
	if err = handle.store.checkLocked(); err != nil {
		return
	}
	links, removed := removeString(handle.entry.header.links(), b.String())
	if removed {
		handle.entry.header.setLinks(links)
		handle.entry.dirty = true
	}
	if !handle.store.backend.Exists(b.relPath()) {
		log.Warnf("remove link %s -> %s: partner is gone", a, b)
		return nil
	}
	return handle.store.mutatePartner(b, func(partner *Entry) bool {
		links, removed := removeString(partner.header.links(), a.String())
		if removed {
			partner.header.setLinks(links)
		}
		return removed
	})
}

// Link links the entries at a and b.  Both are borrowed fail-fast, in
// lexical order, and both headers are rewritten.
func (store *Store) Link(a, b StoreId) (err error) {
	if a.Equal(b) {
		return nil
	}
	handle, err := store.retrieveOrdered(a, b)
	if err != nil {
		return
	}
	err = handle.AddLink(b)
	if err != nil {
		handle.Discard()
		return
	}
	return handle.Release()
}

// Unlink severs the link between a and b, tolerating either side
// being absent.
func (store *Store) Unlink(a, b StoreId) (err error) {
	if !store.backend.Exists(a.relPath()) {
		// best effort from the surviving side
		if !store.backend.Exists(b.relPath()) {
			return nil
		}
		return store.mutatePartner(b, func(partner *Entry) bool {
			links, removed := removeString(partner.header.links(), a.String())
			if removed {
				partner.header.setLinks(links)
			}
			return removed
		})
	}
	handle, err := store.retrieveOrdered(a, b)
	if err != nil {
		return
	}
	err = handle.RemoveLink(b)
	if err != nil {
		handle.Discard()
		return
	}
	return handle.Release()
}

// retrieveOrdered borrows a, but takes the b borrow first when b is
// lexically smaller, so concurrent two-id operations acquire in one
// global order.  The b borrow is dropped again; AddLink/RemoveLink
// re-acquire it through mutatePartner.
func (store *Store) retrieveOrdered(a, b StoreId) (handle *Handle, err error) {
	if b.Less(a) {
		if err = store.borrow(b); err != nil {
			return
		}
		defer store.unborrow(b)
	}
	return store.Retrieve(a)
}

// mutatePartner borrows the far side of a link operation, applies fn,
// and persists when fn reports a change.
func (store *Store) mutatePartner(id StoreId, fn func(*Entry) bool) (err error) {
	if err = store.borrow(id); err != nil {
		return
	}
	defer store.unborrow(id)
	partner, err := store.load(id)
	if err != nil {
		return errors.Wrapf(err, "loading link partner %s", id)
	}
	if !fn(partner) {
		return nil
	}
	return store.update(partner)
}

// severLinks removes the reciprocal reference from every partner of
// entry.  Called by Delete before the entry's bytes are removed: a
// write failure on a live partner aborts the delete, a partner that
// is already gone is merely logged.
func (store *Store) severLinks(entry *Entry) (err error) {
	for _, partner := range entry.Links() {
		if !store.backend.Exists(partner.relPath()) {
			log.Warnf("delete %s: link partner %s is gone", entry.id, partner)
			continue
		}
		err = store.mutatePartner(partner, func(p *Entry) bool {
			links, removed := removeString(p.header.links(), entry.id.String())
			if removed {
				p.header.setLinks(links)
			}
			return removed
		})
		if err != nil {
			return errors.Wrapf(err, "severing link %s -> %s", entry.id, partner)
		}
	}
	return
}

// retargetLinks rewrites every partner's reference old -> new.  Used
// by Move and SaveAs so link integrity survives renames.
func (store *Store) retargetLinks(entry *Entry, old, new StoreId) (err error) {
	for _, partner := range entry.Links() {
		if !store.backend.Exists(partner.relPath()) {
			log.Warnf("move %s: link partner %s is gone", old, partner)
			continue
		}
		err = store.mutatePartner(partner, func(p *Entry) bool {
			links, removed := removeString(p.header.links(), old.String())
			if !removed {
				return false
			}
			links, _ = addString(links, new.String())
			p.header.setLinks(links)
			return true
		})
		if err != nil {
			return errors.Wrapf(err, "retargeting link %s -> %s", partner, new)
		}
	}
	return
}

// addString inserts s into list if absent.
func addString(list []string, s string) (out []string, added bool) {
	for _, item := range list {
		if item == s {
			return list, false
		}
	}
	return append(list, s), true
}

// removeString removes s from list if present.
func removeString(list []string, s string) (out []string, removed bool) {
	out = list[:0]
	for _, item := range list {
		if item == s {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return
}
