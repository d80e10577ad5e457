/*

Pimbase is a small crash-tolerant object store built directly on a
filesystem.  It is the shared persistence engine for a suite of
personal-information-management modules (notes, contacts, calendar,
wiki): each module keeps its data as entries in one store and gets
identity, linking and tagging for free.

Vocabulary:

- store: the root engine; owns a directory tree and a borrow table
- entry: one stored object; a structured header plus opaque content
- id: normalized hierarchical identifier of an entry; maps 1:1 to the
	entry's file below the store root
- module prefix: optional leading id segment naming the owning module
	(e.g. "notes", "contacts")
- header: TOML tree between "---" fences at the top of the entry file;
	the reserved [pim] section holds version, links and tags, everything
	else is module extension data and round-trips verbatim
- content: raw bytes after the header fences; never interpreted
- handle: the exclusive borrow of one entry; at most one live handle
	per id at any time; releasing it persists the entry if dirty
- link: symmetric reference between two entries, recorded in both
	headers
- tag: normalized lowercase label in an entry's header
- backend: the boundary that turns ids into durable bytes; the default
	backend writes one file per entry with atomic tempfile+rename
	replacement

Concurrency policy: acquisition is fail-fast.  Borrowing an id that is
already checked out returns *BorrowedError immediately, including for
operations that touch a second entry internally (linking, delete
cascade, rename).  Nothing blocks waiting for another holder, so
lock-order deadlock cannot occur; operations that acquire two ids
still do so in lexical id order for deterministic error attribution.

*/

package pimbase
