package pimbase

import (
	"bytes"
	"fmt"
)

// fence delimits the header block at the top of every entry file.
var fence = []byte("---\n")

// ParseError is returned when the bytes at an id are not a
// well-formed entry: bad fences, malformed TOML, or a header version
// the store does not speak.
type ParseError struct {
	Id     StoreId
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed entry %s: %s: %v", e.Id, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed entry %s: %s", e.Id, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one stored object: a header tree plus opaque content.
// Mutation goes through a Handle; an Entry obtained from RetrieveCopy
// is a detached snapshot.
type Entry struct {
	id      StoreId
	header  *Header
	content []byte
	dirty   bool
}

// newEntry builds the default entry written by Store.Create: current
// format version, no links, no tags, empty content.  It starts dirty
// so the create is persisted even when the caller never touches it.
func newEntry(id StoreId) *Entry {
	return &Entry{
		id:     id,
		header: newHeader(),
		dirty:  true,
	}
}

// entryFromBytes parses the persisted form: a TOML header between
// "---" fences followed by the raw content bytes.  Parsing is strict;
// content is copied out untouched.
func entryFromBytes(id StoreId, buf []byte) (entry *Entry, err error) {
	if !bytes.HasPrefix(buf, fence) {
		return nil, &ParseError{Id: id, Reason: "missing header fence"}
	}
	rest := buf[len(fence):]
	end := bytes.Index(rest, fence)
	for end > 0 && rest[end-1] != '\n' {
		// fence must sit on its own line
		next := bytes.Index(rest[end+1:], fence)
		if next < 0 {
			end = -1
			break
		}
		end += 1 + next
	}
	if end < 0 {
		return nil, &ParseError{Id: id, Reason: "missing closing fence"}
	}
	header, err := parseHeader(rest[:end])
	if err != nil {
		return nil, &ParseError{Id: id, Reason: "header", Err: err}
	}
	content := append([]byte{}, rest[end+len(fence):]...)
	return &Entry{id: id, header: header, content: content}, nil
}

// bytes serializes the entry into its persisted form.  The header
// version is written back exactly as parsed; upgrading it requires
// the module's explicit consent via Handle.SetVersion.
func (entry *Entry) bytes() (buf []byte, err error) {
	hdr, err := entry.header.marshal()
	if err != nil {
		return nil, err
	}
	buf = make([]byte, 0, 2*len(fence)+len(hdr)+len(entry.content))
	buf = append(buf, fence...)
	buf = append(buf, hdr...)
	buf = append(buf, fence...)
	buf = append(buf, entry.content...)
	return
}

func (entry *Entry) Id() StoreId { return entry.id }

// Version is the on-disk format version this entry carries.
func (entry *Entry) Version() string { return entry.header.version() }

// Content returns a copy of the opaque content bytes.
func (entry *Entry) Content() []byte {
	return append([]byte{}, entry.content...)
}

// Field reads a header field by dotted path, e.g. "contact.file".
func (entry *Entry) Field(path string) (v interface{}, ok bool) {
	return entry.header.Get(path)
}

// Links returns the ids this entry references.  Malformed ids in the
// header are skipped; Verify repairs them.
func (entry *Entry) Links() (out []StoreId) {
	for _, raw := range entry.header.links() {
		id, err := ParseId(raw)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return
}

// Tags returns the entry's tag set in sorted order.
func (entry *Entry) Tags() []string {
	return entry.header.tags()
}

// HasTag reports whether the entry carries the given tag.  The
// argument is normalized first, so "Work" matches "work".
func (entry *Entry) HasTag(tag string) bool {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return false
	}
	for _, t := range entry.header.tags() {
		if t == normalized {
			return true
		}
	}
	return false
}
