package pimbase

import (
	"bytes"
	"strings"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	id := mkid(t, "notes/rt")
	entry := newEntry(id)
	entry.content = []byte("line one\n---\nlooks like a fence but is content\n")

	buf, err := entry.bytes()
	tassert(t, err == nil, "bytes: %v", err)
	tassert(t, bytes.HasPrefix(buf, fence), "missing opening fence")

	again, err := entryFromBytes(id, buf)
	tassert(t, err == nil, "entryFromBytes: %v", err)
	tassert(t, bytes.Equal(again.content, entry.content),
		"content changed: %q", again.content)
	tassert(t, again.Version() == FormatVersion, "version %q", again.Version())
}

func TestEntryStableSerialization(t *testing.T) {
	id := mkid(t, "notes/stable")
	entry := newEntry(id)
	err := entry.header.Set("b.two", 2)
	tassert(t, err == nil, "Set: %v", err)
	err = entry.header.Set("a.one", 1)
	tassert(t, err == nil, "Set: %v", err)

	first, err := entry.bytes()
	tassert(t, err == nil, "bytes: %v", err)
	second, err := entry.bytes()
	tassert(t, err == nil, "bytes: %v", err)
	tassert(t, bytes.Equal(first, second), "serialization not stable")
}

func TestEntryParseErrors(t *testing.T) {
	id := mkid(t, "notes/bad")
	cases := []struct {
		name string
		buf  string
	}{
		{"no opening fence", "[pim]\nversion = \"1.0\"\n---\n"},
		{"no closing fence", "---\n[pim]\nversion = \"1.0\"\n"},
		{"bad toml", "---\nnot toml at all [\n---\n"},
		{"missing section", "---\n[other]\nx = 1\n---\n"},
		{"missing version", "---\n[pim]\nlinks = []\n---\n"},
		{"bad version", "---\n[pim]\nversion = \"abc\"\n---\n"},
		{"newer major", "---\n[pim]\nversion = \"2.0\"\n---\n"},
	}
	for _, c := range cases {
		_, err := entryFromBytes(id, []byte(c.buf))
		_, isParse := err.(*ParseError)
		tassert(t, isParse, "%s: expected ParseError, got %v", c.name, err)
	}
}

func TestEntryFenceInHeaderLine(t *testing.T) {
	// "---" inside a TOML string must not terminate the header early
	buf := "---\n[pim]\nversion = \"1.0\"\nlinks = []\ntags = []\n" +
		"[note]\nsep = \"x--- y\"\n---\nbody\n"
	entry, err := entryFromBytes(mkid(t, "notes/tricky"), []byte(buf))
	tassert(t, err == nil, "entryFromBytes: %v", err)
	tassert(t, string(entry.content) == "body\n", "content %q", entry.content)
}

func TestEntryEmptyContent(t *testing.T) {
	id := mkid(t, "notes/empty")
	entry := newEntry(id)
	buf, err := entry.bytes()
	tassert(t, err == nil, "bytes: %v", err)
	again, err := entryFromBytes(id, buf)
	tassert(t, err == nil, "entryFromBytes: %v", err)
	tassert(t, len(again.content) == 0, "content %q", again.content)
}

func TestHeaderDottedPaths(t *testing.T) {
	hdr := newHeader()
	err := hdr.Set("a.b.c", "deep")
	tassert(t, err == nil, "Set: %v", err)
	v, ok := hdr.Get("a.b.c")
	tassert(t, ok && v == "deep", "Get a.b.c = %v, %v", v, ok)

	// intermediate is a value, not a table
	err = hdr.Set("a.b.c.d", 1)
	tassert(t, err != nil, "Set through a leaf succeeded")

	v, ok = hdr.Delete("a.b.c")
	tassert(t, ok && v == "deep", "Delete returned %v, %v", v, ok)
	_, ok = hdr.Get("a.b.c")
	tassert(t, !ok, "deleted field still present")
	_, ok = hdr.Delete("a.b.c")
	tassert(t, !ok, "double delete reported success")
}

func TestHeaderVersionPreserved(t *testing.T) {
	// an older minor version is readable and written back unchanged
	buf := "---\n[pim]\nversion = \"0.3\"\nlinks = []\ntags = []\n---\nold\n"
	id := mkid(t, "notes/old")
	entry, err := entryFromBytes(id, []byte(buf))
	tassert(t, err == nil, "entryFromBytes: %v", err)
	tassert(t, entry.Version() == "0.3", "version %q", entry.Version())

	out, err := entry.bytes()
	tassert(t, err == nil, "bytes: %v", err)
	tassert(t, strings.Contains(string(out), "version = '0.3'") ||
		strings.Contains(string(out), "version = \"0.3\""),
		"version rewritten: %s", out)
}

func TestHeaderLinksSorted(t *testing.T) {
	hdr := newHeader()
	hdr.setLinks([]string{"notes/z", "notes/a", "notes/m"})
	links := hdr.links()
	tassert(t, len(links) == 3, "links %v", links)
	tassert(t, links[0] == "notes/a" && links[2] == "notes/z",
		"links not sorted: %v", links)
}
