package pimbase

import (
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// FormatVersion is the on-disk entry format version written into the
// reserved header section of newly created entries.
const FormatVersion = "1.0"

// mainSection is the reserved top-level header table.  It carries the
// format version, the link list and the tag list.  Every other
// top-level key belongs to some module and round-trips verbatim.
const mainSection = "pim"

// Header is the structured metadata of an entry: a loosely-typed tree
// of strings, integers, floats, booleans, lists and nested tables,
// serialized as TOML between the entry's "---" fences.
type Header struct {
	tree map[string]interface{}
}

func newHeader() *Header {
	return &Header{
		tree: map[string]interface{}{
			mainSection: map[string]interface{}{
				"version": FormatVersion,
				"links":   []string{},
				"tags":    []string{},
			},
		},
	}
}

// parseHeader decodes and verifies a TOML header block.  Unknown
// fields are kept in the tree untouched so a module-unaware
// read-modify-write never corrupts another module's metadata.
func parseHeader(buf []byte) (hdr *Header, err error) {
	tree := map[string]interface{}{}
	err = toml.Unmarshal(buf, &tree)
	if err != nil {
		return nil, errors.Wrap(err, "header syntax")
	}
	hdr = &Header{tree: tree}
	err = hdr.verify()
	if err != nil {
		return nil, err
	}
	return
}

// marshal serializes the header tree.  Map keys are emitted in sorted
// order, so the output is byte-stable regardless of the order fields
// were set in.
func (hdr *Header) marshal() (buf []byte, err error) {
	return toml.Marshal(hdr.tree)
}

// verify checks the structural invariants every persisted header must
// satisfy: the reserved section exists and its version field is a
// semantic version whose major is not newer than FormatVersion.
func (hdr *Header) verify() (err error) {
	raw, ok := hdr.tree[mainSection]
	if !ok {
		return errors.Errorf("missing [%s] section", mainSection)
	}
	main, ok := raw.(map[string]interface{})
	if !ok {
		return errors.Errorf("[%s] is not a table", mainSection)
	}
	version, ok := main["version"].(string)
	if !ok {
		return errors.Errorf("missing version in [%s]", mainSection)
	}
	if !semver.IsValid("v" + version) {
		return errors.Errorf("malformed version %q", version)
	}
	if semver.Compare(semver.Major("v"+version), semver.Major("v"+FormatVersion)) > 0 {
		return errors.Errorf("unsupported version %q, store speaks %s", version, FormatVersion)
	}
	return nil
}

// main returns the reserved section, creating it when absent.
func (hdr *Header) main() map[string]interface{} {
	if m, ok := hdr.tree[mainSection].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	hdr.tree[mainSection] = m
	return m
}

func (hdr *Header) version() string {
	v, _ := hdr.main()["version"].(string)
	return v
}

func (hdr *Header) setVersion(v string) {
	hdr.main()["version"] = v
}

func (hdr *Header) links() []string {
	return asStrings(hdr.main()["links"])
}

func (hdr *Header) setLinks(links []string) {
	sort.Strings(links)
	hdr.main()["links"] = links
}

func (hdr *Header) tags() []string {
	return asStrings(hdr.main()["tags"])
}

func (hdr *Header) setTags(tags []string) {
	sort.Strings(tags)
	hdr.main()["tags"] = tags
}

// asStrings tolerates both the []string our setters store and the
// []interface{} the TOML decoder produces.
func asStrings(v interface{}) (out []string) {
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return
}

// Get reads a field by dotted path, e.g. "contact.file".  The second
// return value is false when the path does not lead to a value.
func (hdr *Header) Get(path string) (v interface{}, ok bool) {
	parts := strings.Split(path, ".")
	node := interface{}(hdr.tree)
	for _, part := range parts {
		table, isTable := node.(map[string]interface{})
		if !isTable {
			return nil, false
		}
		node, ok = table[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Set writes a field by dotted path, creating intermediate tables as
// needed.  It fails when an intermediate element exists and is not a
// table.
func (hdr *Header) Set(path string, v interface{}) (err error) {
	parts := strings.Split(path, ".")
	table := hdr.tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part]
		if !ok {
			sub := map[string]interface{}{}
			table[part] = sub
			table = sub
			continue
		}
		sub, ok := next.(map[string]interface{})
		if !ok {
			return errors.Errorf("header path %q: %q is not a table", path, part)
		}
		table = sub
	}
	table[parts[len(parts)-1]] = v
	return nil
}

// Delete removes a field by dotted path and returns the removed value.
func (hdr *Header) Delete(path string) (v interface{}, ok bool) {
	parts := strings.Split(path, ".")
	table := hdr.tree
	for _, part := range parts[:len(parts)-1] {
		sub, isTable := table[part].(map[string]interface{})
		if !isTable {
			return nil, false
		}
		table = sub
	}
	last := parts[len(parts)-1]
	v, ok = table[last]
	if ok {
		delete(table, last)
	}
	return
}
