package pimbase

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Separator is the segment separator in the string form of an id.  It
// is the same character on every platform; the backend maps it to the
// local path separator.
const Separator = "/"

// StoreId is the index into the store: an ordered sequence of
// normalized path segments, by convention led by a module prefix.
// The zero value is invalid; construct ids with NewId or ParseId.
type StoreId struct {
	parts []string
}

// InvalidIdError is returned when an id segment fails normalization.
type InvalidIdError struct {
	Raw    string
	Reason string
}

func (e *InvalidIdError) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.Raw, e.Reason)
}

// NewId builds an id from a module prefix and one or more segments.
// The module may be empty for ids that belong to no particular
// module.  Segments must not be empty, must not contain the separator
// or a path separator, must not be "." or "..", and must not start
// with a dot -- dotfiles below the store root are reserved for the
// store itself (maintenance lock, index snapshot, temp files).
func NewId(module string, segs ...string) (id StoreId, err error) {
	parts := make([]string, 0, len(segs)+1)
	if module != "" {
		parts = append(parts, module)
	}
	parts = append(parts, segs...)
	return idFromParts(strings.Join(parts, Separator), parts)
}

// ParseId parses the string form produced by String.  For every id
// produced by NewId, ParseId(id.String()) equals id.
func ParseId(s string) (id StoreId, err error) {
	return idFromParts(s, strings.Split(s, Separator))
}

func idFromParts(raw string, parts []string) (id StoreId, err error) {
	if len(parts) == 0 {
		return id, &InvalidIdError{Raw: raw, Reason: "empty"}
	}
	for _, seg := range parts {
		if err = checkSegment(raw, seg); err != nil {
			return
		}
	}
	id.parts = append([]string{}, parts...)
	return
}

func checkSegment(raw, seg string) error {
	switch {
	case seg == "":
		return &InvalidIdError{Raw: raw, Reason: "empty segment"}
	case seg == "." || seg == "..":
		return &InvalidIdError{Raw: raw, Reason: "path traversal segment"}
	case strings.HasPrefix(seg, "."):
		return &InvalidIdError{Raw: raw, Reason: "segment starts with dot"}
	case strings.ContainsAny(seg, Separator+"\\\x00"):
		return &InvalidIdError{Raw: raw, Reason: "separator in segment"}
	case strings.TrimSpace(seg) != seg:
		return &InvalidIdError{Raw: raw, Reason: "leading or trailing whitespace"}
	}
	return nil
}

// String returns the canonical string form: segments joined by the
// separator, no leading or trailing separator.
func (id StoreId) String() string {
	return strings.Join(id.parts, Separator)
}

// Module returns the module prefix: the leading segment when the id
// has more than one, else the empty string.
func (id StoreId) Module() string {
	if len(id.parts) > 1 {
		return id.parts[0]
	}
	return ""
}

// Segments returns a copy of all segments, module prefix included.
func (id StoreId) Segments() []string {
	return append([]string{}, id.parts...)
}

func (id StoreId) IsZero() bool {
	return len(id.parts) == 0
}

// Equal reports structural equality: same segments in the same order.
func (id StoreId) Equal(other StoreId) bool {
	if len(id.parts) != len(other.parts) {
		return false
	}
	for i := range id.parts {
		if id.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}

// Less is a segment-wise lexical total order, used for display
// ordering and for deterministic two-id acquisition.
func (id StoreId) Less(other StoreId) bool {
	for i := 0; i < len(id.parts) && i < len(other.parts); i++ {
		if id.parts[i] != other.parts[i] {
			return id.parts[i] < other.parts[i]
		}
	}
	return len(id.parts) < len(other.parts)
}

// relPath is the entry's location relative to the store root.  The
// mapping is lossless: idFromRel inverts it.
func (id StoreId) relPath() string {
	return filepath.Join(id.parts...)
}

func idFromRel(rel string) (id StoreId, err error) {
	return idFromParts(rel, strings.Split(filepath.ToSlash(rel), "/"))
}
