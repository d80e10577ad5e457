package pimbase

import (
	"fmt"
	"regexp"
	"strings"
)

// Tags are normalized lowercase labels stored in the reserved header
// section.  Every module uses the same vocabulary rules, so a tag set
// by the notes module can filter contacts listings.

// MaxTagLen caps a normalized tag.
const MaxTagLen = 64

var tagRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// InvalidTagError is returned when a string fails tag normalization.
type InvalidTagError struct {
	Tag    string
	Reason string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("invalid tag %q: %s", e.Tag, e.Reason)
}

// NormalizeTag lowercases and trims the candidate and validates the
// result: it must start with a letter or digit, contain only
// lowercase letters, digits, "_" and "-", and fit MaxTagLen.
func NormalizeTag(tag string) (out string, err error) {
	out = strings.ToLower(strings.TrimSpace(tag))
	switch {
	case out == "":
		return "", &InvalidTagError{Tag: tag, Reason: "empty"}
	case len(out) > MaxTagLen:
		return "", &InvalidTagError{Tag: tag, Reason: "too long"}
	case !tagRe.MatchString(out):
		return "", &InvalidTagError{Tag: tag, Reason: "disallowed characters"}
	}
	return
}

// AddTag adds a tag to the borrowed entry.  Adding a tag that is
// already present is a no-op, so the tag set never holds duplicates.
func (handle *Handle) AddTag(tag string) (err error) {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return
	}
	tags, added := addString(handle.entry.header.tags(), normalized)
	if added {
		handle.entry.header.setTags(tags)
		handle.entry.dirty = true
	}
	return
}

// RemoveTag removes a tag; removing an absent tag is a no-op.
func (handle *Handle) RemoveTag(tag string) (err error) {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return
	}
	tags, removed := removeString(handle.entry.header.tags(), normalized)
	if removed {
		handle.entry.header.setTags(tags)
		handle.entry.dirty = true
	}
	return
}

// SetTags replaces the whole tag set.
func (handle *Handle) SetTags(tags []string) (err error) {
	normalized := []string{}
	for _, tag := range tags {
		n, err := NormalizeTag(tag)
		if err != nil {
			return err
		}
		normalized, _ = addString(normalized, n)
	}
	handle.entry.header.setTags(normalized)
	handle.entry.dirty = true
	return
}

// Tags returns the borrowed entry's tag set in sorted order.
func (handle *Handle) Tags() []string {
	return handle.entry.Tags()
}

// HasTag reports whether the borrowed entry carries the tag.
func (handle *Handle) HasTag(tag string) bool {
	return handle.entry.HasTag(tag)
}

// HasAllTags reports whether the entry carries every given tag.
// Module listings use this for AND filters.
func (handle *Handle) HasAllTags(tags []string) bool {
	return hasAllTags(handle.entry, tags)
}

// HasAnyTags reports whether the entry carries at least one of the
// given tags.
func (handle *Handle) HasAnyTags(tags []string) bool {
	return hasAnyTags(handle.entry, tags)
}

func hasAllTags(entry *Entry, tags []string) bool {
	for _, tag := range tags {
		if !entry.HasTag(tag) {
			return false
		}
	}
	return true
}

func hasAnyTags(entry *Entry, tags []string) bool {
	for _, tag := range tags {
		if entry.HasTag(tag) {
			return true
		}
	}
	return false
}

// IdsTagged lists the ids carrying all of the given tags, in sorted
// order.  It answers from the in-memory tag index, scanning headers
// once to build it; the headers stay the source of truth.
func (store *Store) IdsTagged(tags ...string) (ids []StoreId, err error) {
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		n, err := NormalizeTag(tag)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, n)
	}
	return store.index.idsTagged(normalized)
}
