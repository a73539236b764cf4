// Package criteria implements tag-set matching with ordered fallback
// preference lists. A TagSet is an unordered mathematical set of strings;
// ordering preferences are expressed by lists of Criteria, never inside
// the set itself.
package criteria

import (
	"encoding/json"
	"sort"
	"strings"
)

// TagSet is an unordered set of unique, case-sensitive tags.
// A tag using the reserved "key:value" form still matches as an exact string.
type TagSet map[string]struct{}

// NewTagSet builds a TagSet from tags, dropping blanks and duplicates.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		s[tag] = struct{}{}
	}
	return s
}

// Has reports whether tag is a member of the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// ContainsAll reports whether every tag in other is also in s.
// An empty required set is contained in anything.
func (s TagSet) ContainsAll(other TagSet) bool {
	for tag := range other {
		if !s.Has(tag) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets have exactly the same members.
func (s TagSet) Equal(other TagSet) bool {
	if len(s) != len(other) {
		return false
	}
	return s.ContainsAll(other)
}

// Sorted returns the members in lexicographic order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// String renders the set as a comma-joined sorted list. Two sets with the
// same members always render identically, regardless of insertion order.
func (s TagSet) String() string {
	return strings.Join(s.Sorted(), ",")
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}
