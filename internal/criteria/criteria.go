package criteria

import "encoding/json"

// Criteria is one placement preference: a single immutable tag set used as a
// matching predicate. A request carries an ordered list of Criteria,
// most-preferred first; order matters between Criteria, never within one.
type Criteria struct {
	tags TagSet
}

// New creates a Criteria from tags.
func New(tags ...string) Criteria {
	return Criteria{tags: NewTagSet(tags...)}
}

// FromTagSet creates a Criteria wrapping a copy of s.
func FromTagSet(s TagSet) Criteria {
	return Criteria{tags: NewTagSet(s.Sorted()...)}
}

// Tags returns a copy of the criteria's tag set.
func (c Criteria) Tags() TagSet {
	return NewTagSet(c.tags.Sorted()...)
}

// Empty reports whether the criteria has no tags.
func (c Criteria) Empty() bool {
	return len(c.tags) == 0
}

// Equal depends only on tag-set content.
func (c Criteria) Equal(other Criteria) bool {
	return c.tags.Equal(other.tags)
}

// String is the canonical serialized form, used as the audit trail recording
// which criteria resolved a job.
func (c Criteria) String() string {
	return c.tags.String()
}

// MarshalJSON encodes the criteria as {"tags": [...]}.
func (c Criteria) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Tags TagSet `json:"tags"`
	}{Tags: c.tags})
}

// UnmarshalJSON decodes {"tags": [...]}.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tags TagSet `json:"tags"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.tags = raw.Tags
	if c.tags == nil {
		c.tags = TagSet{}
	}
	return nil
}
