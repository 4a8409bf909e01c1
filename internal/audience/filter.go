// Package audience resolves campaign recipient sets: tag filtering over the
// subscriber store, deterministic A/B splitting, and follow-up eligibility.
package audience

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Filter selects recipients by tags and subscription state.
//
// Tags uses AND semantics (recipient must carry every tag), TagsAny uses OR
// semantics (at least one, vacuously true when empty), ExcludeTags rejects
// recipients carrying any listed tag. SubscribedOnly defaults to true, also
// when the filter object itself is absent.
type Filter struct {
	Tags           []string `json:"tags,omitempty"`
	TagsAny        []string `json:"tags_any,omitempty"`
	ExcludeTags    []string `json:"exclude_tags,omitempty"`
	SubscribedOnly *bool    `json:"subscribed_only,omitempty"`
}

// Subscribed reports the effective subscribedOnly value.
func (f *Filter) Subscribed() bool {
	if f == nil || f.SubscribedOnly == nil {
		return true
	}
	return *f.SubscribedOnly
}

// ParseFilter decodes a filter from JSON, rejecting unknown keys. Filters
// arrive from the operator API boundary; a closed shape keeps arbitrary UI
// state out of the engine.
func ParseFilter(data []byte) (*Filter, error) {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f Filter
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse recipient filter: %w", err)
	}
	return &f, nil
}

// Value implements driver.Valuer for the campaigns.filter jsonb column.
func (f *Filter) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner for the campaigns.filter jsonb column.
func (f *Filter) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("filter: cannot scan %T", value)
	}
	return json.Unmarshal(b, f)
}

// Matches reports whether a recipient satisfies the filter in memory. The
// resolver pushes the same semantics into SQL; this form backs unit tests
// and the in-process checks on already-loaded recipients.
func (f *Filter) Matches(r Recipient) bool {
	if f.Subscribed() && !r.Subscribed {
		return false
	}
	if f == nil {
		return true
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		any := false
		for _, tag := range f.TagsAny {
			if r.HasTag(tag) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, tag := range f.ExcludeTags {
		if r.HasTag(tag) {
			return false
		}
	}
	return true
}
