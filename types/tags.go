package types

import (
	"fmt"
	"strings"
	"time"
)

// Recognized tag keys
const (
	TagOwner       = "owner"
	TagEnvironment = "environment"
	TagExpiryDate  = "expiry_date"
)

// Tag looks a tag up by key. An exact match wins, otherwise keys are
// compared case-insensitively so "Owner" and "owner" resolve the same.
// When several casings match, the smallest key in byte order wins.
func (r *Resource) Tag(key string) (string, bool) {
	if r.Tags == nil {
		return "", false
	}
	if v, ok := r.Tags[key]; ok {
		return v, true
	}
	var match string
	found := false
	for k := range r.Tags {
		if strings.EqualFold(k, key) && (!found || k < match) {
			match, found = k, true
		}
	}
	if !found {
		return "", false
	}
	return r.Tags[match], true
}

// Owner returns the trimmed owner tag, empty when missing
func (r *Resource) Owner() string {
	v, _ := r.Tag(TagOwner)
	return strings.TrimSpace(v)
}

// Environment returns the lower-cased environment tag
func (r *Resource) Environment() string {
	v, _ := r.Tag(TagEnvironment)
	return strings.ToLower(strings.TrimSpace(v))
}

// ExpiryDate parses the expiry_date tag. ok is false when the tag is absent;
// err is set when the tag is present but unparseable.
func (r *Resource) ExpiryDate() (t time.Time, ok bool, err error) {
	v, present := r.Tag(TagExpiryDate)
	if !present || strings.TrimSpace(v) == "" {
		return time.Time{}, false, nil
	}
	t, err = ParseTagDate(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// ParseTagDate accepts an ISO date (2006-01-02) or an RFC3339 timestamp.
// Dates are interpreted as midnight UTC.
func ParseTagDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC3339", v)
}
