package store

import (
	"strings"
)

// Provenance tags. Every write carries one of them; the store uses them to
// decide who may overwrite whom.
const (
	TagSourceAgent      = "source=agent"
	TagSourcePromise    = "source=promise"
	TagSourceAugments   = "source=augments_file"
	TagSourceCMDB       = "source=cmdb"
	TagSourcePersistent = "source=persistent"
	TagSourceFunction   = "source=function"
)

// ProtectedTags mark host-specific data that later writers may not replace.
var ProtectedTags = []string{TagSourceCMDB}

// Tags is an ordered set of free-form metadata strings, usually key=value.
type Tags []string

// NewTags builds a tag set, dropping empty strings and duplicates.
func NewTags(tags ...string) Tags {
	var out Tags
	for _, t := range tags {
		out = out.With(t)
	}
	return out
}

// Has reports whether tag is present.
func (t Tags) Has(tag string) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Value returns the value of the first key=value tag with the given key.
func (t Tags) Value(key string) (string, bool) {
	prefix := key + "="
	for _, x := range t {
		if strings.HasPrefix(x, prefix) {
			return x[len(prefix):], true
		}
	}
	return "", false
}

// With returns a copy of t with tag added if missing.
func (t Tags) With(tag string) Tags {
	tag = strings.TrimSpace(tag)
	if tag == "" || t.Has(tag) {
		return t
	}
	out := make(Tags, len(t), len(t)+1)
	copy(out, t)
	return append(out, tag)
}

// Merge returns t extended with every tag of other.
func (t Tags) Merge(other Tags) Tags {
	out := t
	for _, x := range other {
		out = out.With(x)
	}
	return out
}

// IsProtected reports whether t carries a protected provenance tag.
func (t Tags) IsProtected() bool {
	for _, p := range ProtectedTags {
		if t.Has(p) {
			return true
		}
	}
	return false
}

// String joins the tags with commas.
func (t Tags) String() string {
	return strings.Join(t, ",")
}

// ParseTags splits a comma separated tag list.
func ParseTags(s string) Tags {
	return NewTags(strings.Split(s, ",")...)
}
