package model

import "time"

// Revision orders server-issued versions of an entity. Version is an explicit
// counter; Modified is the server's last-modified timestamp. The client's own
// clock never contributes to a Revision.
type Revision struct {
	Version  int64
	Modified time.Time
}

// IsZero reports whether neither marker is set.
func (r Revision) IsZero() bool {
	return r.Version == 0 && r.Modified.IsZero()
}

// Compare returns -1, 0 or +1 as r is older than, equal to, or newer than o.
// Version counters take precedence when both sides carry one; otherwise the
// modification timestamps decide.
func (r Revision) Compare(o Revision) int {
	if r.Version > 0 && o.Version > 0 {
		switch {
		case r.Version < o.Version:
			return -1
		case r.Version > o.Version:
			return 1
		}
		return 0
	}
	switch {
	case r.Modified.Before(o.Modified):
		return -1
	case r.Modified.After(o.Modified):
		return 1
	}
	return 0
}

// OlderThan reports whether r strictly precedes o.
func (r Revision) OlderThan(o Revision) bool {
	return r.Compare(o) < 0
}
