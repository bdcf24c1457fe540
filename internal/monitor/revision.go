package monitor

import (
	"bytes"
	"time"
)

// Revision is the observed state of a resource at Captured.
//
// Two revisions are equal when existence, size and digest match; the capture
// time and the invalidation generation only drive the throttle. The zero
// Revision means "never observed", which differs from an observed deletion.
type Revision struct {
	Exists   bool
	Size     int64
	Digest   []byte
	Captured time.Time
	Gen      uint64
}

// Equal reports whether r and o describe the same resource content.
func (r Revision) Equal(o Revision) bool {
	return r.Exists == o.Exists &&
		r.Size == o.Size &&
		bytes.Equal(r.Digest, o.Digest)
}

// Observed reports whether r comes from an actual inspection.
func (r Revision) Observed() bool {
	return !r.Captured.IsZero()
}

// Deleted reports whether r records an inspection that found nothing.
func (r Revision) Deleted() bool {
	return r.Observed() && !r.Exists
}

// Newer reports whether r was captured after o.
func (r Revision) Newer(o Revision) bool {
	return r.Captured.After(o.Captured)
}

// Status is the outcome of an observation.
type Status int

const (
	Unchanged Status = iota
	Changed
	Deleted
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Observation is the result of Tracker.Observe. Content is only set for
// Changed.
type Observation struct {
	Status   Status
	Revision Revision
	Content  []byte
}
