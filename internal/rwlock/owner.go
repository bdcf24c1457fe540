package rwlock

import "sync/atomic"

// Owner identifies a lock holder. Each worker goroutine owns exactly one
// Owner for its lifetime and passes it to every lock operation.
type Owner uint64

var lastOwner atomic.Uint64

// NewOwner returns a process-unique, non-zero Owner.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}
