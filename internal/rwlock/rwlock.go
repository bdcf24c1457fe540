// Package rwlock provides an upgradable reader/writer lock with an explicit
// write handoff.
//
// A waiting writer publishes its intent in the lock state. From then on no new
// reader is admitted, and once the last holder leaves the lock is handed to
// that writer and to nobody else. Readers can change mode in place with Upgrade
// and Downgrade without releasing the lock first.
//
// All waiting is done by spinning with runtime.Gosched; hold times are expected
// to be short (map lookups and slice appends).
package rwlock

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrInvariant is wrapped by every panic value raised for a broken
// acquire/release pairing.
var ErrInvariant = errors.New("rwlock: invariant violation")

// Mode is the state of the lock.
type Mode int

const (
	Released Mode = iota
	ReadOnly
	ReadOnlyAwaitingWrite
	ReadWrite
	ReadWriteAwaitingWrite
	HandoffWrite
)

func (m Mode) String() string {
	switch m {
	case Released:
		return "released"
	case ReadOnly:
		return "read_only"
	case ReadOnlyAwaitingWrite:
		return "read_only_awaiting_write"
	case ReadWrite:
		return "read_write"
	case ReadWriteAwaitingWrite:
		return "read_write_awaiting_write"
	case HandoffWrite:
		return "handoff_write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// InvariantError describes a misuse of the lock. It is only ever used as a
// panic value.
type InvariantError struct {
	Op     string
	Owner  Owner
	Mode   Mode
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rwlock: %s by owner %d in mode %s: %s", e.Op, e.Owner, e.Mode, e.Reason)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

type hold uint8

const (
	holdRead hold = iota + 1
	holdWrite
	// holdUpgrading marks a reader that gave up its read share and waits for
	// the write handoff. It stays registered but is not counted as active.
	holdUpgrading
)

// Lock is an upgradable reader/writer lock. The zero value is not usable;
// call New.
type Lock struct {
	guard   spinLock
	mode    Mode
	holders map[Owner]hold
	active  int
	handoff Owner
}

// New returns a released lock.
func New() *Lock {
	return &Lock{holders: make(map[Owner]hold)}
}

// RLock acquires the lock in read mode, waiting while a writer holds it or
// has announced its intent to write.
func (l *Lock) RLock(o Owner) {
	l.guard.Lock()
	defer l.guard.Unlock()

	l.mustNotHold("RLock", o)
	for !canRead(l.mode) {
		l.park()
	}
	l.add(o, holdRead)
	l.mode = ReadOnly
}

// TryRLock acquires the lock in read mode if that is possible right now.
func (l *Lock) TryRLock(o Owner) bool {
	l.guard.Lock()
	defer l.guard.Unlock()

	l.mustNotHold("TryRLock", o)
	if !canRead(l.mode) {
		return false
	}
	l.add(o, holdRead)
	l.mode = ReadOnly

	return true
}

// WLock acquires the lock in write mode. If readers or another writer hold
// the lock, the caller is recorded as the handoff recipient (unless another
// writer already is) and waits for the handoff.
func (l *Lock) WLock(o Owner) {
	l.guard.Lock()
	defer l.guard.Unlock()

	l.mustNotHold("WLock", o)
	l.acquireWrite(o)
	l.add(o, holdWrite)
	l.mode = ReadWrite
}

// TryWLock acquires the lock in write mode if it is released or was handed
// off to o. It never records write intent.
func (l *Lock) TryWLock(o Owner) bool {
	l.guard.Lock()
	defer l.guard.Unlock()

	l.mustNotHold("TryWLock", o)
	if !l.canWrite(o) {
		return false
	}
	l.handoff = 0
	l.add(o, holdWrite)
	l.mode = ReadWrite

	return true
}

// Upgrade turns the read hold of o into a write hold. It follows the same
// handoff protocol as WLock while o stays registered as a holder.
func (l *Lock) Upgrade(o Owner) {
	l.guard.Lock()
	defer l.guard.Unlock()

	h, ok := l.holders[o]
	if !ok {
		l.violation("Upgrade", o, "owner does not hold the lock")
	}
	if h != holdRead || (l.mode != ReadOnly && l.mode != ReadOnlyAwaitingWrite) {
		l.violation("Upgrade", o, "owner does not hold a read share")
	}

	l.holders[o] = holdUpgrading
	l.active--
	l.release("Upgrade", o)
	l.acquireWrite(o)

	l.holders[o] = holdWrite
	l.active++
	l.mode = ReadWrite
}

// Downgrade turns the write hold of o into a read hold. Downgrading a read
// hold is a no-op.
func (l *Lock) Downgrade(o Owner) {
	l.guard.Lock()
	defer l.guard.Unlock()

	if _, ok := l.holders[o]; !ok {
		l.violation("Downgrade", o, "owner does not hold the lock")
	}

	switch l.mode {
	case ReadWrite:
		l.mode = ReadOnly
	case ReadWriteAwaitingWrite:
		l.mode = ReadOnlyAwaitingWrite
	case ReadOnly, ReadOnlyAwaitingWrite:
	default:
		l.violation("Downgrade", o, "invalid state")
	}
	l.holders[o] = holdRead
}

// Unlock releases the hold of o, whatever its mode. When the last holder
// leaves a lock that carries write intent, the lock is handed off to the
// waiting writer.
func (l *Lock) Unlock(o Owner) {
	l.guard.Lock()
	defer l.guard.Unlock()

	h, ok := l.holders[o]
	if !ok {
		l.violation("Unlock", o, "owner does not hold the lock")
	}
	if h == holdUpgrading {
		l.violation("Unlock", o, "owner is waiting for an upgrade")
	}
	delete(l.holders, o)
	l.active--
	l.release("Unlock", o)
}

// Mode returns the current state of the lock.
func (l *Lock) Mode() Mode {
	l.guard.Lock()
	defer l.guard.Unlock()

	return l.mode
}

// Holders returns the number of registered holders, including owners that
// wait for an upgrade.
func (l *Lock) Holders() int {
	l.guard.Lock()
	defer l.guard.Unlock()

	return len(l.holders)
}

// Holds reports whether o is registered as a holder.
func (l *Lock) Holds(o Owner) bool {
	l.guard.Lock()
	defer l.guard.Unlock()

	_, ok := l.holders[o]

	return ok
}

func canRead(m Mode) bool {
	return m == Released || m == ReadOnly
}

func (l *Lock) canWrite(o Owner) bool {
	return l.mode == Released || (l.mode == HandoffWrite && l.handoff == o)
}

// acquireWrite waits, with the guard held, until o may write. The first writer
// to find the lock shared records itself as the handoff recipient.
func (l *Lock) acquireWrite(o Owner) {
	for !l.canWrite(o) {
		switch l.mode {
		case ReadOnly:
			l.mode = ReadOnlyAwaitingWrite
			l.handoff = o
		case ReadWrite:
			l.mode = ReadWriteAwaitingWrite
			l.handoff = o
		}
		l.park()
	}
	l.handoff = 0
}

// release moves the state forward after a holder stopped being active.
func (l *Lock) release(op string, o Owner) {
	switch l.mode {
	case ReadOnly, ReadWrite:
		if l.active == 0 {
			l.mode = Released
		}
	case ReadOnlyAwaitingWrite, ReadWriteAwaitingWrite:
		if l.active == 0 {
			l.mode = HandoffWrite
		}
	default:
		l.violation(op, o, "invalid state")
	}
}

func (l *Lock) add(o Owner, h hold) {
	l.holders[o] = h
	l.active++
}

func (l *Lock) mustNotHold(op string, o Owner) {
	if o == 0 {
		l.violation(op, o, "zero owner")
	}
	if _, ok := l.holders[o]; ok {
		l.violation(op, o, "owner already holds the lock")
	}
}

func (l *Lock) park() {
	l.guard.Unlock()
	runtime.Gosched()
	l.guard.Lock()
}

// violation panics; the deferred guard release in the caller keeps the lock
// usable for other owners.
func (l *Lock) violation(op string, o Owner, reason string) {
	panic(&InvariantError{Op: op, Owner: o, Mode: l.mode, Reason: reason})
}
