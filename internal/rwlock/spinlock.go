package rwlock

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a busy-wait mutex. It never parks the goroutine in the kernel;
// waiters yield the processor between attempts.
type spinLock struct {
	flag atomic.Bool
}

func (s *spinLock) Lock() {
	for !s.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinLock) TryLock() bool {
	return s.flag.CompareAndSwap(false, true)
}

func (s *spinLock) Unlock() {
	s.flag.Store(false)
}
