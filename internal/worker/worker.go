// Package worker runs a fixed set of goroutines that execute script requests
// against a pool. Each goroutine carries its own lock owner for its whole
// lifetime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker: set closed")

// Executor runs one request. *statepool.Pool implements it.
type Executor interface {
	Execute(ctx context.Context, req *statepool.Request) statepool.Outcome
}

type job struct {
	ctx  context.Context
	req  *statepool.Request
	done chan statepool.Outcome
}

// Set is a fixed group of workers fed through an unbuffered channel.
type Set struct {
	exec   Executor
	jobs   chan job
	quit   chan struct{}
	group  *errgroup.Group
	owners []rwlock.Owner
	once   sync.Once

	busy   atomic.Int64
	served atomic.Uint64
}

// New starts n workers.
func New(n int, exec Executor) (*Set, error) {
	if n < 1 {
		return nil, fmt.Errorf("worker: invalid worker count %d", n)
	}

	s := &Set{
		exec:   exec,
		jobs:   make(chan job),
		quit:   make(chan struct{}),
		group:  new(errgroup.Group),
		owners: make([]rwlock.Owner, n),
	}
	for i := range s.owners {
		owner := rwlock.NewOwner()
		s.owners[i] = owner
		s.group.Go(func() error {
			s.loop(owner)
			return nil
		})
	}

	log.Info().Str("event", "workers_started").Int("workers", n).Msg("worker set started")

	return s, nil
}

func (s *Set) loop(owner rwlock.Owner) {
	log.Debug().Str("event", "worker_started").Uint64("worker", uint64(owner)).Msg("worker ready")

	for {
		select {
		case <-s.quit:
			log.Debug().Str("event", "worker_stopped").Uint64("worker", uint64(owner)).Msg("worker exiting")
			return
		case j := <-s.jobs:
			s.busy.Add(1)
			j.req.Owner = owner
			j.done <- s.exec.Execute(j.ctx, j.req)
			s.busy.Add(-1)
			s.served.Add(1)
		}
	}
}

// Submit hands req to the next idle worker and waits for its outcome. It
// gives up only while no worker has taken the request yet.
func (s *Set) Submit(ctx context.Context, req *statepool.Request) (statepool.Outcome, error) {
	j := job{ctx: ctx, req: req, done: make(chan statepool.Outcome, 1)}

	select {
	case <-s.quit:
		return statepool.Outcome{}, ErrClosed
	case <-ctx.Done():
		return statepool.Outcome{}, ctx.Err()
	case s.jobs <- j:
	}

	return <-j.done, nil
}

// Size returns the number of workers.
func (s *Set) Size() int {
	return len(s.owners)
}

// Busy returns the number of workers currently executing a request.
func (s *Set) Busy() int {
	return int(s.busy.Load())
}

// Served returns the number of completed requests.
func (s *Set) Served() uint64 {
	return s.served.Load()
}

// Close stops accepting requests and waits for running ones to finish.
func (s *Set) Close() error {
	s.once.Do(func() { close(s.quit) })
	err := s.group.Wait()

	log.Info().Str("event", "workers_stopped").Uint64("served", s.Served()).Msg("worker set stopped")

	return err
}
