// Package statepool keeps loaded script instances ready for reuse.
//
// Every resource key owns an ordered list of slots. A request claims a free
// slot with a compare-and-set on its busy flag while holding the pool lock in
// read mode. The lock is upgraded only to add a key or to grow a key's list;
// once the list is at its cap, requests fall back to ephemeral slots that are
// discarded after a single use. Before running, a reused slot is checked
// against the most recent revision known for its key and reloaded if stale.
package statepool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/monitor"
	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/script"
	"github.com/rs/zerolog/log"
)

type slot struct {
	busy atomic.Bool
	num  int
	inst script.Instance
	rev  monitor.Revision
}

// entry is the per-key record. slots and latest are guarded by the pool lock.
type entry struct {
	slots  []*slot
	latest monitor.Revision
}

// claim is a slot reserved for one request.
type claim struct {
	entry     *entry
	slot      *slot
	latest    monitor.Revision
	fresh     bool
	ephemeral bool
}

// Pool maps resource keys to slots.
type Pool struct {
	lock    *rwlock.Lock
	entries map[string]*entry
	closed  bool

	rt      script.Runtime
	tracker *monitor.Tracker
	opts    Options

	requests  atomic.Uint64
	reused    atomic.Uint64
	created   atomic.Uint64
	ephemeral atomic.Uint64
	reloads   atomic.Uint64
	notFound  atomic.Uint64
	failures  atomic.Uint64
}

// New returns an empty pool.
func New(rt script.Runtime, tr *monitor.Tracker, opts Options) (*Pool, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if rt == nil || tr == nil {
		return nil, fmt.Errorf("%w: runtime and tracker are required", ErrInvalidOptions)
	}

	return &Pool{
		lock:    rwlock.New(),
		entries: make(map[string]*entry),
		rt:      rt,
		tracker: tr,
		opts:    opts,
	}, nil
}

// Execute runs the script named by req once. Missing scripts, load errors,
// execution errors and panics raised by the script are all returned as an
// Outcome; only a broken lock protocol panics. Cancellation of ctx is not
// propagated: a request that reached the pool runs to completion.
func (p *Pool) Execute(ctx context.Context, req *Request) Outcome {
	ctx = context.WithoutCancel(ctx)
	p.requests.Add(1)
	start := time.Now()

	key := monitor.Simplify(req.Script)
	out := p.execute(ctx, req, key)

	switch out.Kind {
	case NotFound:
		p.notFound.Add(1)
	case Failure:
		p.failures.Add(1)
	}

	log.Debug().
		Str("event", "script_executed").
		Str("script", key).
		Uint64("worker", uint64(req.Owner)).
		Int("slot", out.Slot).
		Bool("ephemeral", out.Ephemeral).
		Str("outcome", out.Kind.String()).
		Dur("duration", time.Since(start)).
		Msg("script request finished")

	return out
}

func (p *Pool) execute(ctx context.Context, req *Request, key string) Outcome {
	if key == "" {
		return notFound(key)
	}

	c, out := p.acquire(ctx, req.Owner, key)
	if c == nil {
		return out
	}
	defer p.release(key, c)

	if !c.fresh {
		if out, ok := p.refresh(ctx, req.Owner, key, c); !ok {
			return out
		}
	}

	return p.run(ctx, req, key, c)
}

// acquire finds or creates a slot for key. It returns a nil claim together
// with the outcome to report when no slot could be provided.
func (p *Pool) acquire(ctx context.Context, o rwlock.Owner, key string) (*claim, Outcome) {
	p.lock.RLock(o)
	defer p.lock.Unlock(o)

	if p.closed {
		return nil, failure(key, ErrPoolClosed)
	}

	e := p.entries[key]
	if e == nil || len(e.slots) < p.opts.TargetSlots {
		p.lock.Upgrade(o)
		if p.closed {
			return nil, failure(key, ErrPoolClosed)
		}

		// Another worker may have filled the entry while we waited.
		e = p.entries[key]
		if e == nil {
			e = &entry{}
			p.entries[key] = e
		}
		if len(e.slots) < p.opts.TargetSlots {
			return p.fill(ctx, key, e)
		}
		p.lock.Downgrade(o)
	}

	if s := p.seek(e); s != nil {
		p.reused.Add(1)
		return &claim{entry: e, slot: s, latest: e.latest}, Outcome{}
	}

	p.lock.Upgrade(o)
	if p.closed {
		return nil, failure(key, ErrPoolClosed)
	}

	return p.grow(ctx, key, e)
}

// seek makes a bounded number of passes over the slots and claims the first
// free one.
func (p *Pool) seek(e *entry) *slot {
	for i := 0; i < p.opts.SeekRetries; i++ {
		if i > 0 {
			runtime.Gosched()
		}
		for _, s := range e.slots {
			if s.busy.CompareAndSwap(false, true) {
				return s
			}
		}
	}

	return nil
}

// fill loads key once and creates slots up to the target, claiming the last
// one. The write lock is held.
func (p *Pool) fill(ctx context.Context, key string, e *entry) (*claim, Outcome) {
	obs, err := p.observeFresh(key, e)
	if err != nil {
		return nil, failure(key, err)
	}
	if obs.Status == monitor.Deleted {
		return nil, notFound(key)
	}

	for len(e.slots) < p.opts.TargetSlots {
		s, err := p.newSlot(ctx, key, obs, len(e.slots)+1)
		if err != nil {
			return nil, failure(key, err)
		}
		e.slots = append(e.slots, s)
	}

	// At least one slot was created above, so the last one is unclaimed.
	last := e.slots[len(e.slots)-1]
	last.busy.Store(true)

	log.Debug().
		Str("event", "slots_filled").
		Str("script", key).
		Int("slots", len(e.slots)).
		Msg("script loaded into new slots")

	return &claim{entry: e, slot: last, latest: e.latest, fresh: true}, Outcome{}
}

// grow adds one slot below the cap or, at the cap, creates an ephemeral slot
// that is never published. The write lock is held.
func (p *Pool) grow(ctx context.Context, key string, e *entry) (*claim, Outcome) {
	obs, err := p.observeFresh(key, e)
	if err != nil {
		return nil, failure(key, err)
	}
	if obs.Status == monitor.Deleted {
		return nil, notFound(key)
	}

	if len(e.slots) < p.opts.MaxSlots {
		s, err := p.newSlot(ctx, key, obs, len(e.slots)+1)
		if err != nil {
			return nil, failure(key, err)
		}
		s.busy.Store(true)
		e.slots = append(e.slots, s)

		log.Debug().
			Str("event", "slot_added").
			Str("script", key).
			Int("slots", len(e.slots)).
			Msg("all slots busy, pool grown")

		return &claim{entry: e, slot: s, latest: e.latest, fresh: true}, Outcome{}
	}

	s, err := p.newSlot(ctx, key, obs, 0)
	if err != nil {
		return nil, failure(key, err)
	}
	s.busy.Store(true)
	p.ephemeral.Add(1)

	log.Debug().
		Str("event", "slot_ephemeral").
		Str("script", key).
		Int("max_slots", p.opts.MaxSlots).
		Msg("pool saturated, using ephemeral slot")

	return &claim{entry: e, slot: s, latest: e.latest, fresh: true, ephemeral: true}, Outcome{}
}

// observeFresh reads key unconditionally and records the revision as the
// latest for the entry. The write lock is held.
func (p *Pool) observeFresh(key string, e *entry) (monitor.Observation, error) {
	obs, err := p.tracker.Observe(key, monitor.Revision{}, true)
	if err != nil {
		return obs, err
	}
	if !e.latest.Observed() || !obs.Revision.Captured.Before(e.latest.Captured) {
		e.latest = obs.Revision
	}

	return obs, nil
}

func (p *Pool) newSlot(ctx context.Context, key string, obs monitor.Observation, num int) (*slot, error) {
	inst, err := p.load(ctx, key, obs.Content)
	if err != nil {
		log.Error().
			Err(err).
			Str("event", "script_load_failed").
			Str("script", key).
			Msg("failed to load script")
		return nil, err
	}
	p.created.Add(1)

	return &slot{num: num, inst: inst, rev: obs.Revision}, nil
}

func (p *Pool) load(ctx context.Context, key string, content []byte) (inst script.Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load %s: panic: %v", key, r)
		}
	}()

	return p.rt.Load(ctx, key, content)
}

// refresh brings a reused slot up to date. It reports false together with the
// outcome to return when the request cannot run.
func (p *Pool) refresh(ctx context.Context, o rwlock.Owner, key string, c *claim) (Outcome, bool) {
	obs, err := p.tracker.Observe(key, c.latest, false)
	if err != nil {
		return failure(key, err), false
	}
	if obs.Revision.Newer(c.latest) {
		p.publish(o, c.entry, obs.Revision)
	}

	current := obs.Revision
	if obs.Status == monitor.Deleted || current.Deleted() {
		return notFound(key), false
	}

	s := c.slot
	if s.rev.Equal(current) {
		return Outcome{}, true
	}

	content := obs.Content
	if obs.Status != monitor.Changed {
		// The slot lags behind a revision another request already saw.
		forced, err := p.tracker.Observe(key, s.rev, true)
		if err != nil {
			return failure(key, err), false
		}
		p.publish(o, c.entry, forced.Revision)

		switch forced.Status {
		case monitor.Deleted:
			return notFound(key), false
		case monitor.Unchanged:
			s.rev = forced.Revision
			return Outcome{}, true
		}
		content, current = forced.Content, forced.Revision
	}

	inst, err := p.load(ctx, key, content)
	if err != nil {
		// The previous instance stays in place; only this request fails.
		log.Error().
			Err(err).
			Str("event", "script_reload_failed").
			Str("script", key).
			Int("slot", s.num).
			Msg("failed to reload changed script")
		return failure(key, err), false
	}

	old := s.inst
	s.inst, s.rev = inst, current
	if err := old.Close(); err != nil {
		log.Warn().Err(err).Str("script", key).Msg("failed to close stale instance")
	}
	p.reloads.Add(1)

	log.Debug().
		Str("event", "slot_reloaded").
		Str("script", key).
		Int("slot", s.num).
		Msg("script changed, slot reloaded")

	return Outcome{}, true
}

// publish records rev as the latest revision of e if it is newer.
func (p *Pool) publish(o rwlock.Owner, e *entry, rev monitor.Revision) {
	p.lock.WLock(o)
	defer p.lock.Unlock(o)

	if rev.Newer(e.latest) {
		e.latest = rev
	}
}

func (p *Pool) run(ctx context.Context, req *Request, key string, c *claim) Outcome {
	resp := script.NewResponse(p.opts.DefaultStatus, p.opts.DefaultContentType)
	call := &script.Call{
		Key:        key,
		Dir:        monitor.Dir(key),
		Env:        req.Env,
		Body:       req.Body,
		Slot:       c.slot.num,
		Worker:     uint64(req.Owner),
		ServerInfo: func() map[string]int { return p.ServerInfo(req.Owner) },
		Response:   resp,
	}

	if err := p.invoke(ctx, c.slot.inst, call); err != nil {
		resp.Release()
		log.Error().
			Err(err).
			Str("event", "script_failed").
			Str("script", key).
			Int("slot", c.slot.num).
			Uint64("worker", uint64(req.Owner)).
			Msg("script execution failed")

		out := failure(key, err)
		out.Slot, out.Ephemeral = c.slot.num, c.ephemeral
		return out
	}

	return Outcome{
		Kind:      Success,
		Key:       key,
		Response:  resp,
		Slot:      c.slot.num,
		Ephemeral: c.ephemeral,
	}
}

// invoke converts script panics into errors. Lock invariant violations are
// re-raised.
func (p *Pool) invoke(ctx context.Context, inst script.Instance, call *script.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, rwlock.ErrInvariant) {
				panic(r)
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return inst.Invoke(ctx, p.opts.Entrypoint, call)
}

func (p *Pool) release(key string, c *claim) {
	if c.ephemeral {
		if err := c.slot.inst.Close(); err != nil {
			log.Warn().Err(err).Str("script", key).Msg("failed to close ephemeral instance")
		}
		return
	}
	c.slot.busy.Store(false)
}

// ServerInfo returns the number of persistent slots per key.
func (p *Pool) ServerInfo(o rwlock.Owner) map[string]int {
	p.lock.RLock(o)
	defer p.lock.Unlock(o)

	info := make(map[string]int, len(p.entries))
	for key, e := range p.entries {
		info[key] = len(e.slots)
	}

	return info
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Requests:  p.requests.Load(),
		Reused:    p.reused.Load(),
		Created:   p.created.Load(),
		Ephemeral: p.ephemeral.Load(),
		Reloads:   p.reloads.Load(),
		NotFound:  p.notFound.Load(),
		Failures:  p.failures.Load(),
	}
}

// Close closes every instance. It must only be called once no request is
// running; later requests fail with ErrPoolClosed.
func (p *Pool) Close(o rwlock.Owner) error {
	p.lock.WLock(o)
	defer p.lock.Unlock(o)

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for key, e := range p.entries {
		for _, s := range e.slots {
			if err := s.inst.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s slot %d: %w", key, s.num, err))
			}
		}
	}

	return errors.Join(errs...)
}
