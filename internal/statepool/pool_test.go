package statepool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/monitor"
	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/script"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime interprets content literally: "syntax error" fails to load,
// "fail" and "panic" fail at run time, "block" waits for the gate, "info"
// reports the slot count of its own key and anything else is echoed. Like the
// real runtimes it refuses to work under a cancelled context.
type fakeRuntime struct {
	loads    atomic.Int64
	closes   atomic.Int64
	overlaps atomic.Int64
	started  chan struct{}
	gate     chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		started: make(chan struct{}, 64),
		gate:    make(chan struct{}),
	}
}

func (r *fakeRuntime) Load(ctx context.Context, key string, content []byte) (script.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := string(content)
	if strings.HasPrefix(src, "syntax error") {
		return nil, fmt.Errorf("%s: syntax error near line 1", key)
	}
	r.loads.Add(1)

	return &fakeInstance{rt: r, src: src}, nil
}

type fakeInstance struct {
	rt     *fakeRuntime
	src    string
	inUse  atomic.Bool
	closed atomic.Bool
}

func (i *fakeInstance) Invoke(ctx context.Context, _ string, call *script.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !i.inUse.CompareAndSwap(false, true) {
		i.rt.overlaps.Add(1)
	}
	defer i.inUse.Store(false)

	switch i.src {
	case "fail":
		return errors.New("boom")
	case "panic":
		panic("kaboom")
	case "block":
		i.rt.started <- struct{}{}
		<-i.rt.gate
	case "info":
		call.Response.Send(fmt.Sprint(call.ServerInfo()[call.Key]))
		return nil
	}
	call.Response.Send(i.src)

	return nil
}

func (i *fakeInstance) Close() error {
	if i.closed.CompareAndSwap(false, true) {
		i.rt.closes.Add(1)
	}

	return nil
}

type clock struct{ ns atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ns.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *clock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type fixture struct {
	pool  *Pool
	rt    *fakeRuntime
	fs    afero.Fs
	clock *clock
	owner rwlock.Owner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		rt:    newFakeRuntime(),
		fs:    afero.NewMemMapFs(),
		clock: newClock(),
		owner: rwlock.NewOwner(),
	}
	tr := monitor.NewTracker(f.fs, monitor.Options{
		Root:        "/www",
		MinInterval: time.Second,
		Digest:      monitor.DigestXXHash,
		Now:         f.clock.Now,
	})

	p, err := New(f.rt, tr, opts)
	require.NoError(t, err)
	f.pool = p

	return f
}

func (f *fixture) write(t *testing.T, key, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, "/www"+key, []byte(content), 0o644))
}

func (f *fixture) exec(key string) Outcome {
	return f.pool.Execute(context.Background(), &Request{Owner: f.owner, Script: key})
}

func body(t *testing.T, out Outcome) string {
	t.Helper()
	require.Equal(t, Success, out.Kind, out.Message)
	require.NotNil(t, out.Response)
	defer out.Response.Release()

	return string(out.Response.Body())
}

func TestExecuteFillsNewKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/index.lua", "hello")

	out := f.exec("index.lua")
	assert.Equal(t, "hello", body(t, out))
	assert.Equal(t, "/index.lua", out.Key)
	assert.Equal(t, 3, out.Slot, "the last created slot is claimed")
	assert.False(t, out.Ephemeral)
	assert.Equal(t, map[string]int{"/index.lua": 3}, f.pool.ServerInfo(f.owner))

	out = f.exec("/./index.lua")
	assert.Equal(t, "hello", body(t, out))
	assert.Equal(t, 1, out.Slot, "the first free slot is reused")

	st := f.pool.Stats()
	assert.Equal(t, uint64(2), st.Requests)
	assert.Equal(t, uint64(3), st.Created)
	assert.Equal(t, uint64(1), st.Reused)
	assert.Equal(t, int64(3), f.rt.loads.Load())
}

func TestExecuteIgnoresCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/index.lua", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.pool.Execute(ctx, &Request{Owner: f.owner, Script: "/index.lua"})
	assert.Equal(t, "hello", body(t, out))
	assert.Equal(t, map[string]int{"/index.lua": 3}, f.pool.ServerInfo(f.owner))

	f.write(t, "/index.lua", "changed")
	f.clock.Advance(2 * time.Second)
	out = f.pool.Execute(ctx, &Request{Owner: f.owner, Script: "/index.lua"})
	assert.Equal(t, "changed", body(t, out))
}

func TestExecuteReloadsChangedScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/app.lua", "v1")
	assert.Equal(t, "v1", body(t, f.exec("/app.lua")))

	f.write(t, "/app.lua", "v2")
	assert.Equal(t, "v1", body(t, f.exec("/app.lua")), "change hidden by the throttle")

	f.clock.Advance(2 * time.Second)
	out := f.exec("/app.lua")
	assert.Equal(t, "v2", body(t, out))
	assert.Equal(t, uint64(1), f.pool.Stats().Reloads)

	// Slot 2 still holds v1 and catches up with the published revision
	// without waiting for the throttle.
	f.pool.entries["/app.lua"].slots[0].busy.Store(true)
	out = f.exec("/app.lua")
	assert.Equal(t, 2, out.Slot)
	assert.Equal(t, "v2", body(t, out))
	assert.Equal(t, uint64(2), f.pool.Stats().Reloads)
	assert.Equal(t, 3, f.pool.ServerInfo(f.owner)["/app.lua"])
}

func TestExecuteDeletedScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/gone.lua", "here")
	assert.Equal(t, "here", body(t, f.exec("/gone.lua")))

	require.NoError(t, f.fs.Remove("/www/gone.lua"))
	f.clock.Advance(2 * time.Second)

	out := f.exec("/gone.lua")
	assert.Equal(t, NotFound, out.Kind)
	assert.Nil(t, out.Response)

	out = f.exec("/gone.lua")
	assert.Equal(t, NotFound, out.Kind, "deletion is remembered")
	assert.Equal(t, uint64(2), f.pool.Stats().NotFound)

	f.write(t, "/gone.lua", "back")
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, "back", body(t, f.exec("/gone.lua")))
}

func TestExecuteMissingScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())

	for _, key := range []string{"", "/", "..", "/missing.lua", "/dir"} {
		out := f.exec(key)
		assert.Equal(t, NotFound, out.Kind, key)
	}
	require.NoError(t, f.fs.MkdirAll("/www/dir", 0o755))
	assert.Equal(t, NotFound, f.exec("/dir").Kind)
	assert.Zero(t, f.rt.loads.Load())
}

func TestExecuteSaturatedUsesEphemeralSlot(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.TargetSlots, opts.MaxSlots = 1, 2
	f := newFixture(t, opts)
	f.write(t, "/slow.lua", "block")

	outs := make(chan Outcome, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs <- f.pool.Execute(context.Background(), &Request{
				Owner:  rwlock.NewOwner(),
				Script: "/slow.lua",
			})
		}()
		// Start the requests one at a time so the slot order is fixed.
		select {
		case <-f.rt.started:
		case <-time.After(5 * time.Second):
			t.Fatal("request did not start")
		}
	}
	close(f.rt.gate)
	wg.Wait()
	close(outs)

	slots := map[int]bool{}
	ephemeral := 0
	for out := range outs {
		require.Equal(t, Success, out.Kind, out.Message)
		out.Response.Release()
		slots[out.Slot] = true
		if out.Ephemeral {
			ephemeral++
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, slots)
	assert.Equal(t, 1, ephemeral)
	assert.Equal(t, 2, f.pool.ServerInfo(f.owner)["/slow.lua"])
	assert.Equal(t, int64(1), f.rt.closes.Load(), "ephemeral instance is closed")
	assert.Equal(t, uint64(1), f.pool.Stats().Ephemeral)
}

func TestExecuteLoadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/broken.lua", "syntax error here")

	out := f.exec("/broken.lua")
	assert.Equal(t, Failure, out.Kind)
	assert.Contains(t, out.Message, "syntax error")
	assert.Equal(t, map[string]int{"/broken.lua": 0}, f.pool.ServerInfo(f.owner))

	f.write(t, "/broken.lua", "fixed")
	assert.Equal(t, "fixed", body(t, f.exec("/broken.lua")))
	assert.Equal(t, 3, f.pool.ServerInfo(f.owner)["/broken.lua"])
}

func TestExecuteBadEditKeepsLoadedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/page.lua", "good")
	assert.Equal(t, "good", body(t, f.exec("/page.lua")))

	f.write(t, "/page.lua", "syntax error")
	f.clock.Advance(2 * time.Second)
	out := f.exec("/page.lua")
	assert.Equal(t, Failure, out.Kind)
	assert.Contains(t, out.Message, "syntax error")

	f.write(t, "/page.lua", "good")
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, "good", body(t, f.exec("/page.lua")))
	assert.Equal(t, uint64(0), f.pool.Stats().Reloads)
	assert.Equal(t, 3, f.pool.ServerInfo(f.owner)["/page.lua"])
}

func TestExecuteScriptErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		message string
	}{
		{name: "error", content: "fail", message: "boom"},
		{name: "panic", content: "panic", message: "kaboom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, DefaultOptions())
			f.write(t, "/err.lua", tt.content)

			out := f.exec("/err.lua")
			assert.Equal(t, Failure, out.Kind)
			assert.Contains(t, out.Message, tt.message)
			assert.Nil(t, out.Response)

			out = f.exec("/err.lua")
			assert.Equal(t, Failure, out.Kind)
			assert.Equal(t, 1, out.Slot, "failed slot is released and reused")
			assert.Equal(t, 3, f.pool.ServerInfo(f.owner)["/err.lua"])
			assert.Equal(t, uint64(2), f.pool.Stats().Failures)
		})
	}
}

func TestExecuteServerInfoFromScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/info.lua", "info")

	assert.Equal(t, "3", body(t, f.exec("/info.lua")))
}

func TestExecuteConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.TargetSlots, opts.MaxSlots = 2, 4
	f := newFixture(t, opts)
	keys := []string{"/a.lua", "/b.lua", "/c/d.lua"}
	for _, key := range keys {
		f.write(t, key, "ok"+key)
	}

	var wg sync.WaitGroup
	var failed atomic.Int64
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			owner := rwlock.NewOwner()
			for i := 0; i < 100; i++ {
				key := keys[(w+i)%len(keys)]
				out := f.pool.Execute(context.Background(), &Request{Owner: owner, Script: key})
				if out.Kind != Success || string(out.Response.Body()) != "ok"+key {
					failed.Add(1)
				}
				if out.Response != nil {
					out.Response.Release()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Zero(t, f.rt.overlaps.Load(), "an instance ran two requests at once")
	for key, n := range f.pool.ServerInfo(f.owner) {
		assert.GreaterOrEqual(t, n, opts.TargetSlots, key)
		assert.LessOrEqual(t, n, opts.MaxSlots, key)
	}
	assert.Equal(t, rwlock.Released, f.pool.lock.Mode())
	assert.Equal(t, uint64(1600), f.pool.Stats().Requests)
}

func TestClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultOptions())
	f.write(t, "/x.lua", "x")
	f.write(t, "/y.lua", "y")
	body(t, f.exec("/x.lua"))
	body(t, f.exec("/y.lua"))

	require.NoError(t, f.pool.Close(f.owner))
	assert.Equal(t, int64(6), f.rt.closes.Load())
	require.NoError(t, f.pool.Close(f.owner))

	out := f.exec("/x.lua")
	assert.Equal(t, Failure, out.Kind)
	assert.Contains(t, out.Message, ErrPoolClosed.Error())
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	tr := monitor.NewTracker(afero.NewMemMapFs(), monitor.Options{})
	rt := newFakeRuntime()

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{name: "no target", modify: func(o *Options) { o.TargetSlots = 0 }},
		{name: "max below target", modify: func(o *Options) { o.MaxSlots = 2 }},
		{name: "no retries", modify: func(o *Options) { o.SeekRetries = 0 }},
		{name: "no entrypoint", modify: func(o *Options) { o.Entrypoint = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := DefaultOptions()
			tt.modify(&opts)
			_, err := New(rt, tr, opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	_, err := New(nil, tr, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(rt, tr, DefaultOptions())
	assert.NoError(t, err)
}
