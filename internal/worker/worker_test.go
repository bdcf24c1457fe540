package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	owners map[rwlock.Owner]int
	gate   chan struct{}
}

func (r *recorder) Execute(_ context.Context, req *statepool.Request) statepool.Outcome {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.owners[req.Owner]++
	r.mu.Unlock()

	return statepool.Outcome{Kind: statepool.Success, Key: req.Script}
}

func TestSubmitUsesWorkerOwners(t *testing.T) {
	t.Parallel()

	rec := &recorder{owners: map[rwlock.Owner]int{}}
	set, err := New(4, rec)
	require.NoError(t, err)
	assert.Equal(t, 4, set.Size())

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := set.Submit(context.Background(), &statepool.Request{Script: "/a.lua"})
			assert.NoError(t, err)
			assert.Equal(t, "/a.lua", out.Key)
		}()
	}
	wg.Wait()
	require.NoError(t, set.Close())

	assert.Equal(t, uint64(40), set.Served())
	assert.LessOrEqual(t, len(rec.owners), 4)

	total := 0
	for owner, n := range rec.owners {
		assert.NotZero(t, owner)
		assert.Contains(t, set.owners, owner)
		total += n
	}
	assert.Equal(t, 40, total)
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()

	set, err := New(1, &recorder{owners: map[rwlock.Owner]int{}})
	require.NoError(t, err)
	require.NoError(t, set.Close())
	require.NoError(t, set.Close())

	_, err = set.Submit(context.Background(), &statepool.Request{Script: "/a.lua"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmitCanceledWhileAllBusy(t *testing.T) {
	t.Parallel()

	rec := &recorder{owners: map[rwlock.Owner]int{}, gate: make(chan struct{})}
	set, err := New(1, rec)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := set.Submit(context.Background(), &statepool.Request{Script: "/slow.lua"})
		first <- err
	}()
	require.Eventually(t, func() bool { return set.Busy() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = set.Submit(ctx, &statepool.Request{Script: "/other.lua"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(rec.gate)
	assert.NoError(t, <-first)
	require.NoError(t, set.Close())
	assert.Equal(t, 0, set.Busy())
}

func TestNewRejectsEmptySet(t *testing.T) {
	t.Parallel()

	_, err := New(0, &recorder{})
	assert.Error(t, err)
}
