package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
	}
}

func TestGroup_CoalescesConcurrentCalls(t *testing.T) {
	g := New[int](context.Background())

	var runs atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		runs.Add(1)
		<-release
		return 42, nil
	}

	const n = 10
	waiters := make([]*Waiter[int], n)
	var joinedCount int
	for i := range waiters {
		w, joined := g.Do("a", fn)
		if joined {
			joinedCount++
		}
		waiters[i] = w
	}
	assert.Equal(t, n-1, joinedCount)
	assert.Equal(t, n, g.Waiters("a"))
	close(release)

	for _, w := range waiters {
		v, err := w.Result()
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, g.InFlight())
}

func TestGroup_SharedError(t *testing.T) {
	g := New[string](context.Background())
	boom := errors.New("boom")
	gate := make(chan struct{})

	w1, _ := g.Do("k", func(ctx context.Context) (string, error) {
		<-gate
		return "", boom
	})
	w2, joined := g.Do("k", nil)
	require.True(t, joined)
	close(gate)

	_, err1 := w1.Result()
	_, err2 := w2.Result()
	assert.ErrorIs(t, err1, boom)
	assert.Same(t, err1, err2)
}

func TestGroup_ReleaseOneOfSeveralKeepsRunning(t *testing.T) {
	g := New[int](context.Background())
	gate := make(chan struct{})
	var sawCancel atomic.Bool

	w1, _ := g.Do("k", func(ctx context.Context) (int, error) {
		select {
		case <-gate:
			return 7, nil
		case <-ctx.Done():
			sawCancel.Store(true)
			return 0, ctx.Err()
		}
	})
	w2, _ := g.Do("k", nil)

	w1.Release()
	w1.Release()
	assert.Equal(t, 1, g.Waiters("k"))

	close(gate)
	v, err := w2.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.False(t, sawCancel.Load())
}

func TestGroup_LastReleaseCancels(t *testing.T) {
	g := New[int](context.Background())
	started := make(chan struct{})

	w1, _ := g.Do("k", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	w2, _ := g.Do("k", nil)
	<-started

	w1.Release()
	w2.Release()
	waitDone(t, w1.Done())

	_, err := w2.Result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroup_CancelAbortsForEveryone(t *testing.T) {
	g := New[int](context.Background())
	started := make(chan struct{})

	w1, _ := g.Do("k", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	w2, _ := g.Do("k", nil)
	<-started

	assert.True(t, g.Cancel("k"))
	waitDone(t, w2.Done())
	_, err1 := w1.Result()
	_, err2 := w2.Result()
	assert.ErrorIs(t, err1, context.Canceled)
	assert.ErrorIs(t, err2, context.Canceled)
	assert.False(t, g.Cancel("missing"))
}

func TestGroup_AbortedOperationIsNotJoined(t *testing.T) {
	g := New[int](context.Background())

	stop := make(chan struct{})
	started := make(chan struct{})
	var running atomic.Int32
	var overlap atomic.Bool

	old, _ := g.Do("k", func(ctx context.Context) (int, error) {
		running.Add(1)
		defer running.Add(-1)
		close(started)
		<-ctx.Done()
		// keeps running after the abort
		<-stop
		return 0, ctx.Err()
	})
	<-started
	old.Release()

	fresh, joined := g.Do("k", func(ctx context.Context) (int, error) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		return 1, nil
	})
	assert.False(t, joined)

	select {
	case <-fresh.Done():
		t.Fatal("new operation ran before the aborted one returned")
	case <-time.After(50 * time.Millisecond):
	}

	close(stop)
	v, err := fresh.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, overlap.Load())
}

func TestGroup_DistinctKeysRunInParallel(t *testing.T) {
	g := New[string](context.Background())

	var wg sync.WaitGroup
	barrier := make(chan struct{})
	var arrived atomic.Int32
	fn := func(key string) Func[string] {
		return func(ctx context.Context) (string, error) {
			if arrived.Add(1) == 3 {
				close(barrier)
			}
			select {
			case <-barrier:
				return key, nil
			case <-time.After(5 * time.Second):
				return "", errors.New("keys were serialized")
			}
		}
	}

	for _, k := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			w, _ := g.Do(k, fn(k))
			v, err := w.Result()
			assert.NoError(t, err)
			assert.Equal(t, k, v)
		}(k)
	}
	wg.Wait()
	g.Wait()
}

func TestGroup_BaseContextCancelled(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	g := New[int](base)
	cancel()

	w, _ := g.Do("k", func(ctx context.Context) (int, error) {
		return 1, ctx.Err()
	})
	_, err := w.Result()
	assert.ErrorIs(t, err, context.Canceled)
}
