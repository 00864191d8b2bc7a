package commandqueue

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

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := q.Enqueue(context.Background(), "test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The lane keeps working afterwards.
	v, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := New()
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	results := make([]<-chan Result, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		results = append(results, q.Submit(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, nil))
	}
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_SessionLaneNeverOverlaps(t *testing.T) {
	q := New()
	defer q.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), SessionLane("main"), func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestQueue_LanesRunInParallel(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	task := func(name string) Task {
		return func(ctx context.Context) (interface{}, error) {
			started <- name
			<-release
			return nil, nil
		}
	}

	a := q.Submit(context.Background(), SessionLane("a"), task("a"), nil)
	b := q.Submit(context.Background(), SessionLane("b"), task("b"), nil)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not start in parallel")
		}
	}
	close(release)
	assert.NoError(t, (<-a).Err)
	assert.NoError(t, (<-b).Err)
}

func TestQueue_IdleSessionLaneIsReclaimed(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), SessionLane("tmp"), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := q.Stats()[SessionLane("tmp")]
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, q.Busy(SessionLane("tmp")))
}

func TestQueue_CanceledWhileQueuedIsSkipped(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	first := q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	second := q.Submit(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	}, nil)

	cancel()
	close(release)

	assert.NoError(t, (<-first).Err)
	assert.ErrorIs(t, (<-second).Err, context.Canceled)
	assert.False(t, ran)
}

func TestQueue_TaskSeesCallerCancel(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ch := q.Submit(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	<-started
	cancel()
	assert.ErrorIs(t, (<-ch).Err, context.Canceled)
}

func TestQueue_CloseRejectsAndCancels(t *testing.T) {
	q := New()

	started := make(chan struct{})
	running := q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	<-started
	queued := q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)

	require.NoError(t, q.Close())

	assert.ErrorIs(t, (<-running).Err, context.Canceled)
	assert.ErrorIs(t, (<-queued).Err, ErrQueueClosed)

	_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestQueue_WarnAfter(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	first := q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, nil)

	warned := make(chan int, 1)
	second := q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &TaskOptions{
		WarnAfter: 10 * time.Millisecond,
		OnWait: func(wait time.Duration, queuePos int) {
			warned <- queuePos
		},
	})

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	close(release)
	assert.NoError(t, (<-first).Err)
	assert.NoError(t, (<-second).Err)
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New()
	defer q.Close()
	assert.True(t, q.WaitForActive(0), "an empty queue is idle")

	q.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}, nil)

	assert.False(t, q.WaitForActive(5*time.Millisecond))
	assert.True(t, q.WaitForActive(time.Second))
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	first := q.Submit(context.Background(), SessionLane("main"), func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	<-started
	second := q.Submit(context.Background(), SessionLane("main"), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)

	assert.Equal(t, map[string]LaneStats{SessionLane("main"): {Queued: 1, Running: 1}}, q.Stats())
	assert.True(t, q.Busy(SessionLane("main")))
	assert.False(t, q.Busy(SessionLane("other")))

	close(release)
	assert.NoError(t, (<-first).Err)
	assert.NoError(t, (<-second).Err)
	assert.True(t, q.WaitForActive(time.Second))
	assert.Empty(t, q.Stats())
}

func TestLaneKind(t *testing.T) {
	assert.Equal(t, "session", laneKind(SessionLane("main")))
	assert.Equal(t, "session", laneKind(SessionLane("cron:job:run")))
	assert.Equal(t, "cron", laneKind("cron"))
}
