package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drainAll[T any](ctx context.Context, q *CompletionQueue[T]) ([]T, int) {
	var items []T
	code := q.Drain(ctx, SinkFunc[T](func(item T) {
		items = append(items, item)
	}))
	return items, code
}

func TestDrainGracefulSingleProducer(t *testing.T) {
	q := Must[int](8, WithPopTimeout[int](5*time.Millisecond))

	p := q.AddProducer()
	for i := 0; i < 5; i++ {
		ok, err := p.Put(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	p.Done()

	items, code := drainAll(context.Background(), q)
	require.Equal(t, []int{0, 1, 2, 3, 4}, items)
	require.Equal(t, ExitGraceful, code)
	require.Equal(t, ExitGraceful, q.LastExitCode())
}

func TestDrainWaitsForEveryProducer(t *testing.T) {
	q := Must[int](8, WithPopTimeout[int](5*time.Millisecond))

	p1 := q.AddProducer()
	p2 := q.AddProducer()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = p1.Put(context.Background(), 1)
		p1.Done()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, _ = p2.Put(context.Background(), 2)
		p2.Done()
	}()

	items, code := drainAll(context.Background(), q)
	wg.Wait()

	require.ElementsMatch(t, []int{1, 2}, items)
	require.Equal(t, ExitGraceful, code)
}

func TestDrainWithoutProducersIsGraceful(t *testing.T) {
	q := Must[int](8,
		WithPopTimeout[int](5*time.Millisecond),
		WithStalenessWindow[int](10*time.Second))

	start := time.Now()
	items, code := drainAll(context.Background(), q)
	require.Empty(t, items)
	require.Equal(t, ExitGraceful, code)
	require.Less(t, time.Since(start), time.Second)
}

func TestDoneIsIdempotent(t *testing.T) {
	q := Must[int](8, WithPopTimeout[int](5*time.Millisecond))

	p := q.AddProducer()
	p.Done()
	p.Done()

	_, code := drainAll(context.Background(), q)
	require.Equal(t, ExitGraceful, code)
}

func TestDrainAbandonsStalledProducer(t *testing.T) {
	q := Must[int](8,
		WithPopTimeout[int](5*time.Millisecond),
		WithStalenessWindow[int](30*time.Millisecond))

	p := q.AddProducer()
	_, err := p.Put(context.Background(), 1)
	require.NoError(t, err)
	// producer never calls Done

	items, code := drainAll(context.Background(), q)
	require.Equal(t, []int{1}, items)
	require.Equal(t, ExitAbandoned, code)
	require.Equal(t, ExitAbandoned, q.LastExitCode())
}

func TestDrainAbandonsOnContextCancel(t *testing.T) {
	q := Must[int](8, WithPopTimeout[int](5*time.Millisecond))
	q.AddProducer()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, code := drainAll(ctx, q)
	require.Equal(t, ExitAbandoned, code)
}

func TestDeduplicationDropsRepeats(t *testing.T) {
	hash := func(s string) uint64 { return xxhash.Sum64String(s) }
	q := Must[string](8,
		WithPopTimeout[string](5*time.Millisecond),
		WithDeduplication[string](128, hash))

	p := q.AddProducer()
	ok, err := p.Put(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Put(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = p.Put(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, ok)
	p.Done()

	items, code := drainAll(context.Background(), q)
	require.Equal(t, []string{"a", "b"}, items)
	require.Equal(t, ExitGraceful, code)
}

func TestPutBlocksWhenFullUntilPopped(t *testing.T) {
	q := Must[int](1, WithPopTimeout[int](5*time.Millisecond))
	p := q.AddProducer()

	ok, err := p.Put(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Put(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	item, res := q.Pop(10 * time.Millisecond)
	require.Equal(t, PopItem, res)
	require.Equal(t, 1, item)
	require.EqualValues(t, 0, q.Pending())

	p.Done()
	_, code := drainAll(context.Background(), q)
	require.Equal(t, ExitGraceful, code)
}

func TestOnIdleFires(t *testing.T) {
	q := Must[int](8,
		WithPopTimeout[int](5*time.Millisecond),
		WithStalenessWindow[int](50*time.Millisecond))
	q.AddProducer()

	var idles int
	code := q.Drain(context.Background(), &countingSink{idles: &idles})
	require.Equal(t, ExitAbandoned, code)
	require.Greater(t, idles, 0)
}

type countingSink struct{ idles *int }

func (c *countingSink) OnItem(int) {}
func (c *countingSink) OnIdle()    { *c.idles++ }
