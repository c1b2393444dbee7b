package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fortknox/internal/fault"
	"fortknox/internal/metrics"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("fail_fast")
	require.NoError(t, err)
	assert.Equal(t, FailFast, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Wait, m)
	_, err = ParseMode("spin")
	assert.Error(t, err)
	assert.Equal(t, "fail_fast", FailFast.String())
}

func TestAcquireRelease(t *testing.T) {
	tb := New(time.Minute, Wait, nil)
	l, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, l.Waited)
	assert.True(t, tb.Held("k"))
	assert.Equal(t, "k", l.Key())

	l.Release()
	l.Release()
	assert.False(t, tb.Held("k"))
	assert.Zero(t, tb.Len())
}

func TestFailFast(t *testing.T) {
	tb := New(time.Minute, FailFast, nil)
	l, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer l.Release()

	_, err = tb.Acquire(context.Background(), "k")
	assert.Equal(t, fault.CompileInFlight, fault.KindOf(err))

	other, err := tb.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other.Release()
}

func TestWait_SerializesSameKey(t *testing.T) {
	m := metrics.New()
	tb := New(time.Minute, Wait, m)

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := tb.Acquire(context.Background(), "k")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen.Load())
	assert.Positive(t, m.Snapshot().Lease.Waits)
}

func TestWait_DifferentKeysIndependent(t *testing.T) {
	tb := New(time.Minute, Wait, nil)
	a, err := tb.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := tb.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Waited)
	b.Release()
}

func TestWait_WaiterCancelKeepsHolder(t *testing.T) {
	tb := New(time.Minute, Wait, nil)
	holder, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tb.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, tb.Held("k"))

	holder.Release()
	assert.False(t, tb.Held("k"))
}

func TestWait_WakesOnRelease(t *testing.T) {
	tb := New(time.Minute, Wait, nil)
	holder, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)

	got := make(chan *Lease)
	go func() {
		l, err := tb.Acquire(context.Background(), "k")
		assert.NoError(t, err)
		got <- l
	}()

	time.Sleep(10 * time.Millisecond)
	holder.Release()

	select {
	case l := <-got:
		assert.True(t, l.Waited)
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestExpiry(t *testing.T) {
	m := metrics.New()
	tb := New(20*time.Millisecond, Wait, m)
	stale, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fresh, err := tb.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, fresh.Waited)
	assert.EqualValues(t, 1, m.Snapshot().Lease.Expiries)

	// Releasing the expired lease must not end the new holder's lease.
	stale.Release()
	assert.True(t, tb.Held("k"))
	fresh.Release()
	assert.False(t, tb.Held("k"))
}

func TestDeadline_EndsBeforeExpiry(t *testing.T) {
	tb := New(time.Minute, Wait, nil)
	assert.Equal(t, time.Minute, tb.TTL())
	assert.Equal(t, 54*time.Second, tb.Deadline())
	assert.Less(t, DeadlineFor(time.Second), time.Second)
}
