package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/store"
	"github.com/roach88/chainlog/internal/testutil"
)

var keyCounter struct {
	sync.Mutex
	n int
}

// commitEntries appends n transactions to s without publishing them.
func commitEntries(t *testing.T, s *store.Store, n int) []ir.CommittedTransaction {
	t.Helper()
	out := make([]ir.CommittedTransaction, 0, n)
	for i := 0; i < n; i++ {
		keyCounter.Lock()
		keyCounter.n++
		key := fmt.Sprintf("key-%d", keyCounter.n)
		keyCounter.Unlock()

		writes := []ir.RecordWrite{testutil.Write(key, "v", nil)}
		raw := testutil.MarshalMutation(t, writes...)
		tx, err := ir.NewTransaction(raw, testutil.Epoch, []byte{})
		require.NoError(t, err)
		e, err := s.Commit(context.Background(), writes, ir.MutationHash(raw), tx)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// next reads one entry with a timeout.
func next(t *testing.T, sub *Subscription) ir.CommittedTransaction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	require.NoError(t, err)
	return e
}

// goLive drives sub through replay until it is registered for live
// entries, then returns once Next times out waiting.
func goLive(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, sub.filled)
}

func assertNothingPending(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s, WithReplayBatch(2))
	commitEntries(t, s, 5)

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := int64(0); i < 5; i++ {
		assert.Equal(t, i, next(t, sub).Seq)
	}
	goLive(t, sub)

	for _, e := range commitEntries(t, s, 2) {
		h.Publish(e)
	}
	assert.Equal(t, int64(5), next(t, sub).Seq)
	assert.Equal(t, int64(6), next(t, sub).Seq)
	assert.Equal(t, int64(7), sub.Position())
	assertNothingPending(t, sub)
}

func TestSubscribe_MidStream(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)
	commitEntries(t, s, 5)

	sub, err := h.Subscribe(context.Background(), 3)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int64(3), next(t, sub).Seq)
	assert.Equal(t, int64(4), next(t, sub).Seq)
	goLive(t, sub)

	h.Publish(commitEntries(t, s, 1)[0])
	assert.Equal(t, int64(5), next(t, sub).Seq)
}

func TestSubscribe_FromHead(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)
	commitEntries(t, s, 3)

	sub, err := h.Subscribe(context.Background(), -1)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, int64(3), sub.Position())

	goLive(t, sub)
	h.Publish(commitEntries(t, s, 1)[0])
	assert.Equal(t, int64(3), next(t, sub).Seq)
}

func TestSubscribe_CommitsBeforeRegistrationAreNotLost(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()

	// Published while the subscriber is not yet live: only the store has them.
	for _, e := range commitEntries(t, s, 3) {
		h.Publish(e)
	}

	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, next(t, sub).Seq)
	}
	assertNothingPending(t, sub)
}

func TestSubscribe_OutOfOrderPublish(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()
	goLive(t, sub)

	entries := commitEntries(t, s, 3)
	h.Publish(entries[2])
	h.Publish(entries[0])
	h.Publish(entries[1])

	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, next(t, sub).Seq)
	}
	assertNothingPending(t, sub)
}

func TestSubscribe_LaggedSubscriber(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s, WithQueueSize(2))

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	goLive(t, sub)

	for _, e := range commitEntries(t, s, 3) {
		h.Publish(e)
	}
	assert.Equal(t, 0, h.Len(), "lagged subscriber is detached")

	assert.Equal(t, int64(0), next(t, sub).Seq)
	assert.Equal(t, int64(1), next(t, sub).Seq)
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrLagged)

	// Resubscribing from Position loses nothing.
	resumed, err := h.Subscribe(context.Background(), sub.Position())
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, int64(2), next(t, resumed).Seq)
}

func TestSubscription_Close(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)
	commitEntries(t, s, 2)

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())

	next(t, sub)
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Len())

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_Close(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)

	sub, err := h.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	goLive(t, sub)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()

	h.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Next not woken by Hub.Close")
	}

	_, err = h.Subscribe(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscription_All(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)
	commitEntries(t, s, 4)

	sub, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer sub.Close()

	var seqs []int64
	for e, err := range sub.All(context.Background()) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
		if len(seqs) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestHub_ConcurrentCommitsDeliveredInOrder(t *testing.T) {
	s := testutil.OpenStore(t)
	h := NewHub(s)
	e := engine.New(s, nil, engine.WithPublisher(h))
	ctx := context.Background()

	const n = 30
	fromStart, err := h.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer fromStart.Close()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := testutil.MarshalMutation(t, testutil.Write(fmt.Sprintf("c-%d", i), "v", nil))
			_, err := e.Commit(ctx, raw, nil)
			assert.NoError(t, err)
		}(i)

		if i == n/2 {
			// A subscriber attaching mid-stream.
			wg.Add(1)
			go func() {
				defer wg.Done()
				mid, err := h.Subscribe(ctx, 10)
				if !assert.NoError(t, err) {
					return
				}
				defer mid.Close()
				for want := int64(10); want < n; want++ {
					assert.Equal(t, want, next(t, mid).Seq)
				}
			}()
		}
	}

	for want := int64(0); want < n; want++ {
		assert.Equal(t, want, next(t, fromStart).Seq)
	}
	wg.Wait()

	entries, err := s.ReadRange(ctx, 0, n)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}
