package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbconsole/internal/feed"
	"kbconsole/internal/source"
)

const wait = 2 * time.Second

type recorder struct {
	snaps chan []feed.Record
	errs  chan error
}

func newRecorder() *recorder {
	return &recorder{snaps: make(chan []feed.Record, 64), errs: make(chan error, 4)}
}

func (r *recorder) onChange(recs []feed.Record) { r.snaps <- recs }
func (r *recorder) onError(err error)           { r.errs <- err }

// next waits for a snapshot satisfying pred, skipping coalesced intermediates.
func (r *recorder) next(t *testing.T, pred func([]feed.Record) bool) []feed.Record {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s := <-r.snaps:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("no matching snapshot within %s", wait)
			return nil
		}
	}
}

func ids(recs []feed.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func hasLen(n int) func([]feed.Record) bool {
	return func(r []feed.Record) bool { return len(r) == n }
}

func TestWatchEmitsInitialAndUpdates(t *testing.T) {
	st := New()
	require.NoError(t, st.Put("payments", "p1", map[string]any{"status": "pending", "createdAt": float64(100)}))

	rec := newRecorder()
	stop, err := source.PendingPayments(st, "payments").Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, []string{"p1"}, ids(rec.next(t, hasLen(1))))

	require.NoError(t, st.Put("payments", "p2", map[string]any{"status": "pending", "createdAt": float64(200)}))
	assert.Equal(t, []string{"p2", "p1"}, ids(rec.next(t, hasLen(2))))

	// Leaving the predicate removes it from the full set.
	require.NoError(t, st.Put("payments", "p1", map[string]any{"status": "completed", "createdAt": float64(100)}))
	assert.Equal(t, []string{"p2"}, ids(rec.next(t, hasLen(1))))

	require.NoError(t, st.Delete("payments", "p2"))
	rec.next(t, hasLen(0))
}

func TestAuditLogNewestFirstCapped(t *testing.T) {
	st := New()
	for i, ts := range []float64{300, 100, 500, 200} {
		require.NoError(t, st.Put("audit_logs", string(rune('a'+i)), map[string]any{"timestamp": ts}))
	}
	rec := newRecorder()
	stop, err := source.AuditLog(st, "audit_logs", 3).Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, []string{"c", "a", "d"}, ids(rec.next(t, hasLen(3))))
}

func TestFailStopsWatch(t *testing.T) {
	st := New()
	rec := newRecorder()
	stop, err := source.PendingSupport(st, "support").Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	defer stop()
	rec.next(t, hasLen(0))

	boom := errors.New("permission denied")
	st.Fail("support", boom)
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(wait):
		t.Fatal("expected error")
	}

	require.NoError(t, st.Put("support", "s1", map[string]any{"status": "pending"}))
	select {
	case s := <-rec.snaps:
		t.Fatalf("unexpected snapshot after failure: %v", ids(s))
	case <-time.After(100 * time.Millisecond):
	}

	_, err = source.PendingSupport(st, "support").Subscribe(context.Background(), rec.onChange, rec.onError)
	assert.ErrorIs(t, err, boom)

	st.Recover("support")
	stop2, err := source.PendingSupport(st, "support").Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	stop2()
}

func TestStopHaltsDelivery(t *testing.T) {
	st := New()
	rec := newRecorder()
	stop, err := source.PendingPayments(st, "payments").Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	rec.next(t, hasLen(0))

	stop()
	stop()
	require.NoError(t, st.Put("payments", "p1", map[string]any{"status": "pending"}))
	select {
	case s := <-rec.snaps:
		t.Fatalf("unexpected snapshot after stop: %v", ids(s))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContextCancelStops(t *testing.T) {
	st := New()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := source.PendingPayments(st, "payments").Subscribe(ctx, rec.onChange, rec.onError)
	require.NoError(t, err)
	rec.next(t, hasLen(0))
	cancel()

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.col("payments").watches) == 0
	}, wait, 10*time.Millisecond)
}

func TestCloseFailsWatches(t *testing.T) {
	st := New()
	rec := newRecorder()
	_, err := source.PendingPayments(st, "payments").Subscribe(context.Background(), rec.onChange, rec.onError)
	require.NoError(t, err)
	rec.next(t, hasLen(0))

	require.NoError(t, st.Close())
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, source.ErrClosed)
	case <-time.After(wait):
		t.Fatal("expected close error")
	}
	assert.ErrorIs(t, st.Put("payments", "p1", nil), source.ErrClosed)
}

func TestPutValidation(t *testing.T) {
	assert.ErrorIs(t, New().Put("", "x", nil), ErrEmptyID)
	assert.ErrorIs(t, New().Put("c", " ", nil), ErrEmptyID)
}
