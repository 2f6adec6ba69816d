package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"kbconsole/internal/feed"
	logx "kbconsole/pkg/logx"
)

var ErrAlreadyOpen = errors.New("source: watcher already open")

// State is the watcher lifecycle state.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a watcher, for health output.
type Stats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Snapshots uint64    `json:"snapshots"`
	LastSize  int       `json:"last_size"`
	LastAt    time.Time `json:"last_at,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

// Watcher owns one live subscription and its most recent raw snapshot.
//
// Every Open bumps a generation counter; callbacks captured by an older
// generation are dropped. Deliveries hold deliverMu for the duration of the
// user callback and Close acquires it before returning, so no callback runs
// after Close returns. Callbacks must not call Close on their own watcher.
type Watcher struct {
	name string
	src  Source
	log  logx.Logger

	deliverMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	stop      func()
	cancel    context.CancelFunc
	last      []feed.Record
	snapshots uint64
	lastAt    time.Time
	lastErr   error
}

func NewWatcher(name string, src Source, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{name: name, src: src, log: log.With(logx.String("source", name))}
}

func (w *Watcher) Name() string { return w.name }

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Last returns the most recent snapshot (nil before the first one).
func (w *Watcher) Last() []feed.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Stats{Name: w.name, State: w.state.String(), Snapshots: w.snapshots, LastSize: len(w.last), LastAt: w.lastAt}
	if w.lastErr != nil {
		st.LastErr = w.lastErr.Error()
	}
	return st
}

// Open starts the live query. A synchronous subscribe failure moves the
// watcher to Error, invokes onError and is also returned.
func (w *Watcher) Open(ctx context.Context, onSnapshot func([]feed.Record), onError func(error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.state == StateSubscribing || w.state == StateActive {
		w.mu.Unlock()
		return ErrAlreadyOpen
	}
	w.gen++
	g := w.gen
	w.state = StateSubscribing
	w.lastErr = nil
	cctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.log.Debug("watcher subscribing")

	if w.src == nil {
		err := errors.New("source: nil source")
		w.fail(g, err, onError)
		return err
	}

	stop, err := w.src.Subscribe(cctx,
		func(recs []feed.Record) { w.deliver(g, recs, onSnapshot) },
		func(err error) { w.fail(g, err, onError) },
	)
	if err != nil {
		w.fail(g, err, onError)
		return err
	}

	w.mu.Lock()
	if w.gen != g || w.state == StateError {
		// Closed or failed while subscribing.
		w.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil
	}
	w.stop = stop
	w.mu.Unlock()
	return nil
}

// Close cancels the subscription. It is idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.state == StateUnsubscribed {
		w.mu.Unlock()
		return
	}
	w.gen++
	w.state = StateUnsubscribed
	stop := w.stop
	cancel := w.cancel
	w.stop = nil
	w.cancel = nil
	w.mu.Unlock()

	// Wait out a delivery that already passed the generation check.
	w.deliverMu.Lock()
	w.deliverMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	w.log.Debug("watcher closed")
}

func (w *Watcher) deliver(g uint64, recs []feed.Record, onSnapshot func([]feed.Record)) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.gen != g || (w.state != StateSubscribing && w.state != StateActive) {
		w.mu.Unlock()
		w.log.Trace("stale snapshot dropped", logx.Int("records", len(recs)))
		return
	}
	snap := append([]feed.Record(nil), recs...)
	w.state = StateActive
	w.last = snap
	w.snapshots++
	w.lastAt = time.Now()
	w.mu.Unlock()

	if onSnapshot != nil {
		onSnapshot(snap)
	}
}

func (w *Watcher) fail(g uint64, err error, onError func(error)) {
	if err == nil {
		err = errors.New("source: unknown error")
	}
	w.deliverMu.Lock()

	w.mu.Lock()
	if w.gen != g || (w.state != StateSubscribing && w.state != StateActive) {
		w.mu.Unlock()
		w.deliverMu.Unlock()
		return
	}
	w.state = StateError
	w.lastErr = err
	stop := w.stop
	cancel := w.cancel
	w.stop = nil
	w.cancel = nil
	w.mu.Unlock()

	w.log.Warn("source failed; watcher stopped", logx.Err(err))
	if onError != nil {
		onError(err)
	}
	w.deliverMu.Unlock()

	if cancel != nil {
		cancel()
	}
	// fail usually runs on the backend's delivery goroutine; stopping from a
	// separate goroutine keeps backends free to wait for that goroutine.
	if stop != nil {
		go stop()
	}
}
