package alert

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kbconsole/internal/eventbus"
	"kbconsole/internal/metrics"
	rtsup "kbconsole/internal/runtime/supervisor"
	logx "kbconsole/pkg/logx"
)

const (
	defaultQueueSize = 4
	defaultTimeout   = 5 * time.Second
)

// Trigger turns alert signals into sink calls on its own worker, so a slow or
// failing side effect never reaches the caller.
//
// It is safe for concurrent use.
type Trigger struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	enabled bool
	timeout time.Duration
	sinks   []Sink
	sup     *rtsup.Supervisor

	queue     chan Event
	coalesced atomic.Int64
}

// NewTrigger builds a trigger with the given sinks. The queue size is fixed
// at construction; later Apply calls only change sinks and timeout.
func NewTrigger(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	t := &Trigger{
		log:   log.With(logx.String("comp", "alert")),
		bus:   bus,
		queue: make(chan Event, qs),
	}
	t.set(cfg, sinks)
	return t
}

func (t *Trigger) set(cfg Config, sinks []Sink) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	t.mu.Lock()
	t.enabled = cfg.Enabled
	t.timeout = timeout
	t.sinks = append([]Sink(nil), sinks...)
	t.mu.Unlock()
}

// Apply rebuilds the sinks from cfg. On error the previous sinks stay active.
func (t *Trigger) Apply(cfg Config) error {
	sinks, err := BuildSinks(cfg, t.log)
	if err != nil {
		return err
	}
	t.set(cfg, sinks)
	t.log.Info("alert sinks applied", logx.Strings("sinks", sinkNames(sinks)), logx.Bool("enabled", cfg.Enabled))
	return nil
}

// Sinks returns the names of the active sinks.
func (t *Trigger) Sinks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sinkNames(t.sinks)
}

// Start runs the worker. It is a no-op when already started.
func (t *Trigger) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sup != nil {
		return
	}
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log))
	t.sup.GoRestart("alert.worker", t.work)
}

// Stop cancels the worker and waits for it until ctx expires. Queued alerts
// that were not delivered yet are dropped.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	sup := t.sup
	t.sup = nil
	t.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Fire queues one alert without blocking. When the queue is full the alert is
// merged into the next delivered event.
func (t *Trigger) Fire(unread int) {
	t.mu.Lock()
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		return
	}
	e := Event{ID: uuid.NewString(), At: time.Now(), Unread: unread}
	select {
	case t.queue <- e:
		metrics.AlertsFired.Inc()
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFired, Time: e.At, Data: e})
		}
	default:
		t.coalesced.Add(1)
		metrics.AlertsCoalesced.Inc()
		t.log.Debug("alert coalesced", logx.Int("unread", unread))
	}
}

func (t *Trigger) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-t.queue:
			e.Coalesced = int(t.coalesced.Swap(0))
			t.dispatch(ctx, e)
		}
	}
}

func (t *Trigger) dispatch(ctx context.Context, e Event) {
	t.mu.Lock()
	sinks := t.sinks
	timeout := t.timeout
	t.mu.Unlock()

	for _, s := range sinks {
		err := t.call(ctx, s, e, timeout)
		switch {
		case err == nil:
			metrics.RecordAlert(s.Name(), nil)
		case errors.Is(err, ErrThrottled):
			t.log.Debug("alert sink throttled", logx.String("sink", s.Name()))
		default:
			metrics.RecordAlert(s.Name(), err)
			t.log.Warn("alert sink failed", logx.String("sink", s.Name()), logx.String("event", e.ID), logx.Err(err))
			if t.bus != nil {
				t.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFailed, Data: Failure{Sink: s.Name(), EventID: e.ID, Error: err.Error()}})
			}
		}
	}
}

func (t *Trigger) call(ctx context.Context, s Sink, e Event, timeout time.Duration) (err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("alert sink panicked", logx.String("sink", s.Name()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Alert(cctx, e)
}

func sinkNames(sinks []Sink) []string {
	out := make([]string, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, s.Name())
	}
	return out
}
