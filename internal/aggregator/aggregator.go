package aggregator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kbconsole/internal/eventbus"
	"kbconsole/internal/feed"
	"kbconsole/internal/metrics"
	"kbconsole/internal/readstate"
	rtsup "kbconsole/internal/runtime/supervisor"
	"kbconsole/internal/source"
	logx "kbconsole/pkg/logx"
)

const (
	DefaultLimit = 50
	inboxSize    = 16
)

var ErrNoInputs = errors.New("aggregator: no inputs")

// ReadState is the acknowledged-ID set consulted for audit notifications.
type ReadState interface {
	GetAll(ctx context.Context) readstate.IDSet
	Add(ctx context.Context, ids ...string)
}

// Input binds one category to its live source.
type Input struct {
	Category feed.Category
	Source   source.Source
}

type Options struct {
	ReadState ReadState
	Inputs    []Input
	Log       logx.Logger
	// Bus is optional.
	Bus eventbus.Bus
}

// SourceError is the payload of source.error bus events.
type SourceError struct {
	Category feed.Category `json:"category"`
	Err      string        `json:"error"`
}

// SourceStatus reports one category's watcher.
type SourceStatus struct {
	Category feed.Category `json:"category"`
	source.Stats
}

// Aggregator owns at most one live subscription at a time.
type Aggregator struct {
	rs     ReadState
	inputs []Input
	log    logx.Logger
	bus    eventbus.Bus

	// subMu serializes Subscribe so replacement is ordered.
	subMu sync.Mutex

	mu     sync.Mutex
	cur    *subscription
	latest feed.Update
}

func New(opts Options) (*Aggregator, error) {
	if len(opts.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	seen := map[feed.Category]bool{}
	for _, in := range opts.Inputs {
		if !in.Category.Valid() {
			return nil, fmt.Errorf("aggregator: invalid category %q", in.Category)
		}
		if seen[in.Category] {
			return nil, fmt.Errorf("aggregator: duplicate category %q", in.Category)
		}
		if in.Source == nil {
			return nil, fmt.Errorf("aggregator: nil source for %q", in.Category)
		}
		seen[in.Category] = true
	}
	if opts.ReadState == nil {
		opts.ReadState = readstate.New(nil, "", opts.Log)
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		rs:     opts.ReadState,
		inputs: append([]Input(nil), opts.Inputs...),
		log:    log.With(logx.String("comp", "aggregator")),
		bus:    opts.Bus,
	}, nil
}

// Subscribe opens every source and publishes a recomputed feed after each
// snapshot. onAlert runs after onUpdate whenever the unread count rose
// relative to the previous publish of this subscription. A second Subscribe
// replaces the first. The returned function is idempotent and safe to call
// from any goroutine, including from the callbacks.
func (a *Aggregator) Subscribe(limit int, onUpdate func(feed.Update), onAlert func()) (unsubscribe func()) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.mu.Lock()
	prev := a.cur
	a.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	sup := rtsup.New(context.Background(), rtsup.WithLogger(a.log))
	s := &subscription{
		id:       uuid.NewString(),
		agg:      a,
		limit:    limit,
		onUpdate: onUpdate,
		onAlert:  onAlert,
		sup:      sup,
		inbox:    make(chan message, inboxSize),
		raw:      make([][]feed.Record, len(a.inputs)),
		watchers: make([]*source.Watcher, len(a.inputs)),
	}
	s.log = a.log.With(logx.String("sub", s.id), logx.Int("limit", limit))
	for i, in := range a.inputs {
		s.watchers[i] = source.NewWatcher(string(in.Category), in.Source, a.log)
	}

	a.mu.Lock()
	a.cur = s
	a.mu.Unlock()

	sup.Go0("aggregator.loop", s.loop)
	for i := range s.watchers {
		idx := i
		_ = s.watchers[i].Open(sup.Context(),
			func(recs []feed.Record) { s.post(message{kind: msgSnapshot, idx: idx, recs: recs}) },
			func(err error) { s.post(message{kind: msgError, idx: idx, err: err}) },
		)
	}
	s.log.Info("feed subscribed", logx.Int("sources", len(s.watchers)))
	return s.close
}

// MarkAllRead acknowledges every audit record the current subscription knows
// about, then recomputes and publishes before returning. It returns only
// context errors. It must not be called from inside onUpdate or onAlert,
// which run on the loop that serves it.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	s := a.cur
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	done := make(chan struct{})
	select {
	case s.inbox <- message{kind: msgMarkRead, ctx: ctx, done: done}:
	case <-s.sup.Context().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.sup.Context().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recently published feed.
func (a *Aggregator) Latest() feed.Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// ReadIDs returns the acknowledged IDs, sorted.
func (a *Aggregator) ReadIDs(ctx context.Context) []string {
	return a.rs.GetAll(ctx).Sorted()
}

// Sources reports the watchers of the current subscription.
func (a *Aggregator) Sources() []SourceStatus {
	a.mu.Lock()
	s := a.cur
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	out := make([]SourceStatus, 0, len(s.watchers))
	for i, w := range s.watchers {
		out = append(out, SourceStatus{Category: a.inputs[i].Category, Stats: w.Stats()})
	}
	return out
}

// Close ends the current subscription, if any.
func (a *Aggregator) Close() {
	a.mu.Lock()
	s := a.cur
	a.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (a *Aggregator) publishEvent(typ string, data any) {
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

type msgKind int

const (
	msgSnapshot msgKind = iota
	msgError
	msgMarkRead
)

type message struct {
	kind msgKind
	idx  int
	recs []feed.Record
	err  error
	ctx  context.Context
	done chan struct{}
}

type subscription struct {
	id       string
	agg      *Aggregator
	log      logx.Logger
	limit    int
	onUpdate func(feed.Update)
	onAlert  func()

	sup      *rtsup.Supervisor
	inbox    chan message
	watchers []*source.Watcher
	closed   atomic.Bool
	once     sync.Once

	// Owned by the loop goroutine.
	raw        [][]feed.Record
	prevUnread int
}

// post blocks until the loop accepts m or the subscription closes.
func (s *subscription) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.sup.Context().Done():
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.sup.Cancel()
		for _, w := range s.watchers {
			w.Close()
		}
		s.agg.mu.Lock()
		if s.agg.cur == s {
			s.agg.cur = nil
		}
		s.agg.mu.Unlock()
		s.log.Info("feed unsubscribed")
	})
}

func (s *subscription) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			if s.closed.Load() {
				return
			}
			s.handle(m)
		}
	}
}

func (s *subscription) handle(m message) {
	switch m.kind {
	case msgSnapshot:
		cat := s.agg.inputs[m.idx].Category
		s.raw[m.idx] = m.recs
		metrics.SourceSnapshots.WithLabelValues(string(cat)).Inc()
		s.recompute(context.Background(), "snapshot:"+string(cat))
	case msgError:
		cat := s.agg.inputs[m.idx].Category
		s.log.Warn("source error; keeping last known items", logx.String("category", string(cat)), logx.Err(m.err))
		metrics.SourceErrors.WithLabelValues(string(cat)).Inc()
		s.agg.publishEvent(eventbus.TypeSourceError, SourceError{Category: cat, Err: m.err.Error()})
	case msgMarkRead:
		defer close(m.done)
		ids := s.knownAuditIDs()
		s.agg.rs.Add(m.ctx, ids...)
		s.agg.publishEvent(eventbus.TypeFeedReadAll, len(ids))
		s.log.Info("marked all read", logx.Int("ids", len(ids)))
		s.recompute(m.ctx, "read_all")
	}
}

func (s *subscription) knownAuditIDs() []string {
	var ids []string
	for i, in := range s.agg.inputs {
		if in.Category != feed.CategoryAudit {
			continue
		}
		for _, r := range s.raw[i] {
			if n := feed.Normalize(r, in.Category); n.ID != "" {
				ids = append(ids, n.ID)
			}
		}
	}
	return ids
}

func (s *subscription) recompute(ctx context.Context, trigger string) {
	started := time.Now()
	u := Build(s.agg.inputs, s.raw, s.agg.rs.GetAll(ctx), s.limit)
	metrics.RecordRecompute(trigger, time.Since(started))

	if s.closed.Load() {
		return
	}
	rose := u.Unread > s.prevUnread
	s.prevUnread = u.Unread

	// A replaced subscription may still be finishing a recompute.
	s.agg.mu.Lock()
	current := s.agg.cur == s
	if current {
		s.agg.latest = u
	}
	s.agg.mu.Unlock()
	if !current {
		return
	}
	metrics.SetFeed(len(u.Items), u.Unread)
	s.agg.publishEvent(eventbus.TypeFeedUpdated, u)
	s.log.Debug("feed published", logx.String("trigger", trigger), logx.Int("items", len(u.Items)), logx.Int("unread", u.Unread))

	s.call("onUpdate", func() {
		if s.onUpdate != nil {
			s.onUpdate(u)
		}
	})
	if rose && !s.closed.Load() {
		s.call("onAlert", func() {
			if s.onAlert != nil {
				s.onAlert()
			}
		})
	}
}

func (s *subscription) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked", logx.String("callback", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// Build merges per-input raw snapshots into one feed. raw[i] belongs to
// inputs[i]; a nil entry contributes nothing. Audit items are read when their
// ID is in readIDs; payment and support items are read once no longer pending.
// Items are deduplicated per (category, id), sorted newest first with input
// order preserved on ties, and truncated to limit.
func Build(inputs []Input, raw [][]feed.Record, readIDs readstate.IDSet, limit int) feed.Update {
	var items []feed.Notification
	seen := map[feed.Key]struct{}{}
	for i, in := range inputs {
		if i >= len(raw) {
			break
		}
		for _, r := range raw[i] {
			n := feed.Normalize(r, in.Category)
			if _, dup := seen[n.Key()]; dup {
				continue
			}
			seen[n.Key()] = struct{}{}
			n.Read = resolveRead(n, readIDs)
			items = append(items, n)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	if items == nil {
		items = []feed.Notification{}
	}
	return feed.Update{Items: items, Unread: unread, At: time.Now()}
}

func resolveRead(n feed.Notification, readIDs readstate.IDSet) bool {
	if n.Category == feed.CategoryAudit {
		return readIDs.Has(n.ID)
	}
	return n.Status() != feed.StatusPending
}
