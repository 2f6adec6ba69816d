package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kbconsole/internal/aggregator"
	"kbconsole/internal/alert"
	"kbconsole/internal/config"
	"kbconsole/internal/eventbus"
	"kbconsole/internal/feed"
	"kbconsole/internal/feedapi"
	"kbconsole/internal/maintenance"
	"kbconsole/internal/observability/pprof"
	"kbconsole/internal/readstate"
	"kbconsole/internal/runtime/supervisor"
	"kbconsole/internal/source"
	"kbconsole/internal/source/memstore"
	"kbconsole/internal/source/natskv"
	"kbconsole/internal/storage"
	logx "kbconsole/pkg/logx"
)

// Backend is the live document store the sources query. Dev ingest writes
// through the same value.
type Backend interface {
	source.Backend
	feedapi.DevStore
	Close() error
}

// memBackend gives the in-memory store the context-aware write surface.
type memBackend struct{ *memstore.Store }

func (m memBackend) Put(_ context.Context, collection, id string, doc map[string]any) error {
	return m.Store.Put(collection, id, doc)
}

func (m memBackend) Delete(_ context.Context, collection, id string) error {
	return m.Store.Delete(collection, id)
}

type App struct {
	cfgm    *config.Manager
	sup     *supervisor.Supervisor
	version string

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	rs      *readstate.Store
	backend Backend
	agg     *aggregator.Aggregator
	trig    *alert.Trigger
	api     *feedapi.Server
	maint   *maintenance.Service
	debug   *pprof.Service

	httpSrv  *http.Server
	httpAddr string
	timeouts httpTimeouts

	subMu       sync.Mutex
	unsubscribe func()
	limit       int
	unread      atomic.Int64
}

type Option func(*App)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// WithBackend replaces the configured source backend. The app closes it on Stop.
func WithBackend(b Backend) Option { return func(a *App) { a.backend = b } }

// NewApp loads the config file and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	bootLog := logx.NewConsole("info").With(logx.String("comp", "boot"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, opts...)
}

func newApp(cfgm *config.Manager, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfgm: cfgm, version: "dev", limit: cfg.Feed.Limit}
	for _, o := range opts {
		o(a)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(a.log)
	a.bus = eventbus.New()

	var cleanup []func() error
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
		_ = a.logs.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.store, err = storage.Open(sc, a.log)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	cleanup = append(cleanup, a.store.Close)
	a.rs = readstate.New(a.store, cfg.ReadState.Key, a.log)

	if a.backend == nil {
		a.backend, err = openBackend(cfg, a.log)
		if err != nil {
			return fail(err)
		}
	}
	cleanup = append(cleanup, a.backend.Close)

	a.agg, err = aggregator.New(aggregator.Options{
		ReadState: a.rs,
		Inputs: []aggregator.Input{
			{Category: feed.CategoryAudit, Source: source.AuditLog(a.backend, cfg.Sources.AuditCollection, cfg.Feed.AuditLimit)},
			{Category: feed.CategoryPayment, Source: source.PendingPayments(a.backend, cfg.Sources.PaymentCollection)},
			{Category: feed.CategorySupport, Source: source.PendingSupport(a.backend, cfg.Sources.SupportCollection)},
		},
		Log: a.log,
		Bus: a.bus,
	})
	if err != nil {
		return fail(err)
	}

	acfg, err := mapAlertConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sinks, err := alert.BuildSinks(acfg, a.log)
	if err != nil {
		return fail(fmt.Errorf("alert sinks: %w", err))
	}
	a.trig = alert.NewTrigger(acfg, sinks, a.log, a.bus)

	var dev feedapi.DevStore
	if cfg.HTTP.DevIngest {
		dev = a.backend
		a.log.Warn("dev ingest endpoints enabled")
	}
	a.api = feedapi.New(feedapi.Options{
		Feed:            a.agg,
		Bus:             a.bus,
		Dev:             dev,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		RateLimitPerMin: cfg.HTTP.RateLimitPerMin,
		Version:         a.version,
		Log:             a.log,
	})
	if cfg.HTTP.Enabled {
		a.httpAddr = cfg.HTTP.Addr
		if a.timeouts, err = mapHTTPTimeouts(cfg); err != nil {
			return fail(err)
		}
	}

	a.maint = maintenance.New(maintenance.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Timezone: cfg.Maintenance.Timezone,
	}, a.log)
	if cfg.Maintenance.Enabled {
		if err := a.maint.Add(maintenance.StorageJob(cfg.Maintenance.Schedule, a.store)); err != nil {
			return fail(err)
		}
		if err := a.maint.Add(maintenance.StatusJob(cfg.Maintenance.StatusSchedule, a.agg, a.log)); err != nil {
			return fail(err)
		}
	}
	a.debug = pprof.New(mapDebugConfig(cfg), a, a.log)
	return a, nil
}

func openBackend(cfg *config.Config, log logx.Logger) (Backend, error) {
	switch cfg.Sources.Driver {
	case "", "memory":
		return memBackend{memstore.New()}, nil
	case "nats":
		nc, err := mapNATSConfig(cfg)
		if err != nil {
			return nil, err
		}
		b, err := natskv.Connect(nc, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown sources.driver: %s", cfg.Sources.Driver)
	}
}

// Feed exposes the aggregator for callers embedding the daemon.
func (a *App) Feed() *aggregator.Aggregator { return a.agg }

// Backend returns the source backend, e.g. to seed documents.
func (a *App) Backend() Backend { return a.backend }

// Handler is the HTTP API, usable without the listener.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Addr is the bound HTTP address once started, or "".
func (a *App) Addr() string {
	if a.httpSrv == nil {
		return ""
	}
	return a.httpAddr
}

// Snapshot lists the app's supervised goroutines.
func (a *App) Snapshot() []supervisor.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNATSConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPTimeouts(cfg); err != nil {
			return err
		}
		acfg, err := mapAlertConfig(cfg)
		if err != nil {
			return err
		}
		_, err = alert.BuildSinks(acfg, logx.Nop())
		return err
	})

	if a.httpAddr != "" {
		ln, err := net.Listen("tcp", a.httpAddr)
		if err != nil {
			a.sup.Cancel()
			return fmt.Errorf("http listen %s: %w", a.httpAddr, err)
		}
		a.httpAddr = ln.Addr().String()
		a.httpSrv = &http.Server{
			Handler:           a.api.Handler(),
			ReadHeaderTimeout: a.timeouts.read,
			ReadTimeout:       a.timeouts.read,
			WriteTimeout:      a.timeouts.write,
		}
		a.sup.Go("http.server", func(context.Context) error {
			if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		a.log.Info("http listening", logx.String("addr", a.httpAddr))
	}

	// pprof is optional; a bad bind never stops the daemon.
	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.trig.Start(a.sup.Context())
	a.sup.Go("feedapi.hub", a.api.Run)
	a.subscribe(a.limit)
	a.maint.Start(a.sup.Context())

	// Keep this debug-level; feed updates can be frequent.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	// The baseline is taken here, not in the goroutine, so a reload committed
	// before it is scheduled still shows up as a change.
	lastApplied := a.cfgm.Get()
	updates, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, next)
				lastApplied = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("version", a.version), logx.Strings("alert_sinks", a.trig.Sinks()))
	return nil
}

// subscribe (re)opens the feed. The alert carries the unread count of the
// update that raised it.
func (a *App) subscribe(limit int) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.limit = limit
	a.unsubscribe = a.agg.Subscribe(limit,
		func(u feed.Update) { a.unread.Store(int64(u.Unread)) },
		func() { a.trig.Fire(int(a.unread.Load())) },
	)
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	// logging first so the rest of the reload logs at the new level
	a.logs.Apply(mapLoggingConfig(next))

	if acfg, err := mapAlertConfig(next); err != nil {
		a.log.Warn("invalid alert config; keeping previous", logx.Err(err))
	} else if err := a.trig.Apply(acfg); err != nil {
		a.log.Warn("alert sinks rejected; keeping previous", logx.Err(err))
	}

	if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	if prev == nil || next.Feed.Limit != prev.Feed.Limit {
		a.log.Info("feed limit changed; resubscribing", logx.Int("limit", next.Feed.Limit))
		a.subscribe(next.Feed.Limit)
	}

	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// HTTP first so no request races the teardown below.
	step("http", a.timeouts.shutdown, func(c context.Context) error {
		if a.httpSrv == nil {
			return nil
		}
		return a.httpSrv.Shutdown(c)
	})
	step("feed", time.Second, func(context.Context) error {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if a.unsubscribe != nil {
			a.unsubscribe()
			a.unsubscribe = nil
		}
		a.agg.Close()
		return nil
	})

	a.sup.Cancel()

	step("maintenance", 2*time.Second, a.maint.Stop)
	step("pprof", time.Second, a.debug.Stop)
	step("alert", 2*time.Second, a.trig.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("sources", time.Second, func(context.Context) error { return a.backend.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// OpenReadState opens only the read-state store described by cfg, for
// offline inspection. The returned func closes the underlying storage.
func OpenReadState(cfg *config.Config, log logx.Logger) (*readstate.Store, func() error, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	kv, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return readstate.New(kv, cfg.ReadState.Key, log), kv.Close, nil
}
