package feedapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kbconsole/internal/aggregator"
	"kbconsole/internal/eventbus"
	"kbconsole/internal/feed"
	"kbconsole/internal/metrics"
	logx "kbconsole/pkg/logx"
)

// Feed is the aggregator surface the API serves.
type Feed interface {
	Latest() feed.Update
	MarkAllRead(ctx context.Context) error
	ReadIDs(ctx context.Context) []string
	Sources() []aggregator.SourceStatus
}

// DevStore writes raw documents into the source backend.
type DevStore interface {
	Put(ctx context.Context, collection, id string, doc map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

type Options struct {
	Feed Feed
	Bus  eventbus.Bus
	// Dev enables the dev ingest routes when non-nil.
	Dev             DevStore
	AllowedOrigins  []string
	RateLimitPerMin int
	Version         string
	Log             logx.Logger
}

type Server struct {
	feed    Feed
	bus     eventbus.Bus
	dev     DevStore
	version string
	log     logx.Logger
	hub     *Hub
	started time.Time

	upgrader websocket.Upgrader
	handler  http.Handler
}

func New(opts Options) *Server {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "feedapi"))
	s := &Server{
		feed:    opts.Feed,
		bus:     opts.Bus,
		dev:     opts.Dev,
		version: opts.Version,
		log:     log,
		started: time.Now(),
	}
	s.hub = newHub(log, func() (Message, bool) {
		return Message{Type: MessageTypeFeed, Data: s.feed.Latest()}, true
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	s.handler = s.routes(opts)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run drives the websocket hub and forwards bus events to it until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64, eventbus.TypeFeedUpdated, eventbus.TypeAlertFired, eventbus.TypeSourceError)
		defer unsub()
		go s.forward(ctx, events)
	}
	return s.hub.Run(ctx)
}

func (s *Server) forward(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeFeedUpdated:
				s.hub.Broadcast(Message{Type: MessageTypeFeed, Data: e.Data})
			case eventbus.TypeAlertFired:
				s.hub.Broadcast(Message{Type: MessageTypeAlert, Data: e.Data})
			case eventbus.TypeSourceError:
				s.hub.Broadcast(Message{Type: MessageTypeSourceError, Data: e.Data})
			}
		}
	}
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	perMin := opts.RateLimitPerMin
	if perMin <= 0 {
		perMin = 60
	}
	writeLimit := httprate.Limit(perMin, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.instrument)
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Get("/read-ids", s.handleReadIDs)
			r.With(writeLimit).Post("/read-all", s.handleReadAll)
			r.Get("/ws", s.handleWS)
		})
		if s.dev != nil {
			r.Route("/dev/collections/{collection}/{id}", func(r chi.Router) {
				r.Use(writeLimit)
				r.Put("/", s.handleDevPut)
				r.Delete("/", s.handleDevDelete)
			})
		}
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		send: make(chan Message, 64),
		pong: make(chan struct{}, 1),
		log:  s.log,
	}
	c.log = s.log.With(logx.String("client", c.id))
	if !s.hub.join(r.Context(), c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // same-origin only
	}
	set := map[string]bool{}
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
