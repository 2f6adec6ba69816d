// Package natskv serves live queries from NATS JetStream key-value buckets.
//
// Each collection is one bucket; each document is one key whose value is a
// JSON object. A watch keeps the keyed document map for its bucket and emits
// the query result once the initial values have been replayed and again after
// every put or delete.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"kbconsole/internal/feed"
	"kbconsole/internal/source"
	logx "kbconsole/pkg/logx"
)

var ErrWatchClosed = errors.New("natskv: watch closed by server")

// Config configures the connection used by Connect.
type Config struct {
	URL           string
	Name          string
	CredsFile     string
	EnsureBuckets bool
	ConnectWait   time.Duration
}

// Backend implements source.Backend over JetStream KV.
type Backend struct {
	js     jetstream.JetStream
	nc     *nats.Conn // owned only when created by Connect
	log    logx.Logger
	ensure bool

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

var _ source.Backend = (*Backend)(nil)

// New wraps an existing JetStream context. ensure creates missing buckets.
func New(js jetstream.JetStream, ensure bool, log logx.Logger) *Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backend{js: js, ensure: ensure, log: log.With(logx.String("comp", "natskv")), buckets: map[string]jetstream.KeyValue{}}
}

// Connect dials NATS and returns a Backend that owns the connection.
func Connect(cfg Config, log logx.Logger) (*Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "kbconsole-feedd"
	}
	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	b := New(js, cfg.EnsureBuckets, log)
	b.nc = nc
	return b, nil
}

// Close closes the connection if the Backend owns it.
func (b *Backend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func (b *Backend) bucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	b.mu.Lock()
	kv := b.buckets[name]
	b.mu.Unlock()
	if kv != nil {
		return kv, nil
	}

	kv, err := b.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) && b.ensure {
		kv, err = b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: name, History: 1})
	}
	if err != nil {
		return nil, fmt.Errorf("kv bucket %q: %w", name, err)
	}
	b.mu.Lock()
	b.buckets[name] = kv
	b.mu.Unlock()
	return kv, nil
}

// Put stores doc as JSON under id.
func (b *Backend) Put(ctx context.Context, collection, id string, doc map[string]any) error {
	kv, err := b.bucket(ctx, collection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, id, raw)
	return err
}

// Delete removes id from the collection.
func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	kv, err := b.bucket(ctx, collection)
	if err != nil {
		return err
	}
	err = kv.Delete(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Watch implements source.Backend.
func (b *Backend) Watch(ctx context.Context, q source.Query, onChange func([]feed.Record), onError func(error)) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	kv, err := b.bucket(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w, err := kv.WatchAll(wctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %q: %w", q.Collection, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
			_ = w.Stop()
		})
	}
	go b.run(wctx, q, w, done, onChange, onError)
	return stop, nil
}

type doc struct {
	rec   feed.Record
	first uint64
}

func (b *Backend) run(ctx context.Context, q source.Query, w jetstream.KeyWatcher, done <-chan struct{}, onChange func([]feed.Record), onError func(error)) {
	docs := map[string]doc{}
	ready := false

	emit := func() {
		list := make([]doc, 0, len(docs))
		for _, d := range docs {
			list = append(list, d)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].first < list[j].first })
		recs := make([]feed.Record, len(list))
		for i, d := range list {
			recs[i] = d.rec
		}
		if onChange != nil {
			onChange(q.Apply(recs))
		}
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case e, ok := <-w.Updates():
			if !ok {
				select {
				case <-done:
				case <-ctx.Done():
				default:
					if onError != nil {
						onError(ErrWatchClosed)
					}
				}
				return
			}
			if e == nil {
				// End of initial values.
				ready = true
				emit()
				continue
			}
			switch e.Operation() {
			case jetstream.KeyValuePut:
				first := e.Revision()
				if prev, ok := docs[e.Key()]; ok {
					first = prev.first
				}
				docs[e.Key()] = doc{rec: b.decode(q.Collection, e.Key(), e.Value()), first: first}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(docs, e.Key())
			}
			if ready {
				emit()
			}
		}
	}
}

// decode never fails: an unparseable value yields a record with no fields.
func (b *Backend) decode(collection, key string, raw []byte) feed.Record {
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			b.log.Debug("undecodable document", logx.String("collection", collection), logx.String("key", key), logx.Err(err))
			data = map[string]any{}
		}
	}
	return feed.Record{ID: key, Data: data}
}
