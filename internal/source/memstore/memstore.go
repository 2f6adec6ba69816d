// Package memstore is an in-process document store with live queries.
//
// It backs the "memory" source driver (development, demos) and the tests of
// everything above the source layer. Each watch runs its own delivery
// goroutine that always emits the latest matching state, so bursts of writes
// coalesce into fewer snapshots but a snapshot is never stale.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"kbconsole/internal/feed"
	"kbconsole/internal/source"
)

var ErrEmptyID = errors.New("memstore: empty collection or id")

type collection struct {
	docs    map[string]map[string]any
	seq     map[string]uint64
	watches map[uint64]*watch
	failed  error
}

type watch struct {
	q      source.Query
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (w *watch) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	nextSeq     uint64
	nextWatch   uint64
	closed      bool
}

func New() *Store {
	return &Store{collections: map[string]*collection{}}
}

var _ source.Backend = (*Store)(nil)

func (s *Store) col(name string) *collection {
	c := s.collections[name]
	if c == nil {
		c = &collection{docs: map[string]map[string]any{}, seq: map[string]uint64{}, watches: map[uint64]*watch{}}
		s.collections[name] = c
	}
	return c
}

// Put inserts or replaces a document.
func (s *Store) Put(collectionName, id string, doc map[string]any) error {
	collectionName, id = strings.TrimSpace(collectionName), strings.TrimSpace(id)
	if collectionName == "" || id == "" {
		return ErrEmptyID
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return source.ErrClosed
	}
	c := s.col(collectionName)
	if _, ok := c.docs[id]; !ok {
		s.nextSeq++
		c.seq[id] = s.nextSeq
	}
	c.docs[id] = cp
	ws := watchesOf(c)
	s.mu.Unlock()

	for _, w := range ws {
		w.poke()
	}
	return nil
}

// Delete removes a document; deleting a missing id is a no-op.
func (s *Store) Delete(collectionName, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return source.ErrClosed
	}
	c := s.col(collectionName)
	if _, ok := c.docs[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(c.docs, id)
	delete(c.seq, id)
	ws := watchesOf(c)
	s.mu.Unlock()

	for _, w := range ws {
		w.poke()
	}
	return nil
}

// Fail makes every live query on the collection report err and stop, and
// rejects new watches until Recover is called.
func (s *Store) Fail(collectionName string, err error) {
	if err == nil {
		err = errors.New("memstore: collection failed")
	}
	s.mu.Lock()
	c := s.col(collectionName)
	c.failed = err
	ws := watchesOf(c)
	s.mu.Unlock()

	for _, w := range ws {
		w.poke()
	}
}

// Recover clears a failure injected by Fail.
func (s *Store) Recover(collectionName string) {
	s.mu.Lock()
	s.col(collectionName).failed = nil
	s.mu.Unlock()
}

// Records returns the collection's documents in insertion order.
func (s *Store) Records(collectionName string) []feed.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordsOf(s.col(collectionName))
}

// Watch implements source.Backend.
func (s *Store) Watch(ctx context.Context, q source.Query, onChange func([]feed.Record), onError func(error)) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, source.ErrClosed
	}
	c := s.col(q.Collection)
	if c.failed != nil {
		err := c.failed
		s.mu.Unlock()
		return nil, err
	}
	s.nextWatch++
	id := s.nextWatch
	w := &watch{q: q, notify: make(chan struct{}, 1), done: make(chan struct{})}
	c.watches[id] = w
	s.mu.Unlock()

	stop := func() {
		w.once.Do(func() {
			close(w.done)
			s.mu.Lock()
			if cc := s.collections[q.Collection]; cc != nil {
				delete(cc.watches, id)
			}
			s.mu.Unlock()
		})
	}

	// Initial snapshot.
	w.poke()
	go s.run(ctx, w, stop, onChange, onError)
	return stop, nil
}

func (s *Store) run(ctx context.Context, w *watch, stop func(), onChange func([]feed.Record), onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-w.done:
			return
		case <-w.notify:
		}

		s.mu.Lock()
		c := s.col(w.q.Collection)
		failed := c.failed
		closed := s.closed
		var snap []feed.Record
		if failed == nil && !closed {
			snap = w.q.Apply(recordsOf(c))
		}
		s.mu.Unlock()

		// A stop that raced with the notify wins.
		select {
		case <-w.done:
			return
		default:
		}

		switch {
		case closed:
			stop()
			if onError != nil {
				onError(source.ErrClosed)
			}
			return
		case failed != nil:
			stop()
			if onError != nil {
				onError(failed)
			}
			return
		default:
			if onChange != nil {
				onChange(snap)
			}
		}
	}
}

// Close fails every open watch with source.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var ws []*watch
	for _, c := range s.collections {
		ws = append(ws, watchesOf(c)...)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.poke()
	}
	return nil
}

func watchesOf(c *collection) []*watch {
	out := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		out = append(out, w)
	}
	return out
}

func recordsOf(c *collection) []feed.Record {
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.seq[ids[i]] < c.seq[ids[j]] })
	out := make([]feed.Record, 0, len(ids))
	for _, id := range ids {
		data := make(map[string]any, len(c.docs[id]))
		for k, v := range c.docs[id] {
			data[k] = v
		}
		out = append(out, feed.Record{ID: id, Data: data})
	}
	return out
}
