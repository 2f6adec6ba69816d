package source

import (
	"context"
	"errors"

	"kbconsole/internal/feed"
)

var (
	ErrNilBackend = errors.New("source: nil backend")
	ErrClosed     = errors.New("source: backend closed")
)

// Source is one live predicate query. onChange receives the full current
// matching set on every change; onError is called at most once, after which
// the subscription delivers nothing further. stop cancels the subscription.
type Source interface {
	Subscribe(ctx context.Context, onChange func([]feed.Record), onError func(error)) (stop func(), err error)
}

// Backend is a document store able to evaluate a Query live.
type Backend interface {
	Watch(ctx context.Context, q Query, onChange func([]feed.Record), onError func(error)) (stop func(), err error)
}

type querySource struct {
	backend Backend
	query   Query
}

func (s querySource) Subscribe(ctx context.Context, onChange func([]feed.Record), onError func(error)) (func(), error) {
	if s.backend == nil {
		return nil, ErrNilBackend
	}
	return s.backend.Watch(ctx, s.query, onChange, onError)
}

// Query returns the predicate this source evaluates.
func (s querySource) Query() Query { return s.query }

// AuditLog watches the most recent k audit entries, newest first.
func AuditLog(b Backend, collection string, k int) Source {
	return querySource{backend: b, query: Query{Collection: collection, OrderByTimeDesc: true, Limit: k}}
}

// PendingPayments watches every payment record with status == "pending".
func PendingPayments(b Backend, collection string) Source {
	return querySource{backend: b, query: Query{Collection: collection, StatusEquals: feed.StatusPending, OrderByTimeDesc: true}}
}

// PendingSupport watches every support record with status == "pending".
func PendingSupport(b Backend, collection string) Source {
	return querySource{backend: b, query: Query{Collection: collection, StatusEquals: feed.StatusPending, OrderByTimeDesc: true}}
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context, onChange func([]feed.Record), onError func(error)) (func(), error)

func (f Func) Subscribe(ctx context.Context, onChange func([]feed.Record), onError func(error)) (func(), error) {
	return f(ctx, onChange, onError)
}
