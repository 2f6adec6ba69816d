package source

import (
	"sort"
	"strings"
	"time"

	"kbconsole/internal/feed"
)

// Query is the predicate a Backend evaluates for a live subscription.
type Query struct {
	Collection string
	// StatusEquals keeps records whose status field equals it (case-insensitive). Empty disables.
	StatusEquals string
	// OrderByTimeDesc sorts newest-first by the record timestamp.
	OrderByTimeDesc bool
	// Limit caps the result after ordering; <= 0 means unbounded.
	Limit int
}

// Match reports whether one record satisfies the filter part of the query.
func (q Query) Match(r feed.Record) bool {
	if q.StatusEquals == "" {
		return true
	}
	return feed.Status(r) == strings.ToLower(q.StatusEquals)
}

// Apply filters, orders and caps records. The input order is the tie-break.
func (q Query) Apply(records []feed.Record) []feed.Record {
	out := make([]feed.Record, 0, len(records))
	for _, r := range records {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	if q.OrderByTimeDesc {
		type keyed struct {
			rec feed.Record
			ts  time.Time
		}
		ks := make([]keyed, len(out))
		for i, r := range out {
			ks[i] = keyed{rec: r, ts: feed.Timestamp(r.Data)}
		}
		sort.SliceStable(ks, func(i, j int) bool { return ks[i].ts.After(ks[j].ts) })
		for i := range ks {
			out[i] = ks[i].rec
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
