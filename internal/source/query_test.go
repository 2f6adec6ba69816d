package source

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kbconsole/internal/feed"
)

func rec(id string, ts float64, status string) feed.Record {
	return feed.Record{ID: id, Data: map[string]any{"timestamp": ts, "status": status}}
}

func TestQueryApply(t *testing.T) {
	in := []feed.Record{
		rec("a", 100, "pending"),
		rec("b", 300, "completed"),
		rec("c", 300, "PENDING"),
		rec("d", 200, "pending"),
		rec("e", 300, "pending"),
	}

	q := Query{StatusEquals: "pending", OrderByTimeDesc: true}
	got := q.Apply(in)
	assert.Equal(t, []string{"c", "e", "d", "a"}, recIDs(got))

	q.Limit = 2
	assert.Equal(t, []string{"c", "e"}, recIDs(q.Apply(in)))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, recIDs(Query{}.Apply(in)))
}

func TestQueryApplyZeroTimestampsSortLast(t *testing.T) {
	in := []feed.Record{{ID: "nots"}, rec("x", 5, "")}
	assert.Equal(t, []string{"x", "nots"}, recIDs(Query{OrderByTimeDesc: true}.Apply(in)))
}

func recIDs(recs []feed.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
