package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kbconsole/internal/feed"
	"kbconsole/internal/readstate"
	logx "kbconsole/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

var buildInputs = []Input{
	{Category: feed.CategoryAudit},
	{Category: feed.CategoryPayment},
	{Category: feed.CategorySupport},
}

func TestBuildStableTiesAndDedupe(t *testing.T) {
	raw := [][]feed.Record{
		{rec("x", 10, ""), rec("a2", 10, ""), rec("x", 99, "")},
		{rec("x", 10, "pending")},
		nil,
	}
	u := Build(buildInputs, raw, readstate.IDSet{"a2": {}}, 10)

	// Equal timestamps keep input order; (audit,x) appears once, (payment,x) is distinct.
	assert.Len(t, u.Items, 3)
	assert.Equal(t, feed.CategoryAudit, u.Items[0].Category)
	assert.Equal(t, "x", u.Items[0].ID)
	assert.Equal(t, "a2", u.Items[1].ID)
	assert.Equal(t, feed.CategoryPayment, u.Items[2].Category)
	assert.Equal(t, 2, u.Unread)
	assert.True(t, u.Items[1].Read)
}

func TestBuildProperties(t *testing.T) {
	var audit, pay, sup []feed.Record
	for i := 0; i < 20; i++ {
		ts := int64((i * 7) % 11)
		audit = append(audit, rec("a"+string(rune('a'+i)), ts, ""))
		pay = append(pay, rec("p"+string(rune('a'+i)), ts, "pending"))
		sup = append(sup, rec("s"+string(rune('a'+i%5)), ts, "pending"))
	}
	raw := [][]feed.Record{audit, pay, sup}

	for _, limit := range []int{1, 5, 17, 100} {
		u := Build(buildInputs, raw, nil, limit)
		assert.LessOrEqual(t, len(u.Items), limit)

		seen := map[feed.Key]bool{}
		unread := 0
		for i, n := range u.Items {
			assert.False(t, seen[n.Key()], "duplicate %v", n.Key())
			seen[n.Key()] = true
			if i > 0 {
				assert.False(t, n.Timestamp.After(u.Items[i-1].Timestamp), "not sorted at %d", i)
			}
			if !n.Read {
				unread++
			}
		}
		assert.Equal(t, unread, u.Unread)
	}
}

func TestBuildEmpty(t *testing.T) {
	u := Build(buildInputs, make([][]feed.Record, 3), nil, 5)
	assert.NotNil(t, u.Items)
	assert.Empty(t, u.Items)
	assert.Zero(t, u.Unread)
}
