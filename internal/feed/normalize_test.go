package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAudit(t *testing.T) {
	rec := Record{ID: "a1", Data: map[string]any{
		"action":     "create",
		"collection": "errorCodes",
		"entityName": "E-042 Pump failure",
		"userEmail":  "ops@example.com",
		"timestamp":  "2024-03-01T10:00:00Z",
	}}
	n := Normalize(rec, CategoryAudit)

	assert.Equal(t, "a1", n.ID)
	assert.Equal(t, CategoryAudit, n.Category)
	assert.Equal(t, "Created error codes", n.Title)
	assert.Equal(t, "E-042 Pump failure by ops@example.com", n.Message)
	assert.Equal(t, "plus-circle", n.Icon)
	assert.False(t, n.Read)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), n.Timestamp)
}

func TestNormalizeAuditIcons(t *testing.T) {
	cases := map[string]string{
		"update": "edit",
		"delete": "trash",
		"login":  "log-in",
		"export": "activity",
	}
	for action, icon := range cases {
		n := Normalize(Record{ID: "x", Data: map[string]any{"action": action}}, CategoryAudit)
		assert.Equal(t, icon, n.Icon, action)
	}
	n := Normalize(Record{ID: "x", Data: map[string]any{"action": "export"}}, CategoryAudit)
	assert.Equal(t, "Export", n.Title)
}

func TestNormalizePayment(t *testing.T) {
	rec := Record{ID: "p1", Data: map[string]any{
		"userEmail": "tech@example.com",
		"amount":    float64(19.5),
		"currency":  "usd",
		"plan":      "Pro",
		"status":    "Pending",
		"createdAt": float64(1700000000000),
	}}
	n := Normalize(rec, CategoryPayment)

	assert.Equal(t, "New payment pending", n.Title)
	assert.Equal(t, "tech@example.com · 19.50 USD · Pro", n.Message)
	assert.Equal(t, "credit-card", n.Icon)
	assert.Equal(t, "pending", n.Status())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), n.Timestamp)

	done := Normalize(Record{ID: "p1", Data: map[string]any{"status": "completed"}}, CategoryPayment)
	assert.Equal(t, "Payment completed", done.Title)
	assert.Equal(t, "completed", done.Status())
}

func TestNormalizeSupport(t *testing.T) {
	long := strings.Repeat("x", 300)
	rec := Record{ID: "s1", Data: map[string]any{
		"subject":   "Cannot sync",
		"message":   long,
		"email":     "field@example.com",
		"priority":  "urgent",
		"status":    "pending",
		"createdAt": map[string]any{"seconds": float64(1700000000), "nanoseconds": float64(5)},
	}}
	n := Normalize(rec, CategorySupport)

	assert.Equal(t, "Cannot sync", n.Title)
	assert.Equal(t, "alert-triangle", n.Icon)
	assert.True(t, strings.HasSuffix(n.Message, "· field@example.com"))
	assert.Less(t, len([]rune(n.Message)), 170)
	assert.Equal(t, time.Unix(1700000000, 5).UTC(), n.Timestamp)
}

func TestNormalizeIsTotal(t *testing.T) {
	for _, c := range Categories {
		require.NotPanics(t, func() {
			n := Normalize(Record{}, c)
			assert.NotEmpty(t, n.Title)
			assert.NotEmpty(t, n.Icon)
			assert.True(t, n.Timestamp.IsZero())
		})
		require.NotPanics(t, func() {
			Normalize(Record{ID: "bad", Data: map[string]any{
				"action":    []any{1, 2},
				"amount":    "not-a-number",
				"timestamp": map[string]any{"weird": true},
				"subject":   42.0,
			}}, c)
		})
	}
}

func TestTimestampFormats(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	for name, v := range map[string]any{
		"time":    want,
		"rfc3339": "2023-11-14T22:13:20Z",
		"seconds": float64(1700000000),
		"millis":  int64(1700000000000),
		"string":  "1700000000",
		"map":     map[string]any{"_seconds": float64(1700000000)},
	} {
		got := Timestamp(map[string]any{"timestamp": v})
		assert.True(t, want.Equal(got), "%s: got %v", name, got)
	}
	assert.True(t, Timestamp(map[string]any{"timestamp": "garbage"}).IsZero())
	assert.True(t, Timestamp(nil).IsZero())
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory(" Payment ")
	assert.True(t, ok)
	assert.Equal(t, CategoryPayment, c)
	_, ok = ParseCategory("users")
	assert.False(t, ok)
}
