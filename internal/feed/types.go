package feed

import (
	"strings"
	"time"
)

// Category identifies which source a notification came from.
type Category string

const (
	CategoryAudit   Category = "audit"
	CategoryPayment Category = "payment"
	CategorySupport Category = "support"
)

// Categories lists every category in merge order.
var Categories = []Category{CategoryAudit, CategoryPayment, CategorySupport}

func (c Category) Valid() bool {
	switch c {
	case CategoryAudit, CategoryPayment, CategorySupport:
		return true
	default:
		return false
	}
}

// ParseCategory is case-insensitive; unknown values return ("", false).
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", false
	}
	return c, true
}

// StatusPending is the lifecycle state that marks payment/support records unread.
const StatusPending = "pending"

// Record is one raw document as delivered by a source: its document id plus fields.
type Record struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Notification is the normalized, display-ready feed entry.
type Notification struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Icon      string    `json:"icon"`

	// status is the raw lifecycle state for payment/support; used to derive Read.
	status string
}

// Status returns the lower-cased lifecycle state captured at normalization.
func (n Notification) Status() string { return n.status }

// Key identifies a notification across categories.
type Key struct {
	Category Category
	ID       string
}

func (n Notification) Key() Key { return Key{Category: n.Category, ID: n.ID} }

// Update is one published state of the merged feed.
type Update struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
	At     time.Time      `json:"at"`
}
