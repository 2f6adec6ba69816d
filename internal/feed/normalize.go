package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxMessageRunes = 140

var timestampFields = []string{"timestamp", "createdAt", "created_at", "updatedAt", "updated_at"}

// Normalize maps a raw record into a Notification. It never fails: missing or
// malformed fields fall back to generic text. Read is left false; the
// aggregator resolves it at recompute time.
func Normalize(rec Record, c Category) Notification {
	n := Notification{
		ID:        strings.TrimSpace(rec.ID),
		Category:  c,
		Timestamp: Timestamp(rec.Data),
	}
	if n.ID == "" {
		n.ID = str(rec.Data, "id")
	}
	switch c {
	case CategoryAudit:
		normalizeAudit(&n, rec.Data)
	case CategoryPayment:
		normalizePayment(&n, rec.Data)
	case CategorySupport:
		normalizeSupport(&n, rec.Data)
	default:
		n.Title = "Notification"
		n.Icon = "bell"
	}
	return n
}

// Status returns the lower-cased status field of a record ("" when absent).
func Status(rec Record) string {
	return strings.ToLower(str(rec.Data, "status"))
}

func normalizeAudit(n *Notification, d map[string]any) {
	action := strings.ToLower(str(d, "action", "type"))
	collection := humanize(str(d, "collection", "entityType", "entity"))

	verb := auditVerb(action)
	switch {
	case verb != "" && collection != "":
		n.Title = verb + " " + collection
	case verb != "":
		n.Title = verb
	case collection != "":
		n.Title = "Changed " + collection
	default:
		n.Title = "Audit event"
	}

	subject := str(d, "entityName", "details", "description", "entityId")
	actor := str(d, "user", "userEmail", "userName", "actor")
	switch {
	case subject != "" && actor != "":
		n.Message = subject + " by " + actor
	case subject != "":
		n.Message = subject
	case actor != "":
		n.Message = "by " + actor
	}
	n.Message = clip(n.Message)

	switch {
	case strings.HasPrefix(action, "create"), action == "add", action == "insert":
		n.Icon = "plus-circle"
	case strings.HasPrefix(action, "update"), action == "edit":
		n.Icon = "edit"
	case strings.HasPrefix(action, "delete"), action == "remove":
		n.Icon = "trash"
	case action == "login", action == "sign_in":
		n.Icon = "log-in"
	default:
		n.Icon = "activity"
	}
}

func auditVerb(action string) string {
	switch {
	case action == "":
		return ""
	case strings.HasPrefix(action, "create"), action == "add", action == "insert":
		return "Created"
	case strings.HasPrefix(action, "update"), action == "edit":
		return "Updated"
	case strings.HasPrefix(action, "delete"), action == "remove":
		return "Deleted"
	case action == "login", action == "sign_in":
		return "Signed in"
	default:
		return capitalize(humanize(action))
	}
}

func normalizePayment(n *Notification, d map[string]any) {
	n.status = strings.ToLower(str(d, "status"))
	n.Title = "New payment pending"
	if n.status != "" && n.status != StatusPending {
		n.Title = "Payment " + n.status
	}
	n.Icon = "credit-card"

	parts := make([]string, 0, 3)
	if who := str(d, "userEmail", "email", "userName"); who != "" {
		parts = append(parts, who)
	}
	if amt, ok := number(d["amount"]); ok {
		cur := strings.ToUpper(str(d, "currency"))
		s := strconv.FormatFloat(amt, 'f', 2, 64)
		if cur != "" {
			s += " " + cur
		}
		parts = append(parts, s)
	}
	if plan := str(d, "plan", "planName", "packageName"); plan != "" {
		parts = append(parts, plan)
	}
	n.Message = clip(strings.Join(parts, " · "))
}

func normalizeSupport(n *Notification, d map[string]any) {
	n.status = strings.ToLower(str(d, "status"))
	n.Title = str(d, "subject", "title")
	if n.Title == "" {
		n.Title = "New support request"
	}
	msg := clip(str(d, "message", "body", "description"))
	if who := str(d, "email", "userEmail", "name"); who != "" {
		if msg != "" {
			msg += " · "
		}
		msg += who
	}
	n.Message = msg

	switch strings.ToLower(str(d, "priority")) {
	case "high", "urgent", "critical":
		n.Icon = "alert-triangle"
	default:
		n.Icon = "life-buoy"
	}
}

// Timestamp extracts the record instant. Zero time when nothing parses.
func Timestamp(d map[string]any) time.Time {
	for _, k := range timestampFields {
		v, ok := d[k]
		if !ok || v == nil {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t
		}
	}
	return time.Time{}
}

func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return x.UTC(), !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, false
	case map[string]any:
		// Document-store timestamp objects: {seconds, nanoseconds} or {_seconds, _nanoseconds}.
		sec, ok := number(firstOf(x, "seconds", "_seconds"))
		if !ok {
			return time.Time{}, false
		}
		nsec, _ := number(firstOf(x, "nanoseconds", "_nanoseconds", "nanos"))
		return time.Unix(int64(sec), int64(nsec)).UTC(), true
	default:
		if f, ok := number(v); ok {
			return fromEpoch(f)
		}
		return time.Time{}, false
	}
}

// fromEpoch accepts seconds or milliseconds; values past year ~5138 in seconds are read as millis.
func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= 1e11 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(x.String(), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// str returns the first non-empty value among keys, rendered as text.
func str(d map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := d[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case fmt.Stringer:
			s = x.String()
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		case int, int64, int32, bool:
			s = fmt.Sprint(x)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func humanize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	// split camelCase: errorCodes -> error codes
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return strings.ToUpper(string(r)) + s[size:]
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxMessageRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxMessageRunes-1]) + "…"
}
