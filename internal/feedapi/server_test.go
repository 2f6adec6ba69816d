package feedapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbconsole/internal/aggregator"
	"kbconsole/internal/eventbus"
	"kbconsole/internal/feed"
	"kbconsole/internal/source"
)

type fakeFeed struct {
	mu      sync.Mutex
	latest  feed.Update
	read    []string
	marks   int
	markErr error
	sources []aggregator.SourceStatus
}

func (f *fakeFeed) Latest() feed.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeFeed) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks++
	f.read = []string{"a1"}
	f.latest.Unread = 0
	return nil
}

func (f *fakeFeed) ReadIDs(ctx context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read
}

func (f *fakeFeed) Sources() []aggregator.SourceStatus { return f.sources }

type fakeDev struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func (d *fakeDev) Put(_ context.Context, coll, id string, doc map[string]any) error {
	if coll == "forbidden" {
		return errors.New("unknown collection")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[coll+"/"+id] = doc
	return nil
}

func (d *fakeDev) Delete(_ context.Context, coll, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.docs, coll+"/"+id)
	return nil
}

func sampleUpdate() feed.Update {
	return feed.Update{
		Items: []feed.Notification{
			{ID: "a1", Category: feed.CategoryAudit, Title: "Created order", Timestamp: time.Unix(100, 0).UTC()},
		},
		Unread: 1,
		At:     time.Unix(200, 0).UTC(),
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return srv, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestListAndReadAll(t *testing.T) {
	ff := &fakeFeed{latest: sampleUpdate()}
	_, ts := newTestServer(t, Options{Feed: ff})

	var u feed.Update
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/notifications", &u))
	require.Len(t, u.Items, 1)
	assert.Equal(t, "a1", u.Items[0].ID)
	assert.Equal(t, 1, u.Unread)

	resp, err := http.Post(ts.URL+"/api/v1/notifications/read-all", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, 0, u.Unread)
	assert.Equal(t, 1, ff.marks)

	var ids readIDsResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/notifications/read-ids", &ids))
	assert.Equal(t, []string{"a1"}, ids.IDs)
}

func TestReadAllFailure(t *testing.T) {
	ff := &fakeFeed{markErr: context.DeadlineExceeded}
	_, ts := newTestServer(t, Options{Feed: ff})

	resp, err := http.Post(ts.URL+"/api/v1/notifications/read-all", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadAllIsRateLimited(t *testing.T) {
	_, ts := newTestServer(t, Options{Feed: &fakeFeed{}, RateLimitPerMin: 1})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/api/v1/notifications/read-all", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHealth(t *testing.T) {
	ff := &fakeFeed{sources: []aggregator.SourceStatus{
		{Category: feed.CategoryAudit, Stats: source.Stats{Name: "audit", State: "active"}},
		{Category: feed.CategorySupport, Stats: source.Stats{Name: "support", State: "error", LastErr: "denied"}},
	}}
	_, ts := newTestServer(t, Options{Feed: ff, Version: "v1.2.3"})

	var h healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "v1.2.3", h.Version)
	assert.Len(t, h.Sources, 2)

	_, ts2 := newTestServer(t, Options{Feed: &fakeFeed{}})
	require.Equal(t, http.StatusOK, getJSON(t, ts2.URL+"/healthz", &h))
	assert.Equal(t, "idle", h.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Options{Feed: &fakeFeed{}})
	_, err := http.Get(ts.URL + "/api/v1/notifications")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "feedd_http_requests_total")
}

func TestDevRoutes(t *testing.T) {
	_, plain := newTestServer(t, Options{Feed: &fakeFeed{}})
	req, _ := http.NewRequest(http.MethodPut, plain.URL+"/api/v1/dev/collections/payments/p1", strings.NewReader(`{}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dev := &fakeDev{docs: map[string]map[string]any{}}
	_, ts := newTestServer(t, Options{Feed: &fakeFeed{}, Dev: dev})

	do := func(method, path, body string) int {
		req, _ := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, "/api/v1/dev/collections/payments/p1", `{"status":"pending","amount":12.5}`))
	assert.Equal(t, "pending", dev.docs["payments/p1"]["status"])
	assert.Equal(t, 12.5, dev.docs["payments/p1"]["amount"])

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/api/v1/dev/collections/payments/p2", `{not json`))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/api/v1/dev/collections/forbidden/x", `{}`))

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/api/v1/dev/collections/payments/p1", ""))
	assert.NotContains(t, dev.docs, "payments/p1")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestWebsocketPushesFeedAlertsAndErrors(t *testing.T) {
	bus := eventbus.New()
	ff := &fakeFeed{latest: sampleUpdate()}
	_, ts := newTestServer(t, Options{Feed: ff, Bus: bus})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readMessage(t, conn)
	assert.Equal(t, MessageTypeFeed, welcome.Type)
	assert.EqualValues(t, 1, welcome.Data.(map[string]any)["unread"])

	// The welcome frame is sent on registration, so the client is in the hub now.
	bus.Publish(eventbus.Event{Type: eventbus.TypeFeedUpdated, Data: feed.Update{Items: []feed.Notification{}, Unread: 0}})
	m := readMessage(t, conn)
	assert.Equal(t, MessageTypeFeed, m.Type)

	bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFired, Data: map[string]any{"unread": 2}})
	assert.Equal(t, MessageTypeAlert, readMessage(t, conn).Type)

	bus.Publish(eventbus.Event{Type: eventbus.TypeSourceError, Data: aggregator.SourceError{Category: feed.CategorySupport, Err: "denied"}})
	m = readMessage(t, conn)
	assert.Equal(t, MessageTypeSourceError, m.Type)
	assert.Equal(t, "support", m.Data.(map[string]any)["category"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestWebsocketPingsDuringHubShutdown(t *testing.T) {
	srv := New(Options{Feed: &fakeFeed{latest: sampleUpdate()}})
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(hubDone)
	}()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, MessageTypeFeed, readMessage(t, conn).Type)

	pinging := make(chan struct{})
	go func() {
		defer close(pinging)
		for i := 0; i < 2000; i++ {
			if conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)) != nil {
				return
			}
		}
	}()

	cancel()
	select {
	case <-hubDone:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	<-pinging

	// The server closes the socket; pongs may arrive first.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "socket left open after hub stop")
			}
			break
		}
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, Options{Feed: &fakeFeed{}, AllowedOrigins: []string{"https://console.example.com"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications/ws"

	hdr := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr = http.Header{"Origin": []string{"https://console.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	conn.Close()
}
