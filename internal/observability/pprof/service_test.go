package pprof

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtsup "kbconsole/internal/runtime/supervisor"
	logx "kbconsole/pkg/logx"
)

type fakeTasks []rtsup.TaskStats

func (f fakeTasks) Snapshot() []rtsup.TaskStats { return f }

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServeProfilesAndTasks(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeTasks{{Name: "aggregator.loop", Active: 1}}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	base := "http://" + s.Addr()

	code, body := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, base+"/tasks", "")
	require.Equal(t, http.StatusOK, code)
	var tasks []rtsup.TaskStats
	require.NoError(t, json.Unmarshal([]byte(body), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "aggregator.loop", tasks[0].Name)
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
	assert.Empty(t, s.Addr())
}

func TestReconfigure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{}, nil, logx.Nop())
	require.NoError(t, s.Start(ctx))
	assert.Empty(t, s.Addr(), "disabled service does not listen")

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	require.NotEmpty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}))
	code, _ := get(t, "http://"+s.Addr()+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
