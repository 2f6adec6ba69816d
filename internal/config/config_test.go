package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "feed": {"limit": 20, "audit_limit": 30},
  "storage": {"driver": "sqlite", "path": "/tmp/feedd.db", "busy_timeout": "2s"},
  "alert": {"enabled": true, "log": true, "command": {"enabled": true, "path": "paplay", "args": ["alert.oga"]}}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
feed:
  limit: 20
  audit_limit: 30
storage:
  driver: sqlite
  path: /tmp/feedd.db
  busy_timeout: 2s
alert:
  enabled: true
  log: true
  command:
    enabled: true
    path: paplay
    args: [alert.oga]
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	j, err := Decode("feedd.json", []byte(sampleJSON))
	require.NoError(t, err)
	y, err := Decode("feedd.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, j, y)
	assert.Equal(t, 20, j.Feed.Limit)
	assert.Equal(t, "sqlite", j.Storage.Driver)
	assert.Equal(t, []string{"alert.oga"}, j.Alert.Command.Args)

	// Defaults fill the rest.
	assert.Equal(t, "memory", j.Sources.Driver)
	assert.Equal(t, "auditLogs", j.Sources.AuditCollection)
	assert.Equal(t, "readNotifications", j.ReadState.Key)
	require.NoError(t, Validate(j))
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"feed": {"limit": 5, "colour": "red"}}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"feed": {"limit": 5}} {"feed": {}}`))
	assert.Error(t, err)

	_, err = Decode("c.yml", []byte("feed: [unclosed"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, DefaultLimit, cfg.Feed.Limit)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "./data/feedd", cfg.Storage.Path)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Storage.Driver = "postgres"
	cfg.Alert.Telegram = AlertTelegramConfig{Enabled: true}
	cfg.Alert.Timeout = "soon"
	cfg.Maintenance = MaintenanceConfig{Enabled: true, Schedule: "every tuesday", Timezone: "Mars/Olympus"}
	cfg.HTTP.RateLimitPerMin = -1

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"Logging.Level",
		"Storage.Driver",
		"Alert.Telegram.Token",
		"Alert.Telegram.ChatID",
		"alert.timeout",
		"maintenance.schedule",
		"maintenance.timezone",
		"HTTP.RateLimitPerMin",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Error(t, Validate(nil))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedd.json")
	writeFile(t, path, `{"feed": {"limit": 10}}`)

	m := NewManager(path, logxNop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Feed.Limit)
	assert.Same(t, cfg, m.Get())

	ch, unsub := m.Subscribe(1)
	defer unsub()

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "unchanged content must not publish")

	writeFile(t, path, `{"feed": {"limit": 11}}`)
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 11, (<-ch).Feed.Limit)

	// Invalid content keeps the committed config.
	writeFile(t, path, `{"feed": {"limit": -1}}`)
	_, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 11, m.Get().Feed.Limit)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Feed.Limit == 13 {
			return errors.New("unlucky")
		}
		return nil
	})
	writeFile(t, path, `{"feed": {"limit": 13}}`)
	_, err = m.Reload(context.Background())
	assert.EqualError(t, err, "unlucky")
}

func TestManagerSlowSubscriberGetsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedd.json")
	writeFile(t, path, `{}`)
	m := NewManager(path, logxNop())
	_, err := m.Load()
	require.NoError(t, err)

	ch, unsub := m.Subscribe(1)
	for _, limit := range []string{"5", "6", "7"} {
		writeFile(t, path, `{"feed": {"limit": `+limit+`}}`)
		_, err := m.Reload(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 7, (<-ch).Feed.Limit)

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedd.yaml")
	writeFile(t, path, "feed:\n  limit: 10\n")
	m := NewManager(path, logxNop())
	_, err := m.Load()
	require.NoError(t, err)
	ch, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register, then edit until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, 42, cfg.Feed.Limit)
			return
		case <-tick.C:
			writeFile(t, path, "feed:\n  limit: 42\n")
		case <-deadline:
			t.Fatal("watch did not publish the edit")
		}
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Feed.Limit = 5
	b.Alert.Telegram = AlertTelegramConfig{Enabled: true, Token: "123:secret", ChatID: 9}
	b.Debug = DebugConfig{Enabled: true, Token: "pprof-secret"}

	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"alert", "debug", "feed"}, changed)
	assert.NotEmpty(t, attrs)

	var sb strings.Builder
	log := newTestLogger(&sb)
	log.Info("config changed", attrs...)
	assert.NotContains(t, sb.String(), "secret")
	assert.Contains(t, sb.String(), `"feed.limit":5`)

	assert.Empty(t, RequiresRestart(a, b))
	b.Storage.Driver = "badger"
	assert.Equal(t, []string{"storage"}, RequiresRestart(a, b))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationField("x", " 150ms ")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}
