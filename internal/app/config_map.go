package app

import (
	"fmt"
	"strings"
	"time"

	"kbconsole/internal/alert"
	"kbconsole/internal/config"
	"kbconsole/internal/observability/pprof"
	"kbconsole/internal/source/natskv"
	"kbconsole/internal/storage"
	logx "kbconsole/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:              cfg.Debug.Enabled,
		Addr:                 cfg.Debug.Addr,
		Token:                cfg.Debug.Token,
		AllowInsecure:        cfg.Debug.AllowInsecure,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "badger":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=badger")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNATSConfig(cfg *config.Config) (natskv.Config, error) {
	nc := cfg.Sources.NATS
	wait, err := config.ParseDurationOrDefault("sources.nats.connect_wait", nc.ConnectWait, 5*time.Second)
	if err != nil {
		return natskv.Config{}, err
	}
	return natskv.Config{
		URL:           nc.URL,
		Name:          nc.Name,
		CredsFile:     nc.CredsFile,
		EnsureBuckets: nc.EnsureBuckets,
		ConnectWait:   wait,
	}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alert
	timeout, err := config.ParseDurationField("alert.timeout", ac.Timeout)
	if err != nil {
		return alert.Config{}, err
	}
	minInterval, err := config.ParseDurationField("alert.telegram.min_interval", ac.Telegram.MinInterval)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:   ac.Enabled,
		QueueSize: ac.QueueSize,
		Timeout:   timeout,
		Log:       ac.Log,
		Command: alert.CommandConfig{
			Enabled: ac.Command.Enabled,
			Path:    ac.Command.Path,
			Args:    append([]string(nil), ac.Command.Args...),
		},
		Telegram: alert.TelegramConfig{
			Enabled:     ac.Telegram.Enabled,
			Token:       ac.Telegram.Token,
			ChatID:      ac.Telegram.ChatID,
			ThreadID:    ac.Telegram.ThreadID,
			MinInterval: minInterval,
			Template:    ac.Telegram.Template,
		},
	}, nil
}

type httpTimeouts struct {
	read, write, shutdown time.Duration
}

func mapHTTPTimeouts(cfg *config.Config) (httpTimeouts, error) {
	var t httpTimeouts
	var err error
	if t.read, err = config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second); err != nil {
		return t, err
	}
	// the websocket pumps manage their own write deadlines
	if t.write, err = config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0); err != nil {
		return t, err
	}
	if t.shutdown, err = config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 5*time.Second); err != nil {
		return t, err
	}
	return t, nil
}
