package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const (
	DefaultLimit      = 50
	DefaultAuditLimit = 50
)

// Default returns a config that runs with the memory source and file storage.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		HTTP:    HTTPConfig{Enabled: true, Addr: "127.0.0.1:8088"},
		Alert:   AlertConfig{Enabled: true, Log: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Feed.Limit == 0 {
		c.Feed.Limit = DefaultLimit
	}
	if c.Feed.AuditLimit == 0 {
		c.Feed.AuditLimit = DefaultAuditLimit
	}
	if c.ReadState.Key == "" {
		c.ReadState.Key = "readNotifications"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" && c.Storage.Driver != "memory" {
		switch c.Storage.Driver {
		case "sqlite":
			c.Storage.Path = "./data/feedd.db"
		default:
			c.Storage.Path = "./data/feedd"
		}
	}
	if c.Sources.Driver == "" {
		c.Sources.Driver = "memory"
	}
	if c.Sources.AuditCollection == "" {
		c.Sources.AuditCollection = "auditLogs"
	}
	if c.Sources.PaymentCollection == "" {
		c.Sources.PaymentCollection = "payments"
	}
	if c.Sources.SupportCollection == "" {
		c.Sources.SupportCollection = "supportRequests"
	}
	if c.Sources.NATS.URL == "" {
		c.Sources.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.HTTP.RateLimitPerMin == 0 {
		c.HTTP.RateLimitPerMin = 60
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 1h"
	}
	if c.Maintenance.StatusSchedule == "" {
		c.Maintenance.StatusSchedule = "@every 15m"
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags, duration strings, cron specs and the timezone.
// All problems are joined into one error.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.validateDurations()...)

	if c.Maintenance.Enabled {
		for path, spec := range map[string]string{
			"maintenance.schedule":        c.Maintenance.Schedule,
			"maintenance.status_schedule": c.Maintenance.StatusSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
		if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}
