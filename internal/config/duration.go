package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string; empty means 0. path names
// the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// durationFields lists every duration string in the config by its path.
func (c *Config) durationFields() map[string]string {
	return map[string]string{
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"sources.nats.connect_wait":   c.Sources.NATS.ConnectWait,
		"alert.timeout":               c.Alert.Timeout,
		"alert.telegram.min_interval": c.Alert.Telegram.MinInterval,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"http.shutdown_timeout":       c.HTTP.ShutdownTimeout,
	}
}

// validateDurations reports every malformed duration, in path order.
func (c *Config) validateDurations() []error {
	fields := c.durationFields()
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		if _, err := ParseDurationField(p, fields[p]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
