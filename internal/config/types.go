package config

// Config is the feed daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Feed        FeedConfig        `json:"feed"`
	ReadState   ReadStateConfig   `json:"read_state"`
	Storage     StorageConfig     `json:"storage"`
	Sources     SourcesConfig     `json:"sources"`
	Alert       AlertConfig       `json:"alert"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Debug       DebugConfig       `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// FeedConfig shapes the published feed. Changing limit re-subscribes.
type FeedConfig struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
	// AuditLimit caps the audit log query (newest K entries).
	AuditLimit int `json:"audit_limit" validate:"gte=0,lte=1000"`
}

type ReadStateConfig struct {
	// Key is the single storage key holding the JSON array of read IDs.
	Key string `json:"key"`
}

// StorageConfig selects the local key-value store behind read state.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feedd.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite badger memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SourcesConfig selects the live document backend and collection names.
type SourcesConfig struct {
	Driver            string     `json:"driver" validate:"omitempty,oneof=memory nats"`
	AuditCollection   string     `json:"audit_collection"`
	PaymentCollection string     `json:"payment_collection"`
	SupportCollection string     `json:"support_collection"`
	NATS              NATSConfig `json:"nats"`
}

type NATSConfig struct {
	URL           string `json:"url"`
	Name          string `json:"name,omitempty"`
	CredsFile     string `json:"creds_file,omitempty"`
	EnsureBuckets bool   `json:"ensure_buckets,omitempty"`
	ConnectWait   string `json:"connect_wait,omitempty"`
}

type AlertConfig struct {
	Enabled   bool   `json:"enabled"`
	QueueSize int    `json:"queue_size,omitempty" validate:"gte=0"`
	Timeout   string `json:"timeout,omitempty"`
	// Log writes every alert to the log.
	Log      bool                `json:"log"`
	Command  AlertCommandConfig  `json:"command"`
	Telegram AlertTelegramConfig `json:"telegram"`
}

// AlertCommandConfig runs a local program per alert, e.g. a sound player.
type AlertCommandConfig struct {
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path" validate:"required_if=Enabled true"`
	Args    []string `json:"args,omitempty"`
}

type AlertTelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token" validate:"required_if=Enabled true"` // do not log
	ChatID      int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	Template    string `json:"template,omitempty"`
}

type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr" validate:"required_if=Enabled true"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// AllowedOrigins enables CORS for browser panels served elsewhere.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitPerMin caps write requests per client IP; 0 uses the default.
	RateLimitPerMin int `json:"rate_limit_per_min,omitempty" validate:"gte=0"`
	// DevIngest exposes document write endpoints on the source backend.
	DevIngest bool `json:"dev_ingest,omitempty"`
}

// MaintenanceConfig schedules storage housekeeping and the status log.
// Schedules are standard 5-field cron specs or descriptors like "@every 1h".
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule,omitempty"`
	StatusSchedule string `json:"status_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// DebugConfig controls the optional pprof listener. Changes apply live.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
