package config

import "siemalert/internal/core"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Storage     StorageConfig     `json:"storage"`
	Source      SourceConfig      `json:"source"`
	Notifier    NotifierConfig    `json:"notifier"`
	ConfigStore ConfigStoreConfig `json:"configstore"`
	Admin       AdminConfig       `json:"admin"`

	// Rules holds file-backed configurations and runtime parameters.
	// They are used when configstore.driver is "file" (the default).
	Rules RulesConfig `json:"rules"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Ops     LoggingOpsSink `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOpsSink forwards warn+ lines to an operator recipient
// (webhook URL or "tg:<chat>[/<thread>]") through the notifier.
type LoggingOpsSink struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the driver's triggers and the reporting zone.
//
// Defaults (when fields are omitted/zero):
//   - timezone/utc_offset: UTC
//   - match_tolerance: "1m" ("0s" means exact minute)
//   - report_weekday: "monday"
//   - reconcile_every: "5m"
//   - prune_cron: "30 3 * * *"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	Timezone  string `json:"timezone,omitempty"`
	UTCOffset string `json:"utc_offset,omitempty"`

	MatchTolerance *string `json:"match_tolerance,omitempty"`
	ReportWeekday  string  `json:"report_weekday,omitempty"`
	ReconcileEvery string  `json:"reconcile_every,omitempty"`
	PruneCron      string  `json:"prune_cron,omitempty"`
}

// EngineConfig controls the task engine that runs driver jobs and the
// per-configuration pool inside each cycle.
//
// Defaults:
//   - workers: 2
//   - queue_size: 16
//   - default_timeout: "10m"
//   - history_size: 200
//   - retry_max: 0 (cycles retry on the next tick)
//   - config_workers: runtime param max_concurrent_jobs
//   - config_timeout: "45s"
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	ConfigWorkers int    `json:"config_workers,omitempty"`
	ConfigTimeout string `json:"config_timeout,omitempty"`
}

// StorageConfig selects the ledger/marker backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/siemalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default), file, memory, postgres, redis
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SourceConfig selects the alert source.
type SourceConfig struct {
	Driver             string `json:"driver"` // opensearch (default) or static
	URL                string `json:"url,omitempty"`
	Index              string `json:"index,omitempty"` // default "wazuh-alerts-*"
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	Timeout            string `json:"timeout,omitempty"`

	// StaticPath is a JSON array of alerts served by the static driver.
	StaticPath string `json:"static_path,omitempty"`

	Manager *ManagerConfig `json:"manager,omitempty"`
}

// ManagerConfig points at the Wazuh manager API (health only).
type ManagerConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Concurrency   int    `json:"concurrency,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	Email    *EmailConfig    `json:"email,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type EmailConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port,omitempty"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	From               string `json:"from"`
	UseTLS             bool   `json:"use_tls,omitempty"`
	UseStartTLS        bool   `json:"use_starttls,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

type WebhookConfig struct {
	HMACSecret string            `json:"hmac_secret,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	APIURL string `json:"api_url,omitempty"`
}

// ConfigStoreConfig selects where alerting/report configurations live.
type ConfigStoreConfig struct {
	Driver string `json:"driver"` // file (default) or postgres
	DSN    string `json:"dsn,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Prefer binding to localhost; a token is required for non-loopback addresses
// unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8087"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`

	// Pprof mounts /debug/pprof behind the admin token.
	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

type RulesConfig struct {
	Alerts  []core.AlertingConfiguration `json:"alerts,omitempty"`
	Reports []core.ReportConfiguration   `json:"reports,omitempty"`
	Runtime map[string]string            `json:"runtime,omitempty"`
}
