// Package config loads, validates, and hot-reloads the daemon configuration
// from a JSON or YAML file. All durations are Go duration strings (e.g.
// "500ms", "10s", "1m").
package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Engine     EngineConfig     `json:"engine"`
	Webhook    WebhookConfig    `json:"webhook,omitempty"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Templates  TemplatesConfig  `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job/execution store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatcherConfig controls the due-job polling loop.
type DispatcherConfig struct {
	Enabled   bool   `json:"enabled"`
	Interval  string `json:"interval,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// EngineConfig controls the execution worker pool.
//
// Coalesce is a pointer so an omitted field keeps the default (true) while an
// explicit false disables occurrence coalescing.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	CancelGrace    string `json:"cancel_grace,omitempty"`
	Coalesce       *bool  `json:"coalesce,omitempty"`
	// RetryJitter is the fraction (0..1) of each retry delay randomized away.
	RetryJitter float64 `json:"retry_jitter,omitempty"`
	HistorySize int     `json:"history_size,omitempty"`
}

// WebhookConfig tunes the outbound HTTP action handler.
type WebhookConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
}

// NotifierConfig enables the Telegram notification handler. Nil means the
// handler is not registered.
type NotifierConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// TemplatesConfig points at an optional JSON template catalog file.
type TemplatesConfig struct {
	Path string `json:"path,omitempty"`
}
