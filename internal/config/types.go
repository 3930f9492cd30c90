package config

// Config is the application configuration. It is loaded from JSON or YAML
// (see yaml.go) and hot-reloaded by Manager.Watch().
//
// All durations are Go duration strings (e.g. "45s", "15m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Followup  FollowupConfig  `json:"followup"`
	Budget    BudgetConfig    `json:"budget"`
	Retry     RetryConfig     `json:"retry"`

	Avito AvitoConfig `json:"avito"`
	LLM   LLMConfig   `json:"llm"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorChatID receives whole-run abort notifications and mirrored
	// warn/error logs.
	OperatorChatID   int64 `json:"operator_chat_id"`
	OperatorThreadID int   `json:"operator_thread_id,omitempty"`
	// RatePerSec caps outbound sends (Telegram tolerates ~30 msg/s globally).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the shared cron job service.
type SchedulerConfig struct {
	Workers int `json:"workers"`
	// DefaultTimeout bounds a single job run ("0s" disables).
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size,omitempty"`
	// Timezone is the default trigger timezone when a tenant task has none.
	Timezone string `json:"timezone,omitempty"`
	// ResyncEvery is the pull fallback for missed mutation notifications.
	ResyncEvery string `json:"resync_every,omitempty"`
}

type FollowupConfig struct {
	// PollEvery is the dispatch tick interval (default "45s").
	PollEvery string `json:"poll_every,omitempty"`
	// BatchSize caps claimed deliveries per tick (default 100).
	BatchSize int `json:"batch_size,omitempty"`
}

type BudgetConfig struct {
	// ApplyAt is the daily HH:MM (scheduler timezone) at which next-day
	// budgets are pushed to the platform (default "23:59").
	ApplyAt string `json:"apply_at,omitempty"`
}

// RetryConfig tunes the rate-limit-aware caller for platform API requests.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	Base        string `json:"base,omitempty"`         // default "2s"
	MaxDelay    string `json:"max_delay,omitempty"`    // default "30s"
	Timeout     string `json:"timeout,omitempty"`      // per-call, default "30s"
	Concurrency int    `json:"concurrency,omitempty"`  // default 4
}

type AvitoConfig struct {
	BaseURL  string `json:"base_url,omitempty"`  // default https://api.avito.ru
	TokenURL string `json:"token_url,omitempty"` // default <base>/token
	// MaxItems caps active-listing enumeration per tenant (default 500).
	MaxItems int `json:"max_items,omitempty"`
}

type LLMConfig struct {
	// BaseURL points at an OpenAI-compatible API (default https://api.openai.com/v1).
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`
}
