package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("3s", "24h"). Secrets may be left empty and supplied
// through the env vars named in the env tags.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Telegram    TelegramConfig    `json:"telegram"`
	HTTP        HTTPConfig        `json:"http"`
	Bridge      BridgeConfig      `json:"bridge"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	AI          AIConfig          `json:"ai"`
	AutoReply   AutoReplyConfig   `json:"auto_reply"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level    string             `json:"level" env:"AUTOBOT_LOG_LEVEL"`
	Console  bool               `json:"console"`
	File     LoggingFileConfig  `json:"file"`
	Telegram LoggingTelegramCfg `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

type LoggingTelegramCfg struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig drives the operator console bot.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token" env:"AUTOBOT_TELEGRAM_TOKEN"`
	PollTimeout  string  `json:"poll_timeout"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
}

type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr" env:"AUTOBOT_HTTP_ADDR"`
	Token        string   `json:"token" env:"AUTOBOT_HTTP_TOKEN"`
	CORSOrigins  []string `json:"cors_origins"`
	RatePerSec   int      `json:"rate_per_sec"`
	Burst        int      `json:"burst"`
	ReadTimeout  string   `json:"read_timeout"`
	WriteTimeout string   `json:"write_timeout"`
}

// BridgeConfig points at the WhatsApp bridge that owns the messaging session.
type BridgeConfig struct {
	BaseURL string `json:"base_url" env:"AUTOBOT_BRIDGE_URL"`
	Token   string `json:"token" env:"AUTOBOT_BRIDGE_TOKEN"`
	Timeout string `json:"timeout"`
}

// DispatchConfig holds the bulk send safety settings.
type DispatchConfig struct {
	DelayBetweenMessages string      `json:"delay_between_messages"`
	MaxMessagesPerMinute int         `json:"max_messages_per_minute"`
	AllowedHours         HoursConfig `json:"allowed_hours"`
	MaxRetries           int         `json:"max_retries"`
	CooldownPeriod       string      `json:"cooldown_period"`
	Timezone             string      `json:"timezone"`
	CountryCode          string      `json:"country_code"`
	AddressSuffix        string      `json:"address_suffix"`
	QueueSize            int         `json:"queue_size"`
}

// HoursConfig is a [start, end) hour range. Pointers keep an explicit 0
// apart from an omitted value.
type HoursConfig struct {
	Start *int `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`
}

type AIConfig struct {
	BaseURL          string         `json:"base_url" env:"AUTOBOT_AI_URL"`
	Model            string         `json:"model"`
	Timeout          string         `json:"timeout"`
	EnabledByDefault bool           `json:"enabled_by_default"`
	Business         BusinessConfig `json:"business"`
}

// BusinessConfig feeds the assistant prompt.
type BusinessConfig struct {
	Name         string   `json:"name"`
	Hours        string   `json:"hours"`
	Products     []string `json:"products"`
	Services     []string `json:"services"`
	DeliveryFee  string   `json:"delivery_fee"`
	MinimumOrder string   `json:"minimum_order"`
}

type AutoReplyConfig struct {
	AudioDir      string `json:"audio_dir"`
	RatePerMinute int    `json:"rate_per_minute"`
	Burst         int    `json:"burst"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path" env:"AUTOBOT_STORAGE_PATH"`
	BusyTimeout string `json:"busy_timeout"`
}

type MaintenanceConfig struct {
	PruneSchedule    string `json:"prune_schedule"`
	BroadcastHistory int    `json:"broadcast_history"`
	BroadcastTTL     string `json:"broadcast_ttl"`
}
