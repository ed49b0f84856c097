package app

import (
	"fmt"
	"strings"
	"time"

	"autobot/internal/autoreply"
	"autobot/internal/config"
	"autobot/internal/dispatch"
	"autobot/internal/httpapi"
	"autobot/internal/llm"
	"autobot/internal/scheduler"
	"autobot/internal/storage"
	"autobot/internal/transport/bridge"
	"autobot/internal/transport/telegram"
	"autobot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			// the telegram sink needs the bot
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
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

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("dispatch.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	delay, err := config.ParseDurationOrDefault("dispatch.delay_between_messages", d.DelayBetweenMessages, config.DefaultDelayBetweenMessages)
	if err != nil {
		return dispatch.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("dispatch.cooldown_period", d.CooldownPeriod, config.DefaultCooldownPeriod)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := config.ParseDurationField("maintenance.broadcast_ttl", cfg.Maintenance.BroadcastTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	loc, err := loadLocation(d.Timezone)
	if err != nil {
		return dispatch.Config{}, err
	}

	hours := dispatch.HourRange{Start: config.DefaultStartHour, End: config.DefaultEndHour}
	if d.AllowedHours.Start != nil {
		hours.Start = *d.AllowedHours.Start
	}
	if d.AllowedHours.End != nil {
		hours.End = *d.AllowedHours.End
	}
	if hours.Start < 0 || hours.End > 24 || hours.Start >= hours.End {
		return dispatch.Config{}, fmt.Errorf("dispatch.allowed_hours: invalid range %s", hours)
	}

	return dispatch.Config{
		Settings: dispatch.Settings{
			DelayBetweenMessages: delay,
			MaxMessagesPerMinute: d.MaxMessagesPerMinute,
			AllowedHours:         hours,
			MaxRetries:           d.MaxRetries,
			CooldownPeriod:       cooldown,
			Location:             loc,
		},
		Address: dispatch.AddressFormat{
			CountryCode: d.CountryCode,
			Suffix:      d.AddressSuffix,
		},
		QueueSize:  d.QueueSize,
		HistoryMax: cfg.Maintenance.BroadcastHistory,
		HistoryTTL: ttl,
	}, nil
}

func mapBusiness(b config.BusinessConfig) llm.BusinessContext {
	return llm.BusinessContext{
		BusinessName:  b.Name,
		BusinessHours: b.Hours,
		MainProducts:  b.Products,
		MainServices:  b.Services,
		Pricing: llm.Pricing{
			DeliveryFee:  b.DeliveryFee,
			MinimumOrder: b.MinimumOrder,
		},
	}
}

func mapAutoReplyConfig(cfg *config.Config) autoreply.Config {
	return autoreply.Config{
		AudioDir:         cfg.AutoReply.AudioDir,
		EnabledByDefault: cfg.AI.EnabledByDefault,
		Business:         mapBusiness(cfg.AI.Business),
		RatePerMinute:    float64(cfg.AutoReply.RatePerMinute),
		Burst:            cfg.AutoReply.Burst,
	}
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	timeout, err := config.ParseDurationOrDefault("ai.timeout", cfg.AI.Timeout, 60*time.Second)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{BaseURL: cfg.AI.BaseURL, Model: cfg.AI.Model, Timeout: timeout}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	timeout, err := config.ParseDurationOrDefault("bridge.timeout", cfg.Bridge.Timeout, 30*time.Second)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{BaseURL: cfg.Bridge.BaseURL, Token: cfg.Bridge.Token, Timeout: timeout}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         h.Addr,
		Token:        h.Token,
		CORSOrigins:  h.CORSOrigins,
		RatePerSec:   h.RatePerSec,
		Burst:        h.Burst,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Dispatch.Timezone}
}

// validate rejects a config before it is committed, on boot and on reload.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := scheduler.NormalizeSpec(cfg.Maintenance.PruneSchedule); err != nil {
		return fmt.Errorf("maintenance.prune_schedule: %w", err)
	}
	return nil
}
