package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDelayBetweenMessages = 3 * time.Second
	DefaultMaxMessagesPerMinute = 20
	DefaultStartHour            = 8
	DefaultEndHour              = 20
	DefaultMaxRetries           = 3
	DefaultCooldownPeriod       = 24 * time.Hour
)

// ApplyDefaults fills every omitted field with its runtime default.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Path == "" {
		c.Logging.File.Path = "./autobot.log"
	}
	if c.Logging.File.MaxSizeMB <= 0 {
		c.Logging.File.MaxSizeMB = 50
	}
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3003"
	}
	if c.HTTP.RatePerSec <= 0 {
		c.HTTP.RatePerSec = 20
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = c.HTTP.RatePerSec * 2
	}
	if c.Bridge.BaseURL == "" {
		c.Bridge.BaseURL = "http://localhost:3000"
	}
	if c.Bridge.Timeout == "" {
		c.Bridge.Timeout = "30s"
	}

	d := &c.Dispatch
	if d.DelayBetweenMessages == "" {
		d.DelayBetweenMessages = DefaultDelayBetweenMessages.String()
	}
	if d.MaxMessagesPerMinute <= 0 {
		d.MaxMessagesPerMinute = DefaultMaxMessagesPerMinute
	}
	if d.AllowedHours.Start == nil {
		v := DefaultStartHour
		d.AllowedHours.Start = &v
	}
	if d.AllowedHours.End == nil {
		v := DefaultEndHour
		d.AllowedHours.End = &v
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.CooldownPeriod == "" {
		d.CooldownPeriod = DefaultCooldownPeriod.String()
	}
	if d.CountryCode == "" {
		d.CountryCode = "55"
	}
	if d.AddressSuffix == "" {
		d.AddressSuffix = "@c.us"
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 16
	}

	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "http://localhost:11434"
	}
	if c.AI.Model == "" {
		c.AI.Model = "mistral"
	}
	if c.AI.Timeout == "" {
		c.AI.Timeout = "60s"
	}

	if c.AutoReply.AudioDir == "" {
		c.AutoReply.AudioDir = "./audios"
	}
	if c.AutoReply.RatePerMinute <= 0 {
		c.AutoReply.RatePerMinute = 10
	}
	if c.AutoReply.Burst <= 0 {
		c.AutoReply.Burst = 3
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/autobot.db"
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "@every 10m"
	}
	if c.Maintenance.BroadcastHistory <= 0 {
		c.Maintenance.BroadcastHistory = 200
	}
	if c.Maintenance.BroadcastTTL == "" {
		c.Maintenance.BroadcastTTL = "168h"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("telegram.poll_timeout", c.Telegram.PollTimeout)
	check("http.read_timeout", c.HTTP.ReadTimeout)
	check("http.write_timeout", c.HTTP.WriteTimeout)
	check("bridge.timeout", c.Bridge.Timeout)
	check("dispatch.delay_between_messages", c.Dispatch.DelayBetweenMessages)
	check("dispatch.cooldown_period", c.Dispatch.CooldownPeriod)
	check("ai.timeout", c.AI.Timeout)
	check("storage.busy_timeout", c.Storage.BusyTimeout)
	check("maintenance.broadcast_ttl", c.Maintenance.BroadcastTTL)

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when telegram.enabled"))
	}

	h := c.Dispatch.AllowedHours
	if h.Start != nil && (*h.Start < 0 || *h.Start > 23) {
		errs = append(errs, fmt.Errorf("dispatch.allowed_hours.start: %d out of range 0-23", *h.Start))
	}
	if h.End != nil && (*h.End < 1 || *h.End > 24) {
		errs = append(errs, fmt.Errorf("dispatch.allowed_hours.end: %d out of range 1-24", *h.End))
	}
	if h.Start != nil && h.End != nil && *h.Start >= *h.End {
		errs = append(errs, fmt.Errorf("dispatch.allowed_hours: start %d must be before end %d", *h.Start, *h.End))
	}
	if tz := strings.TrimSpace(c.Dispatch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
