package config

import (
	"reflect"
	"strings"

	"autobot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields safe to print. Tokens are only reported as set or unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
		fields = append(fields, logx.String("bridge.base_url", newCfg.Bridge.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		fields = append(fields,
			logx.String("dispatch.delay", d.DelayBetweenMessages),
			logx.Int("dispatch.max_per_minute", d.MaxMessagesPerMinute),
			logx.Int("dispatch.max_retries", d.MaxRetries),
			logx.String("dispatch.cooldown", d.CooldownPeriod),
		)
		if d.AllowedHours.Start != nil && d.AllowedHours.End != nil {
			fields = append(fields,
				logx.Int("dispatch.hours_start", *d.AllowedHours.Start),
				logx.Int("dispatch.hours_end", *d.AllowedHours.End),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.AI, newCfg.AI) {
		changed = append(changed, "ai")
		fields = append(fields, logx.String("ai.model", newCfg.AI.Model))
	}
	if !reflect.DeepEqual(oldCfg.AutoReply, newCfg.AutoReply) {
		changed = append(changed, "auto_reply")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
	}
	return changed, fields
}
