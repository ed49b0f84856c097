package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// HourRange is the local-time window [Start, End) in which sends are
// allowed. End may be 24.
type HourRange struct {
	Start int
	End   int
}

// Contains reports whether hour falls inside the window.
func (h HourRange) Contains(hour int) bool { return hour >= h.Start && hour < h.End }

func (h HourRange) String() string { return fmt.Sprintf("%02d:00-%02d:00", h.Start, h.End) }

// Settings are the throttling rules applied by the Gate.
type Settings struct {
	DelayBetweenMessages time.Duration
	MaxMessagesPerMinute int
	AllowedHours         HourRange
	MaxRetries           int
	CooldownPeriod       time.Duration
	Location             *time.Location
}

// DefaultSettings returns 3s spacing, 20 per minute, 08:00-20:00, 3 retries
// and a 24h cooldown in local time.
func DefaultSettings() Settings {
	return Settings{
		DelayBetweenMessages: 3 * time.Second,
		MaxMessagesPerMinute: 20,
		AllowedHours:         HourRange{Start: 8, End: 20},
		MaxRetries:           3,
		CooldownPeriod:       24 * time.Hour,
		Location:             time.Local,
	}
}

// withDefaults replaces unset fields. A zero delay is kept: it disables
// spacing.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.MaxMessagesPerMinute <= 0 {
		s.MaxMessagesPerMinute = def.MaxMessagesPerMinute
	}
	if s.AllowedHours == (HourRange{}) {
		s.AllowedHours = def.AllowedHours
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.CooldownPeriod <= 0 {
		s.CooldownPeriod = def.CooldownPeriod
	}
	if s.Location == nil {
		s.Location = def.Location
	}
	return s
}

// AddressFormat turns stored phone numbers into transport addresses.
type AddressFormat struct {
	CountryCode string
	Suffix      string
}

// DefaultAddressFormat prepends 55 and appends @c.us.
func DefaultAddressFormat() AddressFormat {
	return AddressFormat{CountryCode: "55", Suffix: "@c.us"}
}

// Normalize keeps only the digits of raw, prepends the country code when it
// is missing and appends the suffix. Normalizing an address twice yields the
// same address.
func (f AddressFormat) Normalize(raw string) (string, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), f.Suffix)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidAddress, raw)
	}
	if !strings.HasPrefix(digits, f.CountryCode) {
		digits = f.CountryCode + digits
	}
	return digits + f.Suffix, nil
}
