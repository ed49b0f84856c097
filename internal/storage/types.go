package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": nothing survives a restart (tests, dry runs)
//   - "file": JSON snapshot plus an append-only audit log
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Store is the persistence API shared by the domain services. List methods
// return records in insertion order.
type Store interface {
	ListContacts(ctx context.Context) ([]ContactRecord, error)
	PutContact(ctx context.Context, c ContactRecord) error
	DeleteContact(ctx context.Context, id string) error

	ListRules(ctx context.Context) ([]RuleRecord, error)
	PutRule(ctx context.Context, r RuleRecord) error
	DeleteRule(ctx context.Context, id string) error

	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string) error

	ListRetries(ctx context.Context) ([]RetryRecord, error)
	PutRetry(ctx context.Context, r RetryRecord) error
	DeleteRetry(ctx context.Context, address string) error

	ListBroadcasts(ctx context.Context) ([]BroadcastRecord, error)
	PutBroadcast(ctx context.Context, b BroadcastRecord) error
	DeleteBroadcast(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

type ContactRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Group     string    `json:"group"`
	CreatedAt time.Time `json:"created_at"`
}

type RuleRecord struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Response  string    `json:"response"`
	Type      string    `json:"type"`
	AudioFile string    `json:"audio_file,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RetryRecord struct {
	Address     string    `json:"address"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

type BroadcastRecord struct {
	ID          string    `json:"id"`
	Group       string    `json:"group"`
	Template    string    `json:"template"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Blocked     int       `json:"blocked"`
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
