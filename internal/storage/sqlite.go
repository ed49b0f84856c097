package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"autobot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) ListContacts(ctx context.Context) ([]ContactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone, grp, created_at FROM contacts ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		var c ContactRecord
		var created string
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Group, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutContact(ctx context.Context, c ContactRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(id, name, phone, grp, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, grp=excluded.grp`,
		c.ID, c.Name, c.Phone, c.Group, formatTime(c.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteContact(ctx context.Context, id string) error {
	return expectRow(s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id))
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, match_text, response, type, COALESCE(audio_file, ''), created_at FROM rules ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		var r RuleRecord
		var created string
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Response, &r.Type, &r.AudioFile, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutRule(ctx context.Context, r RuleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(id, match_text, response, type, audio_file, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET match_text=excluded.match_text, response=excluded.response,
		   type=excluded.type, audio_file=excluded.audio_file`,
		r.ID, r.Trigger, r.Response, r.Type, nullStr(r.AudioFile), formatTime(r.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	return expectRow(s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id))
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) ListRetries(ctx context.Context) ([]RetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, failures, last_failure FROM retries ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryRecord
	for rows.Next() {
		var r RetryRecord
		var ms int64
		if err := rows.Scan(&r.Address, &r.Failures, &ms); err != nil {
			return nil, err
		}
		r.LastFailure = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutRetry(ctx context.Context, r RetryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retries(address, failures, last_failure) VALUES(?,?,?)
		 ON CONFLICT(address) DO UPDATE SET failures=excluded.failures, last_failure=excluded.last_failure`,
		r.Address, r.Failures, r.LastFailure.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteRetry(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retries WHERE address = ?`, address)
	return err
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context) ([]BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, grp, template, status, scheduled_at, created_at, updated_at, sent, failed, blocked
		 FROM broadcasts ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastRecord
	for rows.Next() {
		var b BroadcastRecord
		var at, created, updated int64
		if err := rows.Scan(&b.ID, &b.Group, &b.Template, &b.Status, &at, &created, &updated, &b.Sent, &b.Failed, &b.Blocked); err != nil {
			return nil, err
		}
		b.ScheduledAt = time.UnixMilli(at)
		b.CreatedAt = time.UnixMilli(created)
		b.UpdatedAt = time.UnixMilli(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutBroadcast(ctx context.Context, b BroadcastRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, grp, template, status, scheduled_at, created_at, updated_at, sent, failed, blocked)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at,
		   sent=excluded.sent, failed=excluded.failed, blocked=excluded.blocked`,
		b.ID, b.Group, b.Template, b.Status, b.ScheduledAt.UnixMilli(), b.CreatedAt.UnixMilli(),
		b.UpdatedAt.UnixMilli(), b.Sent, b.Failed, b.Blocked,
	)
	return err
}

func (s *sqliteStore) DeleteBroadcast(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, fail, err, meta) VALUES(?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.Actor, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = auditKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, COALESCE(target, ''), ok, fail, COALESCE(err, ''), COALESCE(meta, '')
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&at, &e.Actor, &e.Action, &e.Target, &e.OK, &e.Fail, &e.Error, &e.MetaJSON); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
