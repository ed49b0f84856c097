package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"autobot/pkg/logx"
)

// fileStore keeps the state in memory and rewrites a JSON snapshot after
// every mutation.
//
// Files:
//   - <prefix>.state.json  (snapshot, replaced atomically)
//   - <prefix>.audit.jsonl (append-only JSON lines)
type fileStore struct {
	*MemoryStore

	log       logx.Logger
	statePath string

	saveMu    sync.Mutex
	auditMu   sync.Mutex
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	s := &fileStore{MemoryStore: mem, log: log, statePath: prefix + ".state.json"}

	if err := loadSnapshot(s.statePath, &mem.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", s.statePath, err)
	}
	if mem.st.Settings == nil {
		mem.st.Settings = map[string]string{}
	}

	auditPath := prefix + ".audit.jsonl"
	if err := replayAudit(auditPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit replay failed", logx.String("path", auditPath), logx.Err(err))
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func loadSnapshot(path string, out *snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayAudit(path string, mem *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		_ = mem.AppendAudit(context.Background(), e)
	}
	return sc.Err()
}

// save writes the snapshot to a temp file and renames it into place.
func (s *fileStore) save(err error) error {
	if err != nil {
		return err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.export()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) PutContact(ctx context.Context, c ContactRecord) error {
	return s.save(s.MemoryStore.PutContact(ctx, c))
}

func (s *fileStore) DeleteContact(ctx context.Context, id string) error {
	return s.save(s.MemoryStore.DeleteContact(ctx, id))
}

func (s *fileStore) PutRule(ctx context.Context, r RuleRecord) error {
	return s.save(s.MemoryStore.PutRule(ctx, r))
}

func (s *fileStore) DeleteRule(ctx context.Context, id string) error {
	return s.save(s.MemoryStore.DeleteRule(ctx, id))
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	return s.save(s.MemoryStore.PutSetting(ctx, key, value))
}

func (s *fileStore) PutRetry(ctx context.Context, r RetryRecord) error {
	return s.save(s.MemoryStore.PutRetry(ctx, r))
}

func (s *fileStore) DeleteRetry(ctx context.Context, address string) error {
	return s.save(s.MemoryStore.DeleteRetry(ctx, address))
}

func (s *fileStore) PutBroadcast(ctx context.Context, b BroadcastRecord) error {
	return s.save(s.MemoryStore.PutBroadcast(ctx, b))
}

func (s *fileStore) DeleteBroadcast(ctx context.Context, id string) error {
	return s.save(s.MemoryStore.DeleteBroadcast(ctx, id))
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := s.MemoryStore.AppendAudit(ctx, e); err != nil {
		return err
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	_ = s.MemoryStore.Close()
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
