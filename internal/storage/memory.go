package storage

import (
	"context"
	"slices"
	"sync"
)

const auditKeep = 1000

// snapshot is the full persisted state. The file backend serializes it as
// is, so field names are part of the on-disk format.
type snapshot struct {
	Contacts   []ContactRecord   `json:"contacts"`
	Rules      []RuleRecord      `json:"rules"`
	Settings   map[string]string `json:"settings"`
	Retries    []RetryRecord     `json:"retries"`
	Broadcasts []BroadcastRecord `json:"broadcasts"`
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	st     snapshot
	audit  []AuditEntry
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{st: snapshot{Settings: map[string]string{}}}
}

func upsert[T any](items []T, v T, key func(T) string) []T {
	k := key(v)
	for i := range items {
		if key(items[i]) == k {
			items[i] = v
			return items
		}
	}
	return append(items, v)
}

func remove[T any](items []T, k string, key func(T) string) ([]T, bool) {
	for i := range items {
		if key(items[i]) == k {
			return slices.Delete(items, i, i+1), true
		}
	}
	return items, false
}

func contactKey(c ContactRecord) string     { return c.ID }
func ruleKey(r RuleRecord) string           { return r.ID }
func retryKey(r RetryRecord) string         { return r.Address }
func broadcastKey(b BroadcastRecord) string { return b.ID }

func (s *MemoryStore) ListContacts(ctx context.Context) ([]ContactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.st.Contacts), nil
}

func (s *MemoryStore) PutContact(ctx context.Context, c ContactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Contacts = upsert(s.st.Contacts, c, contactKey)
	return nil
}

func (s *MemoryStore) DeleteContact(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var ok bool
	if s.st.Contacts, ok = remove(s.st.Contacts, id, contactKey); !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.st.Rules), nil
}

func (s *MemoryStore) PutRule(ctx context.Context, r RuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Rules = upsert(s.st.Rules, r, ruleKey)
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var ok bool
	if s.st.Rules, ok = remove(s.st.Rules, id, ruleKey); !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.st.Settings[key]
	return v, ok, nil
}

func (s *MemoryStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.st.Settings == nil {
		s.st.Settings = map[string]string{}
	}
	s.st.Settings[key] = value
	return nil
}

func (s *MemoryStore) ListRetries(ctx context.Context) ([]RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.st.Retries), nil
}

func (s *MemoryStore) PutRetry(ctx context.Context, r RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Retries = upsert(s.st.Retries, r, retryKey)
	return nil
}

func (s *MemoryStore) DeleteRetry(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Retries, _ = remove(s.st.Retries, address, retryKey)
	return nil
}

func (s *MemoryStore) ListBroadcasts(ctx context.Context) ([]BroadcastRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.st.Broadcasts), nil
}

func (s *MemoryStore) PutBroadcast(ctx context.Context, b BroadcastRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Broadcasts = upsert(s.st.Broadcasts, b, broadcastKey)
	return nil
}

func (s *MemoryStore) DeleteBroadcast(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.Broadcasts, _ = remove(s.st.Broadcasts, id, broadcastKey)
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	if over := len(s.audit) - auditKeep; over > 0 {
		s.audit = slices.Delete(s.audit, 0, over)
	}
	return nil
}

// ListAudit returns up to limit entries, newest first.
func (s *MemoryStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := slices.Clone(s.audit)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// export copies the current state for serialization.
func (s *MemoryStore) export() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := snapshot{
		Contacts:   slices.Clone(s.st.Contacts),
		Rules:      slices.Clone(s.st.Rules),
		Settings:   make(map[string]string, len(s.st.Settings)),
		Retries:    slices.Clone(s.st.Retries),
		Broadcasts: slices.Clone(s.st.Broadcasts),
	}
	for k, v := range s.st.Settings {
		st.Settings[k] = v
	}
	return st
}
