package dispatch

import (
	"context"
	"sync"
	"time"

	"autobot/internal/storage"
	"autobot/pkg/logx"
)

const persistTimeout = 5 * time.Second

// RetryState is the failure history of one address.
type RetryState struct {
	Failures    int
	LastFailure time.Time
}

// RetryStore persists the ledger. Nil keeps it in memory only.
type RetryStore interface {
	ListRetries(ctx context.Context) ([]storage.RetryRecord, error)
	PutRetry(ctx context.Context, r storage.RetryRecord) error
	DeleteRetry(ctx context.Context, address string) error
}

// Ledger counts consecutive delivery failures per normalized address.
//
// A record whose last failure is at least one cooldown old is inert: State
// ignores it and the next failure starts counting from one again.
type Ledger struct {
	mu       sync.Mutex
	records  map[string]RetryState
	cooldown time.Duration

	store RetryStore
	log   logx.Logger
}

func NewLedger(cooldown time.Duration, store RetryStore, log logx.Logger) *Ledger {
	return &Ledger{
		records:  map[string]RetryState{},
		cooldown: cooldown,
		store:    store,
		log:      log.With(logx.String("comp", "ledger")),
	}
}

// Load replaces the in-memory records with the persisted ones.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.ListRetries(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]RetryState, len(recs))
	for _, r := range recs {
		l.records[r.Address] = RetryState{Failures: r.Failures, LastFailure: r.LastFailure}
	}
	return nil
}

func (l *Ledger) SetCooldown(d time.Duration) {
	l.mu.Lock()
	l.cooldown = d
	l.mu.Unlock()
}

// State returns the live record for addr. Inert records are reported absent.
func (l *Ledger) State(addr string, now time.Time) (RetryState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.records[addr]
	if !ok || l.inertLocked(st, now) {
		return RetryState{}, false
	}
	return st, true
}

// get returns the raw record, inert or not.
func (l *Ledger) get(addr string) (RetryState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.records[addr]
	return st, ok
}

func (l *Ledger) RecordFailure(addr string, now time.Time) RetryState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.records[addr]
	if !ok || l.inertLocked(st, now) {
		st = RetryState{}
	}
	st.Failures++
	st.LastFailure = now
	l.records[addr] = st
	l.putLocked(addr, st)
	return st
}

func (l *Ledger) RecordSuccess(addr string) { l.Reset(addr) }

func (l *Ledger) Reset(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[addr]; !ok {
		return
	}
	delete(l.records, addr)
	l.deleteLocked(addr)
}

// Prune drops inert records and returns how many were removed.
func (l *Ledger) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, st := range l.records {
		if !l.inertLocked(st, now) {
			continue
		}
		delete(l.records, addr)
		l.deleteLocked(addr)
		n++
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) inertLocked(st RetryState, now time.Time) bool {
	return now.Sub(st.LastFailure) >= l.cooldown
}

func (l *Ledger) putLocked(addr string, st RetryState) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := storage.RetryRecord{Address: addr, Failures: st.Failures, LastFailure: st.LastFailure}
	if err := l.store.PutRetry(ctx, rec); err != nil {
		l.log.Warn("persist retry record failed", logx.String("address", addr), logx.Err(err))
	}
}

func (l *Ledger) deleteLocked(addr string) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := l.store.DeleteRetry(ctx, addr); err != nil {
		l.log.Warn("delete retry record failed", logx.String("address", addr), logx.Err(err))
	}
}
