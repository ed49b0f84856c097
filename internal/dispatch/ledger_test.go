package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"autobot/internal/storage"
	"autobot/pkg/logx"
)

func TestLedgerCountsAndResets(t *testing.T) {
	t.Parallel()

	l := NewLedger(time.Hour, nil, logx.Nop())
	const addr = "5511900000001@c.us"

	if _, ok := l.State(addr, testStart); ok {
		t.Fatalf("State() on empty ledger reported a record")
	}
	l.RecordFailure(addr, testStart)
	st := l.RecordFailure(addr, testStart.Add(time.Minute))
	if st.Failures != 2 || !st.LastFailure.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("RecordFailure() = %+v", st)
	}

	l.RecordSuccess(addr)
	if _, ok := l.State(addr, testStart.Add(2*time.Minute)); ok {
		t.Fatalf("record survived a success")
	}
}

func TestLedgerInertRecordRestarts(t *testing.T) {
	t.Parallel()

	l := NewLedger(time.Hour, nil, logx.Nop())
	const addr = "a"
	l.RecordFailure(addr, testStart)
	l.RecordFailure(addr, testStart)

	later := testStart.Add(time.Hour)
	if _, ok := l.State(addr, later); ok {
		t.Fatalf("State() reported an inert record")
	}
	if st := l.RecordFailure(addr, later); st.Failures != 1 {
		t.Fatalf("failure after cooldown = %d, want 1", st.Failures)
	}
}

func TestLedgerPrune(t *testing.T) {
	t.Parallel()

	l := NewLedger(time.Hour, nil, logx.Nop())
	l.RecordFailure("old", testStart)
	l.RecordFailure("fresh", testStart.Add(50*time.Minute))

	if n := l.Prune(testStart.Add(time.Hour)); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	if _, ok := l.State("fresh", testStart.Add(time.Hour)); !ok {
		t.Fatalf("fresh record pruned")
	}
}

func TestLedgerPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	l := NewLedger(time.Hour, store, logx.Nop())
	l.RecordFailure("a", testStart)
	l.RecordFailure("a", testStart.Add(time.Second))
	l.RecordFailure("b", testStart)
	l.RecordSuccess("b")

	reloaded := NewLedger(time.Hour, store, logx.Nop())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	st, ok := reloaded.State("a", testStart.Add(time.Minute))
	if !ok || st.Failures != 2 {
		t.Fatalf("reloaded state = %+v, %v; want 2 failures", st, ok)
	}
	if _, ok := reloaded.State("b", testStart.Add(time.Minute)); ok {
		t.Fatalf("reset record came back after reload")
	}
}

func TestAddressNormalize(t *testing.T) {
	t.Parallel()

	f := DefaultAddressFormat()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"(11) 91234-5678", "5511912345678@c.us", false},
		{"+55 11 91234-5678", "5511912345678@c.us", false},
		{"5511912345678@c.us", "5511912345678@c.us", false},
		{"  11912345678 ", "5511912345678@c.us", false},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := f.Normalize(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Fatalf("Normalize(%q) error = %v, want ErrInvalidAddress", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("Normalize(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
		again, err := f.Normalize(got)
		if err != nil || again != got {
			t.Fatalf("Normalize is not idempotent: %q -> %q", got, again)
		}
	}
}
