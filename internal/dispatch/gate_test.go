package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"autobot/pkg/logx"
)

func newTestGate(s Settings) (*Gate, *Ledger) {
	l := NewLedger(s.CooldownPeriod, nil, logx.Nop())
	return NewGate(s, l), l
}

func TestGateAllowedHours(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		hours HourRange
		at    time.Time
		want  DecisionKind
	}{
		{"inside", HourRange{8, 20}, testStart, Allowed},
		{"start inclusive", HourRange{8, 20}, testStart.Add(-4 * time.Hour), Allowed},
		{"end exclusive", HourRange{8, 20}, testStart.Add(8 * time.Hour), Blocked},
		{"before start", HourRange{8, 20}, testStart.Add(-5 * time.Hour), Blocked},
		{"whole day", HourRange{0, 24}, testStart.Add(11*time.Hour + 59*time.Minute), Allowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.AllowedHours = tt.hours
			g, _ := newTestGate(s)
			dec := g.Admit("5511900000001@c.us", tt.at)
			if dec.Kind != tt.want {
				t.Fatalf("Admit(%s) = %v, want %v", tt.at.Format(time.Kitchen), dec.Kind, tt.want)
			}
			if tt.want == Blocked && !errors.Is(dec.Reason, ErrOutsideHours) {
				t.Fatalf("Reason = %v, want ErrOutsideHours", dec.Reason)
			}
		})
	}
}

func TestGateHoursUseLocation(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.Location = time.FixedZone("BRT", -3*3600)
	g, _ := newTestGate(s)

	// 22:00 UTC is 19:00 in BRT
	at := time.Date(2025, 3, 12, 22, 0, 0, 0, time.UTC)
	if dec := g.Admit("a", at); dec.Kind != Allowed {
		t.Fatalf("Admit() = %v, want allowed in local hours", dec.Kind)
	}
}

func TestGateSpacing(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(testSettings())
	if dec := g.Admit("a", testStart); dec.Kind != Allowed {
		t.Fatalf("first Admit() = %v", dec.Kind)
	}
	dec := g.Admit("b", testStart.Add(time.Second))
	if dec.Kind != MustWait || !dec.Until.Equal(testStart.Add(3*time.Second)) {
		t.Fatalf("second Admit() = %+v, want must_wait until +3s", dec)
	}
	if dec := g.Admit("b", testStart.Add(3*time.Second)); dec.Kind != Allowed {
		t.Fatalf("Admit() at spacing boundary = %v, want allowed", dec.Kind)
	}
}

func TestGateRollingRateCap(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.DelayBetweenMessages = 0
	s.MaxMessagesPerMinute = 3
	g, _ := newTestGate(s)

	for i := range 3 {
		at := testStart.Add(time.Duration(i) * 10 * time.Second)
		if dec := g.Admit("a", at); dec.Kind != Allowed {
			t.Fatalf("Admit #%d = %v", i, dec.Kind)
		}
	}
	dec := g.Admit("a", testStart.Add(30*time.Second))
	if dec.Kind != MustWait || !dec.Until.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("Admit() over cap = %+v, want must_wait until first send + 60s", dec)
	}
	if got := g.SentInWindow(testStart.Add(30 * time.Second)); got != 3 {
		t.Fatalf("SentInWindow() = %d, want 3", got)
	}
	if dec := g.Admit("a", testStart.Add(time.Minute)); dec.Kind != Allowed {
		t.Fatalf("Admit() after oldest left window = %v, want allowed", dec.Kind)
	}
}

func TestGateLoweredCapCountsExistingSends(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.DelayBetweenMessages = 0
	s.MaxMessagesPerMinute = 5
	g, _ := newTestGate(s)
	for i := range 4 {
		g.Admit("a", testStart.Add(time.Duration(i)*time.Second))
	}

	s.MaxMessagesPerMinute = 2
	g.Apply(s)
	dec := g.Admit("a", testStart.Add(5*time.Second))
	// the window holds sends at 0,1,2,3s; two must leave before a third fits
	if want := testStart.Add(2*time.Second + time.Minute); dec.Kind != MustWait || !dec.Until.Equal(want) {
		t.Fatalf("Admit() = %+v, want must_wait until %s", dec, want)
	}
}

func TestGateCooldown(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.DelayBetweenMessages = 0
	s.MaxRetries = 2
	s.CooldownPeriod = time.Hour
	g, l := newTestGate(s)

	const addr = "5511900000001@c.us"
	l.RecordFailure(addr, testStart)
	if dec := g.Admit(addr, testStart.Add(time.Second)); dec.Kind != Allowed {
		t.Fatalf("Admit() below retry limit = %v, want allowed", dec.Kind)
	}
	l.RecordFailure(addr, testStart.Add(2*time.Second))

	dec := g.Admit(addr, testStart.Add(30*time.Minute))
	if dec.Kind != Blocked || !errors.Is(dec.Reason, ErrCooldownActive) {
		t.Fatalf("Admit() in cooldown = %+v, want blocked by cooldown", dec)
	}
	if dec := g.Admit("5511900000002@c.us", testStart.Add(30*time.Minute)); dec.Kind != Allowed {
		t.Fatalf("other address = %v, want allowed", dec.Kind)
	}

	if dec := g.Admit(addr, testStart.Add(2*time.Second+time.Hour)); dec.Kind != Allowed {
		t.Fatalf("Admit() after cooldown = %v, want allowed", dec.Kind)
	}
	if _, ok := l.get(addr); ok {
		t.Fatalf("ledger record survived an elapsed cooldown")
	}
}

func TestGateCheckOrder(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.MaxRetries = 1
	g, l := newTestGate(s)
	l.RecordFailure("a", testStart)
	g.Admit("b", testStart)

	// spacing is evaluated before cooldown
	if dec := g.Admit("a", testStart.Add(time.Second)); dec.Kind != MustWait {
		t.Fatalf("Admit() = %v, want must_wait", dec.Kind)
	}
	// hours are evaluated before everything
	late := time.Date(2025, 3, 12, 21, 0, 0, 0, time.UTC)
	if dec := g.Admit("a", late); dec.Kind != Blocked || !errors.Is(dec.Reason, ErrOutsideHours) {
		t.Fatalf("Admit() = %+v, want outside hours", dec)
	}
}

func TestGateConcurrentAdmitsShareOneSlot(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(testSettings())
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("a", testStart).Kind == Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Fatalf("allowed = %d, want exactly 1", allowed)
	}
}

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()

	got := Settings{DelayBetweenMessages: 0}.withDefaults()
	want := DefaultSettings()
	want.DelayBetweenMessages = 0
	if got != want {
		t.Fatalf("withDefaults() = %+v, want %+v", got, want)
	}
}
