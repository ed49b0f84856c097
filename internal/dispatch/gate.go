package dispatch

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// DecisionKind is the gate verdict for a single send.
type DecisionKind int

const (
	Allowed DecisionKind = iota
	MustWait
	Blocked
)

func (k DecisionKind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case MustWait:
		return "must_wait"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Decision is the gate's answer for one send. Until is set for MustWait,
// Reason for Blocked.
type Decision struct {
	Kind   DecisionKind
	Until  time.Time
	Reason error
}

// Gate decides whether a message may be sent now.
//
// Checks run in a fixed order: allowed hours, rolling rate cap, spacing,
// then the address cooldown. An Allowed decision records the send before the
// lock is released, so two concurrent callers can never both pass the
// spacing or rate checks on the same slot.
type Gate struct {
	mu       sync.Mutex
	settings Settings
	ledger   *Ledger

	// admitted send times inside the rolling window, oldest first
	window   []time.Time
	lastSend time.Time
}

// NewGate builds a gate over ledger and pushes the cooldown into it.
func NewGate(s Settings, ledger *Ledger) *Gate {
	s = s.withDefaults()
	ledger.SetCooldown(s.CooldownPeriod)
	return &Gate{settings: s, ledger: ledger}
}

// Settings returns the settings in force.
func (g *Gate) Settings() Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}

// Apply swaps the settings. Send history is kept, so a lowered rate cap
// takes effect against the sends already in the window.
func (g *Gate) Apply(s Settings) {
	s = s.withDefaults()
	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()
	g.ledger.SetCooldown(s.CooldownPeriod)
}

// Admit decides a send to addr at now. An Allowed result is already counted.
func (g *Gate) Admit(addr string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.settings

	if !s.AllowedHours.Contains(now.In(s.Location).Hour()) {
		return Decision{Kind: Blocked, Reason: ErrOutsideHours}
	}

	g.trimLocked(now)
	if n := len(g.window); n >= s.MaxMessagesPerMinute {
		// wait for enough sends to leave the window to drop below the cap
		return Decision{Kind: MustWait, Until: g.window[n-s.MaxMessagesPerMinute].Add(rateWindow)}
	}

	if !g.lastSend.IsZero() && s.DelayBetweenMessages > 0 {
		if next := g.lastSend.Add(s.DelayBetweenMessages); now.Before(next) {
			return Decision{Kind: MustWait, Until: next}
		}
	}

	if st, ok := g.ledger.get(addr); ok && st.Failures >= s.MaxRetries {
		if now.Sub(st.LastFailure) < s.CooldownPeriod {
			return Decision{Kind: Blocked, Reason: ErrCooldownActive}
		}
		g.ledger.Reset(addr)
	}

	g.window = append(g.window, now)
	g.lastSend = now
	return Decision{Kind: Allowed}
}

// SentInWindow reports how many sends the rolling window holds at now.
func (g *Gate) SentInWindow(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trimLocked(now)
	return len(g.window)
}

func (g *Gate) trimLocked(now time.Time) {
	i := 0
	for i < len(g.window) && now.Sub(g.window[i]) >= rateWindow {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}
