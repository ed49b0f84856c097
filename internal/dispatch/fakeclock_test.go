package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autobot/internal/contacts"
)

// fakeClock runs on simulated time. After advances the clock by the full
// duration before returning, so gate waits complete instantly; AfterFunc
// callbacks fire on Advance, each in its own goroutine like time.AfterFunc.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c     *fakeClock
	at    time.Time
	f     func()
	fired bool
	dead  bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	c.Advance(0)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.fired && !t.dead && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		go f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.dead {
		return false
	}
	t.dead = true
	return true
}

type sentMessage struct {
	address string
	text    string
	at      time.Time
}

// fakeTransport records deliveries and fails addresses listed in fail.
type fakeTransport struct {
	clock Clock

	mu       sync.Mutex
	sent     []sentMessage
	fail     map[string]error
	inFlight int
	overlap  bool
}

func newFakeTransport(clock Clock) *fakeTransport {
	return &fakeTransport{clock: clock, fail: map[string]error{}}
}

func (f *fakeTransport) Deliver(ctx context.Context, address, text string) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	err := f.fail[address]
	if err == nil {
		f.sent = append(f.sent, sentMessage{address: address, text: text, at: f.clock.Now()})
	}
	f.mu.Unlock()

	// give a concurrent caller a chance to overlap
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) setFail(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, address)
		return
	}
	f.fail[address] = err
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

var errBridgeDown = errors.New("bridge down")

// noon UTC on a weekday
var testStart = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		DelayBetweenMessages: 3 * time.Second,
		MaxMessagesPerMinute: 20,
		AllowedHours:         HourRange{Start: 8, End: 20},
		MaxRetries:           3,
		CooldownPeriod:       24 * time.Hour,
		Location:             time.UTC,
	}
}

func addContacts(t *testing.T, dir *contacts.Directory, group string, phones ...string) []contacts.Contact {
	t.Helper()
	out := make([]contacts.Contact, 0, len(phones))
	for i, p := range phones {
		c, err := dir.Add(context.Background(), contacts.Contact{
			Name:  group + "-" + string(rune('A'+i)),
			Phone: p,
			Group: group,
		})
		if err != nil {
			t.Fatalf("Add(%s) error = %v", p, err)
		}
		out = append(out, c)
	}
	return out
}

// waitFor polls cond in real time; scheduled sends run on their own
// goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
