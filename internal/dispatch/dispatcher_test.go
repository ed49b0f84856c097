package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autobot/internal/contacts"
	"autobot/internal/eventbus"
	"autobot/internal/storage"
	"autobot/pkg/logx"
)

type harness struct {
	d     *Dispatcher
	clock *fakeClock
	tr    *fakeTransport
	dir   *contacts.Directory
	store *storage.MemoryStore
	bus   eventbus.Bus
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(testStart),
		dir:   contacts.NewDirectory(nil),
		store: storage.NewMemory(),
		bus:   eventbus.New(),
	}
	h.tr = newFakeTransport(h.clock)
	h.d = New(Config{Settings: s}, Deps{
		Contacts:   h.dir,
		Transport:  h.tr,
		Clock:      h.clock,
		Log:        logx.Nop(),
		Bus:        h.bus,
		Broadcasts: h.store,
		Retries:    h.store,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.d.Stop(context.Background()) })
}

func (h *harness) send(t *testing.T, group, text string) *Report {
	t.Helper()
	res, err := h.d.SendToGroup(context.Background(), group, text, nil)
	if err != nil {
		t.Fatalf("SendToGroup(%s) error = %v", group, err)
	}
	if res.Scheduled || res.Report == nil {
		t.Fatalf("SendToGroup() = %+v, want an immediate report", res)
	}
	return res.Report
}

func TestSendToGroupDeliversInOrderWithSpacing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	members := addContacts(t, h.dir, "VIP", "11 90000-0001", "11 90000-0002", "11 90000-0003")
	addContacts(t, h.dir, "Outros", "11 90000-0009")

	rep := h.send(t, "VIP", "Olá {nome}!")
	if rep.Total != 3 || rep.Sent != 3 || rep.Failed != 0 || rep.Blocked != 0 {
		t.Fatalf("report counts = %+v", rep)
	}

	msgs := h.tr.messages()
	if len(msgs) != 3 {
		t.Fatalf("transport got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if want := "551190000000" + string(rune('1'+i)) + "@c.us"; m.address != want {
			t.Fatalf("message %d to %s, want %s", i, m.address, want)
		}
		if want := "Olá " + members[i].Name + "!"; m.text != want {
			t.Fatalf("message %d text = %q, want %q", i, m.text, want)
		}
		if rep.Outcomes[i].ContactID != members[i].ID || rep.Outcomes[i].Kind != OutcomeSent {
			t.Fatalf("outcome %d = %+v", i, rep.Outcomes[i])
		}
		if i > 0 {
			if gap := m.at.Sub(msgs[i-1].at); gap < 3*time.Second {
				t.Fatalf("gap between sends %d and %d = %s, want >= 3s", i-1, i, gap)
			}
		}
	}
}

func TestSendToGroupEmptyGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)

	rep := h.send(t, "ninguém", "oi")
	if rep.Total != 0 || len(rep.Outcomes) != 0 {
		t.Fatalf("report = %+v, want empty", rep)
	}
	if len(h.tr.messages()) != 0 {
		t.Fatalf("transport called for an empty group")
	}
}

func TestSendToGroupRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)

	if _, err := h.d.SendToGroup(context.Background(), "VIP", "  ", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SendToGroup() error = %v, want ErrInvalidRequest", err)
	}
}

func TestRateCapHoldsOverAnyMinute(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.DelayBetweenMessages = 0
	s.MaxMessagesPerMinute = 2
	h := newHarness(t, s)
	h.start(t)
	addContacts(t, h.dir, "G", "1", "2", "3", "4", "5")

	rep := h.send(t, "G", "promo")
	if rep.Sent != 5 {
		t.Fatalf("Sent = %d, want 5", rep.Sent)
	}
	msgs := h.tr.messages()
	for i := 2; i < len(msgs); i++ {
		if d := msgs[i].at.Sub(msgs[i-2].at); d < time.Minute {
			t.Fatalf("sends %d and %d only %s apart with a cap of 2/min", i-2, i, d)
		}
	}
}

func TestOutsideHoursBlocksEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.clock.Advance(10 * time.Hour) // 22:00
	h.start(t)
	addContacts(t, h.dir, "G", "1", "2")

	rep := h.send(t, "G", "oi")
	if rep.Blocked != 2 || rep.Sent != 0 {
		t.Fatalf("report = %+v, want 2 blocked", rep)
	}
	for _, o := range rep.Outcomes {
		if !errors.Is(o.Err, ErrOutsideHours) {
			t.Fatalf("outcome reason = %v, want outside hours", o.Err)
		}
	}
	if len(h.tr.messages()) != 0 {
		t.Fatalf("transport called outside allowed hours")
	}
}

func TestInvalidAddressFailsWithoutLedger(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "G", "sem número", "11 90000-0001")

	rep := h.send(t, "G", "oi")
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v, want 1 failed 1 sent", rep)
	}
	if !errors.Is(rep.Outcomes[0].Err, ErrInvalidAddress) {
		t.Fatalf("outcome err = %v, want ErrInvalidAddress", rep.Outcomes[0].Err)
	}
	if h.d.ledger.Len() != 0 {
		t.Fatalf("ledger has %d records, want 0", h.d.ledger.Len())
	}
}

func TestRetryLimitThenCooldownThenRecovery(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.MaxRetries = 2
	s.CooldownPeriod = time.Hour
	h := newHarness(t, s)
	h.start(t)
	addContacts(t, h.dir, "G", "11 90000-0001")
	const addr = "5511900000001@c.us"
	h.tr.setFail(addr, errBridgeDown)

	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	for i := range 2 {
		rep := h.send(t, "G", "oi")
		var te *TransportError
		if rep.Failed != 1 || !errors.As(rep.Outcomes[0].Err, &te) || !errors.Is(te, errBridgeDown) {
			t.Fatalf("attempt %d report = %+v", i, rep.Outcomes)
		}
	}
	if st, ok := h.d.RetryState("11 90000-0001"); !ok || st.Failures != 2 {
		t.Fatalf("RetryState() = %+v, %v; want 2 failures", st, ok)
	}

	rep := h.send(t, "G", "oi")
	if rep.Blocked != 1 || !errors.Is(rep.Outcomes[0].Err, ErrCooldownActive) {
		t.Fatalf("third attempt = %+v, want blocked by cooldown", rep.Outcomes)
	}

	limitSeen := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TopicRetryLimit {
			limitSeen = true
		}
	}
	if !limitSeen {
		t.Fatalf("no %s event published", eventbus.TopicRetryLimit)
	}

	h.tr.setFail(addr, nil)
	h.clock.Advance(time.Hour)
	rep = h.send(t, "G", "oi")
	if rep.Sent != 1 {
		t.Fatalf("after cooldown = %+v, want sent", rep.Outcomes)
	}
	if _, ok := h.d.RetryState(addr); ok {
		t.Fatalf("ledger record survived a successful send")
	}
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "A", "1", "2", "3")
	addContacts(t, h.dir, "B", "4", "5", "6")

	var wg sync.WaitGroup
	for _, g := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.d.SendToGroup(context.Background(), g, "oi", nil); err != nil {
				t.Errorf("SendToGroup(%s) error = %v", g, err)
			}
		}()
	}
	wg.Wait()

	h.tr.mu.Lock()
	overlap := h.tr.overlap
	h.tr.mu.Unlock()
	if overlap {
		t.Fatalf("two deliveries were in flight at once")
	}
	msgs := h.tr.messages()
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if gap := msgs[i].at.Sub(msgs[i-1].at); gap < 3*time.Second {
			t.Fatalf("gap %s between sends %d and %d, want >= 3s", gap, i-1, i)
		}
	}
}

func TestSendWhenStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	if _, err := h.d.SendToGroup(context.Background(), "G", "oi", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("SendToGroup() before Start error = %v, want ErrStopped", err)
	}
}

func TestCancelledCallerSendsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "G", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.d.SendToGroup(ctx, "G", "oi", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("SendToGroup() error = %v, want context.Canceled", err)
	}
	// a later send proves the worker skipped the abandoned batch
	h.send(t, "ninguém", "oi")
	if n := len(h.tr.messages()); n != 0 {
		t.Fatalf("transport got %d messages from a cancelled call", n)
	}
}

func TestScheduledBroadcastFiresWithFreshMembers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "G", "1")

	at := testStart.Add(time.Hour)
	res, err := h.d.SendToGroup(context.Background(), "G", "Bom dia {nome}", &at)
	if err != nil {
		t.Fatalf("SendToGroup(scheduled) error = %v", err)
	}
	if !res.Scheduled || res.Report != nil || !res.ScheduledAt.Equal(at) {
		t.Fatalf("result = %+v", res)
	}
	pending := h.d.Pending()
	if len(pending) != 1 || pending[0].ID != res.BroadcastID || pending[0].Status != StatusScheduled {
		t.Fatalf("Pending() = %+v", pending)
	}

	// resolved at fire time
	addContacts(t, h.dir, "G", "2")
	h.clock.Advance(time.Hour)

	waitFor(t, "broadcast to fire", func() bool {
		b, _ := h.d.Broadcast(res.BroadcastID)
		return b.Status == StatusFired
	})
	b, _ := h.d.Broadcast(res.BroadcastID)
	if b.Sent != 2 {
		t.Fatalf("fired broadcast = %+v, want 2 sent", b)
	}
	if len(h.d.Pending()) != 0 {
		t.Fatalf("Pending() not empty after firing")
	}
	recs, _ := h.store.ListBroadcasts(context.Background())
	if len(recs) != 1 || recs[0].Status != string(StatusFired) || recs[0].Sent != 2 {
		t.Fatalf("persisted = %+v", recs)
	}
	if err := h.d.CancelScheduled(res.BroadcastID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("CancelScheduled(fired) error = %v, want ErrNotPending", err)
	}
}

func TestCancelScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "G", "1")

	at := testStart.Add(30 * time.Minute)
	res, err := h.d.SendToGroup(context.Background(), "G", "oi", &at)
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}
	if err := h.d.CancelScheduled(res.BroadcastID); err != nil {
		t.Fatalf("CancelScheduled() error = %v", err)
	}
	if err := h.d.CancelScheduled(res.BroadcastID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second CancelScheduled() error = %v, want ErrNotPending", err)
	}
	if err := h.d.CancelScheduled("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CancelScheduled(unknown) error = %v, want ErrNotFound", err)
	}

	h.clock.Advance(time.Hour)
	h.send(t, "ninguém", "flush")
	if n := len(h.tr.messages()); n != 0 {
		t.Fatalf("cancelled broadcast sent %d messages", n)
	}
	if b, _ := h.d.Broadcast(res.BroadcastID); b.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", b.Status)
	}
}

func TestScheduleMustBeInFuture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)

	for _, at := range []time.Time{testStart, testStart.Add(-time.Minute)} {
		if _, err := h.d.SendToGroup(context.Background(), "G", "oi", &at); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("SendToGroup(at=%s) error = %v, want ErrInvalidSchedule", at, err)
		}
	}
	if len(h.d.Broadcasts()) != 0 {
		t.Fatalf("invalid schedule was registered")
	}
}

func TestPendingSortedBySchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)

	var ids []string
	for _, d := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		at := testStart.Add(d)
		res, err := h.d.SendToGroup(context.Background(), "G", "oi", &at)
		if err != nil {
			t.Fatalf("SendToGroup() error = %v", err)
		}
		ids = append(ids, res.BroadcastID)
	}
	p := h.d.Pending()
	if len(p) != 3 || p[0].ID != ids[1] || p[1].ID != ids[2] || p[2].ID != ids[0] {
		t.Fatalf("Pending() order wrong: %+v", p)
	}
}

func TestStartRestoresPersistedBroadcasts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	addContacts(t, h.dir, "G", "1")
	ctx := context.Background()

	due := storage.BroadcastRecord{
		ID: "due", Group: "G", Template: "atrasado", Status: string(StatusScheduled),
		ScheduledAt: testStart.Add(-time.Hour), CreatedAt: testStart.Add(-2 * time.Hour),
	}
	later := storage.BroadcastRecord{
		ID: "later", Group: "G", Template: "depois", Status: string(StatusScheduled),
		ScheduledAt: testStart.Add(time.Hour), CreatedAt: testStart.Add(-2 * time.Hour),
	}
	caught := storage.BroadcastRecord{
		ID: "caught", Group: "G", Template: "interrompido", Status: string(StatusFiring),
		ScheduledAt: testStart.Add(-3 * time.Hour), CreatedAt: testStart.Add(-4 * time.Hour),
	}
	for _, r := range []storage.BroadcastRecord{due, later, caught} {
		if err := h.store.PutBroadcast(ctx, r); err != nil {
			t.Fatalf("PutBroadcast() error = %v", err)
		}
	}

	h.start(t)
	waitFor(t, "past-due broadcast to fire", func() bool {
		b, _ := h.d.Broadcast("due")
		return b.Status == StatusFired
	})

	if b, _ := h.d.Broadcast("caught"); b.Status != StatusFired {
		t.Fatalf("interrupted broadcast status = %s, want fired", b.Status)
	}
	if b, _ := h.d.Broadcast("later"); b.Status != StatusScheduled {
		t.Fatalf("future broadcast status = %s, want scheduled", b.Status)
	}
	for _, m := range h.tr.messages() {
		if m.text == "interrompido" {
			t.Fatalf("interrupted broadcast was resent")
		}
	}
}

func TestStopKeepsPendingForNextStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.start(t)
	addContacts(t, h.dir, "G", "1")

	at := testStart.Add(time.Hour)
	res, err := h.d.SendToGroup(context.Background(), "G", "oi", &at)
	if err != nil {
		t.Fatalf("SendToGroup() error = %v", err)
	}
	if err := h.d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	h.clock.Advance(2 * time.Hour)
	if b, _ := h.d.Broadcast(res.BroadcastID); b.Status != StatusScheduled {
		t.Fatalf("status while stopped = %s, want scheduled", b.Status)
	}

	h.start(t)
	waitFor(t, "re-armed broadcast to fire", func() bool {
		b, _ := h.d.Broadcast(res.BroadcastID)
		return b.Status == StatusFired
	})
}

func TestPruneHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.d.Apply(Config{Settings: testSettings(), HistoryMax: 1, HistoryTTL: time.Hour})
	h.start(t)

	var ids []string
	for i := range 3 {
		at := testStart.Add(time.Duration(i+1) * time.Minute)
		res, err := h.d.SendToGroup(context.Background(), "G", "oi", &at)
		if err != nil {
			t.Fatalf("SendToGroup() error = %v", err)
		}
		ids = append(ids, res.BroadcastID)
	}
	for _, id := range ids[:2] {
		if err := h.d.CancelScheduled(id); err != nil {
			t.Fatalf("CancelScheduled() error = %v", err)
		}
	}

	if n := h.d.PruneHistory(); n != 1 {
		t.Fatalf("PruneHistory() = %d, want 1 over the cap", n)
	}
	if _, ok := h.d.Broadcast(ids[2]); !ok {
		t.Fatalf("pending broadcast pruned")
	}

	h.clock.Advance(2 * time.Hour)
	waitFor(t, "last broadcast to fire", func() bool {
		b, _ := h.d.Broadcast(ids[2])
		return b.Status == StatusFired
	})
	h.clock.Advance(2 * time.Hour)
	h.d.PruneHistory()
	if n := len(h.d.Broadcasts()); n != 0 {
		t.Fatalf("Broadcasts() = %d after TTL, want 0", n)
	}
	recs, _ := h.store.ListBroadcasts(context.Background())
	if len(recs) != 0 {
		t.Fatalf("store still holds %d broadcasts", len(recs))
	}
}

func TestApplySwapsSettings(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	s := testSettings()
	s.MaxMessagesPerMinute = 5
	s.AllowedHours = HourRange{Start: 0, End: 24}
	h.d.Apply(Config{Settings: s})
	if got := h.d.Settings(); got.MaxMessagesPerMinute != 5 || got.AllowedHours != (HourRange{0, 24}) {
		t.Fatalf("Settings() = %+v", got)
	}
}

// gatedTransport holds every delivery until release is closed.
type gatedTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Deliver(ctx context.Context, address, text string) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestFullQueueRejectsInsteadOfInterleaving(t *testing.T) {
	t.Parallel()
	dir := contacts.NewDirectory(nil)
	addContacts(t, dir, "G", "1")
	tr := &gatedTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := New(Config{Settings: testSettings(), QueueSize: 1}, Deps{
		Contacts:  dir,
		Transport: tr,
		Clock:     newFakeClock(testStart),
		Log:       logx.Nop(),
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	var wg sync.WaitGroup
	send := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.SendToGroup(context.Background(), "G", "oi", nil); err != nil {
				t.Errorf("SendToGroup() error = %v", err)
			}
		}()
	}
	send()
	<-tr.entered
	send()
	waitFor(t, "second batch queued", func() bool { return len(d.queue) == 1 })

	if _, err := d.SendToGroup(context.Background(), "G", "oi", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("SendToGroup() with full queue error = %v, want ErrQueueFull", err)
	}
	close(tr.release)
	wg.Wait()
}

// cancelOnFirstTransport cancels the caller's context during the first
// delivery, like an HTTP client that disconnects mid-batch.
type cancelOnFirstTransport struct {
	*fakeTransport
	once   sync.Once
	cancel context.CancelFunc
}

func (c *cancelOnFirstTransport) Deliver(ctx context.Context, address, text string) error {
	c.once.Do(c.cancel)
	return c.fakeTransport.Deliver(ctx, address, text)
}

func TestCallerCancelAfterStartFinishesBatch(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(testStart)
	dir := contacts.NewDirectory(nil)
	addContacts(t, dir, "G", "11 90000-0001", "11 90000-0002", "11 90000-0003", "11 90000-0004")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &cancelOnFirstTransport{fakeTransport: newFakeTransport(clock), cancel: cancel}
	d := New(Config{Settings: testSettings()}, Deps{
		Contacts:  dir,
		Transport: tr,
		Clock:     clock,
		Log:       logx.Nop(),
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	res, err := d.SendToGroup(ctx, "G", "oi", nil)
	switch {
	case errors.Is(err, context.Canceled):
	case err == nil:
		if res.Report == nil || res.Report.Sent != 4 {
			t.Fatalf("report = %+v, want 4 sent", res.Report)
		}
	default:
		t.Fatalf("SendToGroup() error = %v", err)
	}

	waitFor(t, "every contact attempted", func() bool { return len(tr.messages()) == 4 })
	for i, m := range tr.messages() {
		if want := "551190000000" + string(rune('1'+i)) + "@c.us"; m.address != want {
			t.Fatalf("message %d to %s, want %s", i, m.address, want)
		}
	}
}
