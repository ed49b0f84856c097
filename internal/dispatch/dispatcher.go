// Package dispatch delivers templated messages to contact groups through a
// throttled, serialized pipeline.
//
// Every send, immediate or scheduled, runs on a single worker. Before each
// message the Gate decides whether it may go out now, must wait, or is
// blocked. Failures are counted per address in the Ledger; an address that
// reaches the retry limit is skipped until its cooldown elapses.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autobot/internal/contacts"
	"autobot/internal/eventbus"
	"autobot/internal/storage"
	"autobot/pkg/logx"
)

// Transport hands one message to the messaging backend.
type Transport interface {
	Deliver(ctx context.Context, address, text string) error
}

// ContactSource resolves a group name to its members, in group order.
type ContactSource interface {
	ListContactsByGroup(ctx context.Context, group string) ([]contacts.Contact, error)
}

// BroadcastStore persists scheduled broadcasts. Nil keeps them in memory.
type BroadcastStore interface {
	ListBroadcasts(ctx context.Context) ([]storage.BroadcastRecord, error)
	PutBroadcast(ctx context.Context, b storage.BroadcastRecord) error
	DeleteBroadcast(ctx context.Context, id string) error
}

type Config struct {
	Settings Settings
	Address  AddressFormat

	QueueSize int

	// fired and cancelled broadcasts kept for listing
	HistoryMax int
	HistoryTTL time.Duration
}

const (
	defaultQueueSize  = 16
	defaultHistoryMax = 200
	defaultHistoryTTL = 7 * 24 * time.Hour
)

type Deps struct {
	Contacts   ContactSource
	Transport  Transport
	Clock      Clock
	Log        logx.Logger
	Bus        eventbus.Bus
	Broadcasts BroadcastStore
	Retries    RetryStore
}

type Dispatcher struct {
	clock     Clock
	log       logx.Logger
	bus       eventbus.Bus
	source    ContactSource
	transport Transport
	store     BroadcastStore

	gate   *Gate
	ledger *Ledger
	queue  chan job

	mu         sync.Mutex
	addr       AddressFormat
	historyMax int
	historyTTL time.Duration
	broadcasts map[string]*entry

	running    bool
	runCtx     context.Context
	runCancel  context.CancelFunc
	workerDone chan struct{}
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Address == (AddressFormat{}) {
		cfg.Address = DefaultAddressFormat()
	}
	log := deps.Log.With(logx.String("comp", "dispatch"))
	ledger := NewLedger(cfg.Settings.withDefaults().CooldownPeriod, deps.Retries, deps.Log)

	d := &Dispatcher{
		clock:      deps.Clock,
		log:        log,
		bus:        deps.Bus,
		source:     deps.Contacts,
		transport:  deps.Transport,
		store:      deps.Broadcasts,
		gate:       NewGate(cfg.Settings, ledger),
		ledger:     ledger,
		queue:      make(chan job, cfg.QueueSize),
		broadcasts: map[string]*entry{},
	}
	d.applyLocked(cfg)
	return d
}

// Start loads the retry ledger and persisted broadcasts, re-arms pending
// ones and starts the worker. Broadcasts whose time passed while the
// process was down fire right away. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running {
		return nil
	}

	if err := d.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load retry ledger: %w", err)
	}
	if err := d.restore(ctx); err != nil {
		return fmt.Errorf("restore broadcasts: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.workerDone = make(chan struct{})
	d.running = true
	go d.worker(d.runCtx, d.workerDone)

	now := d.clock.Now()
	armed := 0
	for _, e := range d.broadcasts {
		if e.Status == StatusScheduled && e.timer == nil {
			d.armLocked(e, now)
			armed++
		}
	}
	d.log.Info("dispatcher started", logx.Int("pending", armed), logx.Int("retry_records", d.ledger.Len()))
	return nil
}

// Stop halts the worker. Pending broadcasts stay scheduled and are re-armed
// by the next Start. A batch in progress is aborted; its remaining contacts
// are reported failed.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	for _, e := range d.broadcasts {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	cancel, done := d.runCancel, d.workerDone
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToGroup sends template to every contact of group. With at == nil the
// call blocks until the batch has run and returns its report. Otherwise the
// broadcast is registered for at, which must be in the future, and the call
// returns immediately.
//
// Cancelling ctx abandons a batch that is still queued. A batch that has
// started runs to the end even if the caller stops waiting for it.
func (d *Dispatcher) SendToGroup(ctx context.Context, group, template string, at *time.Time) (Result, error) {
	if strings.TrimSpace(template) == "" {
		return Result{}, fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	now := d.clock.Now()
	if at != nil {
		if !at.After(now) {
			return Result{}, fmt.Errorf("%w: %s is not after %s", ErrInvalidSchedule,
				at.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		b := d.schedule(group, template, *at, now)
		return Result{BroadcastID: b.ID, Scheduled: true, ScheduledAt: b.ScheduledAt}, nil
	}

	j := job{
		ctx:      ctx,
		id:       uuid.NewString(),
		group:    group,
		template: template,
		done:     make(chan jobResult, 1),
	}
	if err := d.enqueue(j); err != nil {
		return Result{}, err
	}
	select {
	case r := <-j.done:
		if r.err != nil {
			return Result{}, r.err
		}
		return Result{BroadcastID: j.id, Report: &r.report}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) Settings() Settings { return d.gate.Settings() }

func (d *Dispatcher) AddressFormat() AddressFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Apply hot-swaps the throttling settings and history bounds. The queue size
// is fixed at construction.
func (d *Dispatcher) Apply(cfg Config) {
	d.gate.Apply(cfg.Settings)
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
	s := d.gate.Settings()
	d.log.Info("dispatch settings applied",
		logx.Duration("delay", s.DelayBetweenMessages),
		logx.Int("max_per_minute", s.MaxMessagesPerMinute),
		logx.String("hours", s.AllowedHours.String()),
		logx.Int("max_retries", s.MaxRetries),
		logx.Duration("cooldown", s.CooldownPeriod),
	)
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Address != (AddressFormat{}) {
		d.addr = cfg.Address
	}
	d.historyMax = cfg.HistoryMax
	if d.historyMax <= 0 {
		d.historyMax = defaultHistoryMax
	}
	d.historyTTL = cfg.HistoryTTL
	if d.historyTTL <= 0 {
		d.historyTTL = defaultHistoryTTL
	}
}

// RetryState exposes the live ledger record of an address, normalized first.
func (d *Dispatcher) RetryState(address string) (RetryState, bool) {
	addr, err := d.AddressFormat().Normalize(address)
	if err != nil {
		return RetryState{}, false
	}
	return d.ledger.State(addr, d.clock.Now())
}

// PruneRetries drops inert ledger records.
func (d *Dispatcher) PruneRetries() int { return d.ledger.Prune(d.clock.Now()) }

func (d *Dispatcher) publish(topic string, data any) {
	d.bus.Publish(eventbus.Event{Type: topic, Time: d.clock.Now(), Data: data})
}
