package dispatch

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"autobot/internal/eventbus"
	"autobot/pkg/logx"
)

type entry struct {
	ScheduledBroadcast
	timer Timer
}

func (d *Dispatcher) schedule(group, template string, at, now time.Time) ScheduledBroadcast {
	b := ScheduledBroadcast{
		ID:          uuid.NewString(),
		Group:       group,
		Template:    template,
		ScheduledAt: at,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.mu.Lock()
	e := &entry{ScheduledBroadcast: b}
	d.broadcasts[b.ID] = e
	d.persistLocked(b)
	if d.running {
		d.armLocked(e, now)
	}
	d.mu.Unlock()

	d.log.Info("broadcast scheduled",
		logx.String("id", b.ID),
		logx.String("group", group),
		logx.Time("at", at),
	)
	d.publish(eventbus.TopicBroadcastScheduled, BroadcastEvent{ID: b.ID, Group: group, ScheduledAt: at})
	return b
}

func (d *Dispatcher) armLocked(e *entry, now time.Time) {
	id := e.ID
	e.timer = d.clock.AfterFunc(max(e.ScheduledAt.Sub(now), 0), func() { d.fire(id) })
}

// fire moves a pending broadcast to firing and queues it. A broadcast
// cancelled before the timer got here is left alone.
func (d *Dispatcher) fire(id string) {
	d.mu.Lock()
	e := d.broadcasts[id]
	if e == nil || e.Status != StatusScheduled || !d.running {
		d.mu.Unlock()
		return
	}
	e.Status = StatusFiring
	e.UpdatedAt = d.clock.Now()
	e.timer = nil
	b := e.ScheduledBroadcast
	d.persistLocked(b)
	runCtx := d.runCtx
	d.mu.Unlock()

	j := job{
		ctx:       context.Background(),
		id:        b.ID,
		group:     b.Group,
		template:  b.Template,
		scheduled: true,
	}
	select {
	case d.queue <- j:
		d.log.Debug("scheduled broadcast queued", logx.String("id", id))
	case <-runCtx.Done():
		d.revert(id)
	}
}

// revert puts a broadcast that never started back to pending.
func (d *Dispatcher) revert(id string) {
	d.mu.Lock()
	e := d.broadcasts[id]
	if e == nil || e.Status != StatusFiring {
		d.mu.Unlock()
		return
	}
	e.Status = StatusScheduled
	e.UpdatedAt = d.clock.Now()
	d.persistLocked(e.ScheduledBroadcast)
	d.mu.Unlock()
}

func (d *Dispatcher) finish(id string, rep Report, err error) {
	d.mu.Lock()
	e := d.broadcasts[id]
	if e == nil {
		d.mu.Unlock()
		return
	}
	e.Status = StatusFired
	e.UpdatedAt = d.clock.Now()
	e.Sent, e.Failed, e.Blocked = rep.Sent, rep.Failed, rep.Blocked
	d.persistLocked(e.ScheduledBroadcast)
	group := e.Group
	d.mu.Unlock()

	if err != nil {
		d.log.Error("scheduled broadcast failed", logx.String("id", id), logx.String("group", group), logx.Err(err))
	}
}

// CancelScheduled withdraws a pending broadcast.
func (d *Dispatcher) CancelScheduled(id string) error {
	d.mu.Lock()
	e := d.broadcasts[id]
	if e == nil {
		d.mu.Unlock()
		return ErrNotFound
	}
	if e.Status != StatusScheduled {
		d.mu.Unlock()
		return ErrNotPending
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.Status = StatusCancelled
	e.UpdatedAt = d.clock.Now()
	b := e.ScheduledBroadcast
	d.persistLocked(b)
	d.mu.Unlock()

	d.log.Info("broadcast cancelled", logx.String("id", id), logx.String("group", b.Group))
	d.publish(eventbus.TopicBroadcastCancelled, BroadcastEvent{ID: id, Group: b.Group, ScheduledAt: b.ScheduledAt})
	return nil
}

// Pending lists broadcasts still waiting for their time, soonest first.
func (d *Dispatcher) Pending() []ScheduledBroadcast {
	return d.list(func(b ScheduledBroadcast) bool { return b.Status == StatusScheduled })
}

// Broadcasts lists every known scheduled broadcast, soonest first.
func (d *Dispatcher) Broadcasts() []ScheduledBroadcast {
	return d.list(func(ScheduledBroadcast) bool { return true })
}

func (d *Dispatcher) Broadcast(id string) (ScheduledBroadcast, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.broadcasts[id]
	if e == nil {
		return ScheduledBroadcast{}, false
	}
	return e.ScheduledBroadcast, true
}

func (d *Dispatcher) list(keep func(ScheduledBroadcast) bool) []ScheduledBroadcast {
	d.mu.Lock()
	out := make([]ScheduledBroadcast, 0, len(d.broadcasts))
	for _, e := range d.broadcasts {
		if keep(e.ScheduledBroadcast) {
			out = append(out, e.ScheduledBroadcast)
		}
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b ScheduledBroadcast) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// PruneHistory forgets fired and cancelled broadcasts older than the
// history TTL, then trims the rest to the newest HistoryMax.
func (d *Dispatcher) PruneHistory() int {
	now := d.clock.Now()
	d.mu.Lock()
	var done []*entry
	for _, e := range d.broadcasts {
		if e.Status.terminal() {
			done = append(done, e)
		}
	}
	slices.SortFunc(done, func(a, b *entry) int { return b.UpdatedAt.Compare(a.UpdatedAt) })

	drop := 0
	for i, e := range done {
		if i < d.historyMax && now.Sub(e.UpdatedAt) <= d.historyTTL {
			continue
		}
		delete(d.broadcasts, e.ID)
		d.unpersistLocked(e.ID)
		drop++
	}
	d.mu.Unlock()
	return drop
}

// restore loads persisted broadcasts not yet known in memory. One caught
// mid-batch by a restart is closed as fired and never resent.
func (d *Dispatcher) restore(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	recs, err := d.store.ListBroadcasts(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range recs {
		if _, ok := d.broadcasts[r.ID]; ok {
			continue
		}
		b := broadcastFromRecord(r)
		if b.Status == StatusFiring {
			b.Status = StatusFired
			b.UpdatedAt = d.clock.Now()
			d.persistLocked(b)
			d.log.Warn("broadcast was interrupted by a restart; not resending",
				logx.String("id", b.ID), logx.String("group", b.Group))
		}
		d.broadcasts[b.ID] = &entry{ScheduledBroadcast: b}
	}
	return nil
}

// Store writes happen under d.mu so the persisted status never lags the
// in-memory one.
func (d *Dispatcher) persistLocked(b ScheduledBroadcast) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := d.store.PutBroadcast(ctx, b.record()); err != nil {
		d.log.Warn("persist broadcast failed", logx.String("id", b.ID), logx.Err(err))
	}
}

func (d *Dispatcher) unpersistLocked(id string) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := d.store.DeleteBroadcast(ctx, id); err != nil {
		d.log.Warn("delete broadcast record failed", logx.String("id", id), logx.Err(err))
	}
}
