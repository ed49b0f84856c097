package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autobot/internal/contacts"
	"autobot/internal/eventbus"
	"autobot/internal/msgtemplate"
	"autobot/pkg/logx"
)

type job struct {
	ctx       context.Context
	id        string
	group     string
	template  string
	scheduled bool
	done      chan jobResult // nil for scheduled broadcasts
}

type jobResult struct {
	report Report
	err    error
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrStopped
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.log.Warn("dispatch queue full; dropping request", logx.String("group", j.group))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case j := <-d.queue:
			d.exec(ctx, j)
		}
	}
}

// drain answers jobs still queued at shutdown. Scheduled ones go back to
// pending so the next Start fires them.
func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			if j.done != nil {
				j.done <- jobResult{err: ErrStopped}
			}
			if j.scheduled {
				d.revert(j.id)
			}
		default:
			return
		}
	}
}

// exec runs one job. The caller's context can abandon a job only while it
// is queued; once the batch starts only runCtx stops it.
func (d *Dispatcher) exec(runCtx context.Context, j job) {
	var (
		rep Report
		err error
	)
	if err = j.ctx.Err(); err == nil {
		rep, err = d.runDetached(runCtx, j)
	}

	if j.scheduled {
		d.finish(j.id, rep, err)
	}
	if j.done != nil {
		j.done <- jobResult{report: rep, err: err}
	}
}

func (d *Dispatcher) runDetached(runCtx context.Context, j job) (rep Report, err error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(j.ctx))
	stop := context.AfterFunc(runCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcast %s panicked: %v", j.id, r)
			d.log.Error("broadcast panic recovered", logx.String("id", j.id), logx.Any("panic", r))
		}
	}()
	return d.runBatch(ctx, j)
}

func (d *Dispatcher) runBatch(ctx context.Context, j job) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	list, err := d.source.ListContactsByGroup(ctx, j.group)
	if err != nil {
		return Report{}, fmt.Errorf("resolve group %q: %w", j.group, err)
	}

	rep := Report{
		BroadcastID: j.id,
		Group:       j.group,
		Total:       len(list),
		Outcomes:    make([]Outcome, 0, len(list)),
		StartedAt:   d.clock.Now(),
	}
	d.publish(eventbus.TopicBroadcastStarted, BroadcastEvent{ID: j.id, Group: j.group, Total: len(list)})

	for i, c := range list {
		if err := ctx.Err(); err != nil {
			for _, rest := range list[i:] {
				rep.add(Outcome{ContactID: rest.ID, Name: rest.Name, Kind: OutcomeFailed, Err: err, At: d.clock.Now()})
			}
			break
		}
		o := d.deliverOne(ctx, c, j.template)
		rep.add(o)
		d.publish(eventbus.TopicDelivery, DeliveryEvent{
			BroadcastID: j.id,
			ContactID:   o.ContactID,
			Address:     o.Address,
			Kind:        o.Kind,
			Reason:      o.Reason,
		})
	}
	rep.FinishedAt = d.clock.Now()

	fields := []logx.Field{
		logx.String("id", j.id),
		logx.String("group", j.group),
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("blocked", rep.Blocked),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if rep.Failed > 0 {
		d.log.Warn("broadcast finished with failures", fields...)
	} else {
		d.log.Info("broadcast finished", fields...)
	}
	d.publish(eventbus.TopicBroadcastFinished, BroadcastEvent{
		ID: j.id, Group: j.group, Total: rep.Total, Sent: rep.Sent, Failed: rep.Failed, Blocked: rep.Blocked,
	})
	return rep, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, c contacts.Contact, template string) Outcome {
	out := Outcome{ContactID: c.ID, Name: c.Name}
	addr, err := d.AddressFormat().Normalize(c.Phone)
	if err != nil {
		out.Kind, out.Err, out.At = OutcomeFailed, err, d.clock.Now()
		return out
	}
	out.Address = addr

	dec, err := d.admit(ctx, addr)
	if err != nil {
		out.Kind, out.Err, out.At = OutcomeFailed, err, d.clock.Now()
		return out
	}
	if dec.Kind == Blocked {
		out.Kind, out.Err, out.At = OutcomeBlocked, dec.Reason, d.clock.Now()
		d.log.Debug("delivery blocked", logx.String("address", addr), logx.Err(dec.Reason))
		return out
	}

	text := msgtemplate.Expand(template, c)
	if err := d.transport.Deliver(ctx, addr, text); err != nil {
		out.Kind, out.At = OutcomeFailed, d.clock.Now()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			out.Err = ctxErr
			return out
		}
		out.Err = &TransportError{Address: addr, Err: err}
		d.recordFailure(addr, out.At)
		return out
	}
	d.ledger.RecordSuccess(addr)
	out.Kind, out.At = OutcomeSent, d.clock.Now()
	return out
}

// admit asks the gate until it allows or blocks, sleeping through waits.
func (d *Dispatcher) admit(ctx context.Context, addr string) (Decision, error) {
	for {
		dec := d.gate.Admit(addr, d.clock.Now())
		if dec.Kind != MustWait {
			return dec, nil
		}
		if err := sleepUntil(ctx, d.clock, dec.Until); err != nil {
			return Decision{}, err
		}
	}
}

func (d *Dispatcher) recordFailure(addr string, now time.Time) {
	st := d.ledger.RecordFailure(addr, now)
	s := d.gate.Settings()
	if st.Failures != s.MaxRetries {
		return
	}
	until := st.LastFailure.Add(s.CooldownPeriod)
	d.log.Warn("address reached retry limit; blocked until cooldown ends",
		logx.String("address", addr),
		logx.Int("failures", st.Failures),
		logx.Time("until", until),
	)
	d.publish(eventbus.TopicRetryLimit, RetryLimitEvent{Address: addr, Failures: st.Failures, Until: until})
}
