package dispatch

import (
	"time"

	"autobot/internal/storage"
)

type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeBlocked OutcomeKind = "blocked"
)

// Outcome is the result for one contact of a broadcast.
type Outcome struct {
	ContactID string      `json:"contact_id"`
	Name      string      `json:"name"`
	Address   string      `json:"address,omitempty"`
	Kind      OutcomeKind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	Err       error       `json:"-"`
	At        time.Time   `json:"at"`
}

// Report summarizes one executed broadcast. Outcomes follow group order.
type Report struct {
	BroadcastID string    `json:"broadcast_id"`
	Group       string    `json:"group"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Blocked     int       `json:"blocked"`
	Outcomes    []Outcome `json:"outcomes"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func (r *Report) add(o Outcome) {
	if o.Err != nil && o.Reason == "" {
		o.Reason = o.Err.Error()
	}
	switch o.Kind {
	case OutcomeSent:
		r.Sent++
	case OutcomeBlocked:
		r.Blocked++
	default:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Result is returned by SendToGroup. Report is nil for scheduled sends.
type Result struct {
	BroadcastID string    `json:"broadcast_id"`
	Scheduled   bool      `json:"scheduled"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	Report      *Report   `json:"report,omitempty"`
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusFiring    Status = "firing"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool { return s == StatusFired || s == StatusCancelled }

// ScheduledBroadcast is a broadcast registered for a future time. Counts are
// filled in once it has fired.
type ScheduledBroadcast struct {
	ID          string    `json:"id"`
	Group       string    `json:"group"`
	Template    string    `json:"template"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Blocked     int       `json:"blocked"`
}

func (b ScheduledBroadcast) record() storage.BroadcastRecord {
	return storage.BroadcastRecord{
		ID:          b.ID,
		Group:       b.Group,
		Template:    b.Template,
		Status:      string(b.Status),
		ScheduledAt: b.ScheduledAt,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		Sent:        b.Sent,
		Failed:      b.Failed,
		Blocked:     b.Blocked,
	}
}

func broadcastFromRecord(r storage.BroadcastRecord) ScheduledBroadcast {
	return ScheduledBroadcast{
		ID:          r.ID,
		Group:       r.Group,
		Template:    r.Template,
		ScheduledAt: r.ScheduledAt,
		Status:      Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Sent:        r.Sent,
		Failed:      r.Failed,
		Blocked:     r.Blocked,
	}
}

// event payloads

type BroadcastEvent struct {
	ID          string    `json:"id"`
	Group       string    `json:"group"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	Total       int       `json:"total,omitempty"`
	Sent        int       `json:"sent,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Blocked     int       `json:"blocked,omitempty"`
}

type DeliveryEvent struct {
	BroadcastID string      `json:"broadcast_id"`
	ContactID   string      `json:"contact_id"`
	Address     string      `json:"address,omitempty"`
	Kind        OutcomeKind `json:"kind"`
	Reason      string      `json:"reason,omitempty"`
}

type RetryLimitEvent struct {
	Address  string    `json:"address"`
	Failures int       `json:"failures"`
	Until    time.Time `json:"until"`
}
