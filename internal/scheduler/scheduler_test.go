package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"autobot/pkg/logx"
)

func TestNormalizeSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"*/10 * * * *", "*/10 * * * *", false},
		{"@hourly", "@hourly", false},
		{"@every 10m", "@every 10m", false},
		{"10m", "@every 10m0s", false},
		{"00:10", "@every 10m0s", false},
		{"02:30", "@every 2h30m0s", false},
		{"00:00", "", true},
		{"01:75", "", true},
		{"-5m", "", true},
		{"soon", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSpec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeSpec(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("NormalizeSpec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.Add("bad", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("Add() accepted an invalid cron spec")
	}
	if err := s.Add(" ", "@hourly", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("Add() accepted an empty name")
	}
}

func TestRunNowAndJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())

	var runs atomic.Int32
	var gotDeadline atomic.Bool
	job := func(ctx context.Context) error {
		runs.Add(1)
		_, ok := ctx.Deadline()
		gotDeadline.Store(ok)
		return nil
	}
	if err := s.Add("prune", "@every 1h", time.Minute, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// replacing keeps one definition
	if err := s.Add("prune", "@every 2h", time.Minute, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Spec != "@every 2h" || jobs[0].Next.IsZero() {
		t.Fatalf("Jobs() = %+v", jobs)
	}

	if err := s.RunNow(ctx, "prune"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if runs.Load() != 1 || !gotDeadline.Load() {
		t.Fatalf("runs = %d, deadline = %v; want 1 run with a deadline", runs.Load(), gotDeadline.Load())
	}
	if err := s.RunNow(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow(unknown) error = %v, want ErrUnknownJob", err)
	}

	if !s.Remove("prune") || len(s.Jobs()) != 0 {
		t.Fatalf("Remove() left jobs behind")
	}
}

func TestScheduledJobFires(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	fired := make(chan struct{}, 1)
	// six-field spec: every second
	err := s.Add("tick", "* * * * * *", 0, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not fire")
	}
}
