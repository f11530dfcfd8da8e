package core

import (
	"errors"
	"testing"
	"time"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestTriggerValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		kind    ScheduleKind
		trigger TriggerSpec
		wantErr error
	}{
		{name: "interval ok", kind: ScheduleKindInterval, trigger: TriggerSpec{Seconds: 60}},
		{name: "interval zero seconds", kind: ScheduleKindInterval, trigger: TriggerSpec{Seconds: 0}, wantErr: ErrIntervalSecondsRequired},
		{name: "interval negative seconds", kind: ScheduleKindInterval, trigger: TriggerSpec{Seconds: -5}, wantErr: ErrIntervalSecondsRequired},
		{name: "interval bounded ok", kind: ScheduleKindInterval, trigger: TriggerSpec{Seconds: 60, StartAt: timePtr(now), EndAt: timePtr(now.Add(time.Hour))}},
		{name: "once ok", kind: ScheduleKindOnce, trigger: TriggerSpec{RunAt: timePtr(now)}},
		{name: "once missing run_at", kind: ScheduleKindOnce, trigger: TriggerSpec{}, wantErr: ErrOnceRunAtRequired},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate(tt.kind)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerValidateInvertedBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := TriggerSpec{Seconds: 60, StartAt: timePtr(now.Add(time.Hour)), EndAt: timePtr(now)}
	if err := trigger.Validate(ScheduleKindInterval); err == nil {
		t.Fatal("expected error for start_at after end_at")
	}
}

func TestTriggerValidateUnknownKind(t *testing.T) {
	t.Parallel()
	if err := (TriggerSpec{Seconds: 60}).Validate(ScheduleKind("weekly")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestIntervalScheduleAlignsToStartGrid(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := TriggerSpec{Seconds: 10, StartAt: timePtr(start)}
	sched, err := trigger.CronSchedule(ScheduleKindInterval)
	if err != nil {
		t.Fatalf("CronSchedule: %v", err)
	}

	tests := []struct {
		from time.Time
		want time.Time
	}{
		{from: start.Add(-time.Minute), want: start},
		{from: start, want: start.Add(10 * time.Second)},
		{from: start.Add(25 * time.Second), want: start.Add(30 * time.Second)},
		{from: start.Add(30 * time.Second), want: start.Add(40 * time.Second)},
	}
	for _, tt := range tests {
		if got := sched.Next(tt.from); !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestIntervalScheduleStopsAtEndBound(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Second)
	trigger := TriggerSpec{Seconds: 10, StartAt: timePtr(start), EndAt: timePtr(end)}
	sched, err := trigger.CronSchedule(ScheduleKindInterval)
	if err != nil {
		t.Fatalf("CronSchedule: %v", err)
	}

	if got := sched.Next(start.Add(15 * time.Second)); !got.Equal(start.Add(20 * time.Second)) {
		t.Fatalf("Next inside bound = %v, want %v", got, start.Add(20*time.Second))
	}
	if got := sched.Next(start.Add(20 * time.Second)); !got.IsZero() {
		t.Fatalf("Next past bound = %v, want zero time", got)
	}
}

func TestIntervalScheduleWithoutStart(t *testing.T) {
	t.Parallel()
	trigger := TriggerSpec{Seconds: 30}
	sched, err := trigger.CronSchedule(ScheduleKindInterval)
	if err != nil {
		t.Fatalf("CronSchedule: %v", err)
	}
	from := time.Date(2026, 3, 1, 12, 0, 7, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(from.Add(30 * time.Second)) {
		t.Fatalf("Next = %v, want %v", got, from.Add(30*time.Second))
	}
}

func TestOnceScheduleFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, err := (TriggerSpec{RunAt: timePtr(at)}).CronSchedule(ScheduleKindOnce)
	if err != nil {
		t.Fatalf("CronSchedule: %v", err)
	}
	if got := sched.Next(at.Add(-time.Hour)); !got.Equal(at) {
		t.Fatalf("Next before = %v, want %v", got, at)
	}
	if got := sched.Next(at); !got.IsZero() {
		t.Fatalf("Next at fire time = %v, want zero time", got)
	}
}

func TestMisfireGraceSelection(t *testing.T) {
	t.Parallel()
	if got := (TriggerSpec{}).MisfireGrace(); got != MisfireGraceShort {
		t.Fatalf("default grace = %v, want %v", got, MisfireGraceShort)
	}
	if got := (TriggerSpec{RunIfMissed: true}).MisfireGrace(); got != MisfireGraceLong {
		t.Fatalf("run_if_missed grace = %v, want %v", got, MisfireGraceLong)
	}
}
