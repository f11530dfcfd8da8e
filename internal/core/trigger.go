package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Misfire grace windows. A fire that should have happened while the process
// was down is executed as a single coalesced catch-up run if the lateness is
// still within the trigger's grace window, and dropped otherwise.
const (
	MisfireGraceShort = time.Minute
	MisfireGraceLong  = 28 * 24 * time.Hour
)

var (
	ErrIntervalSecondsRequired = errors.New("interval trigger requires seconds > 0")
	ErrOnceRunAtRequired       = errors.New("once trigger requires a run_at timestamp")
)

// TriggerSpec is the kind-specific payload of a schedule.
//
// interval: Seconds (required, > 0), optional StartAt/EndAt bounds.
// once: RunAt (required absolute timestamp).
// Both kinds honor RunIfMissed.
type TriggerSpec struct {
	Seconds     int        `json:"seconds,omitempty"`
	StartAt     *time.Time `json:"start_at,omitempty"`
	EndAt       *time.Time `json:"end_at,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	RunIfMissed bool       `json:"run_if_missed,omitempty"`
}

// Validate checks the trigger payload against its kind.
func (t TriggerSpec) Validate(kind ScheduleKind) error {
	switch kind {
	case ScheduleKindInterval:
		if t.Seconds <= 0 {
			return ErrIntervalSecondsRequired
		}
		if t.StartAt != nil && t.EndAt != nil && !t.StartAt.Before(*t.EndAt) {
			return errors.New("interval trigger start_at must precede end_at")
		}
		return nil
	case ScheduleKindOnce:
		if t.RunAt == nil || t.RunAt.IsZero() {
			return ErrOnceRunAtRequired
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// MisfireGrace returns the lateness tolerated before a fire missed during
// downtime is dropped instead of coalesced into one catch-up run.
func (t TriggerSpec) MisfireGrace() time.Duration {
	if t.RunIfMissed {
		return MisfireGraceLong
	}
	return MisfireGraceShort
}

// CronSchedule builds the timer-engine schedule backing this spec.
func (t TriggerSpec) CronSchedule(kind ScheduleKind) (cron.Schedule, error) {
	if err := t.Validate(kind); err != nil {
		return nil, err
	}
	switch kind {
	case ScheduleKindInterval:
		return intervalSchedule{
			every: time.Duration(t.Seconds) * time.Second,
			start: t.StartAt,
			end:   t.EndAt,
		}, nil
	default:
		return onceSchedule{at: *t.RunAt}, nil
	}
}

// intervalSchedule fires every `every`, aligned to the start bound when one is
// set, and never past the end bound. A zero Next time means no further fires;
// the cron engine leaves such entries dormant.
type intervalSchedule struct {
	every time.Duration
	start *time.Time
	end   *time.Time
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	var next time.Time
	if s.start != nil && from.Before(*s.start) {
		next = *s.start
	} else if s.start != nil {
		elapsed := from.Sub(*s.start)
		steps := elapsed/s.every + 1
		next = s.start.Add(steps * s.every)
	} else {
		next = from.Add(s.every)
	}
	if s.end != nil && next.After(*s.end) {
		return time.Time{}
	}
	return next
}

// onceSchedule fires exactly once at an absolute timestamp.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(from time.Time) time.Time {
	if from.Before(s.at) {
		return s.at
	}
	return time.Time{}
}
