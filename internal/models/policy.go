package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeScheduled Mode = "scheduled"
)

const (
	MaxBatchSize      = 10
	DefaultBatchSize  = 5
	DefaultDailyLimit = 300
	DefaultMaxRetries = 3
)

var ErrInvalidPolicy = errors.New("invalid dispatch policy")

var validate = validator.New()

// Policy is either an ImmediatePolicy or a ScheduledPolicy.
type Policy interface {
	Mode() Mode
	SendLimits() Limits
}

type Limits struct {
	RatePerSecond int `json:"rate_per_second" validate:"min=1"`
	MaxRetries    int `json:"max_retries" validate:"min=0,max=10"`
}

// ImmediatePolicy sends the job list in concurrent batches.
type ImmediatePolicy struct {
	Limits
	BatchSize        int           `json:"batch_size" validate:"min=1,max=10"`
	MinBatchInterval time.Duration `json:"min_batch_interval" validate:"min=0"`
}

func (ImmediatePolicy) Mode() Mode           { return ModeImmediate }
func (p ImmediatePolicy) SendLimits() Limits { return p.Limits }

// ScheduledPolicy spreads the job list evenly over [StartTime, EndTime].
type ScheduledPolicy struct {
	Limits
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time" validate:"gtfield=StartTime"`
	DailyLimit    int            `json:"daily_limit" validate:"min=1"`
	BusinessHours BusinessHours  `json:"business_hours"`
	Location      *time.Location `json:"-" validate:"required"`
}

func (ScheduledPolicy) Mode() Mode           { return ModeScheduled }
func (p ScheduledPolicy) SendLimits() Limits { return p.Limits }

// JobInterval is the gap between two job starts: the window split evenly
// across jobCount, floored to the millisecond. Without a valid window it
// falls back to one second.
func (p ScheduledPolicy) JobInterval(jobCount int) time.Duration {
	if jobCount <= 0 || !p.EndTime.After(p.StartTime) {
		return time.Second
	}
	ms := p.EndTime.Sub(p.StartTime).Milliseconds() / int64(jobCount)
	return time.Duration(ms) * time.Millisecond
}

// BusinessHours is the [StartHour, EndHour) window in which scheduled sends
// are allowed.
type BusinessHours struct {
	StartHour int `json:"start_hour" validate:"min=0,max=23"`
	EndHour   int `json:"end_hour" validate:"min=1,max=24,gtfield=StartHour"`
}

func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 18}
}

func (h BusinessHours) Contains(t time.Time) bool {
	hour := t.Hour()
	return hour >= h.StartHour && hour < h.EndHour
}

// NextStart returns the first window start strictly after t, in t's location.
func (h BusinessHours) NextStart(t time.Time) time.Time {
	start := time.Date(t.Year(), t.Month(), t.Day(), h.StartHour, 0, 0, 0, t.Location())
	if t.Before(start) {
		return start
	}
	return start.AddDate(0, 0, 1)
}

// NextDayStart returns the window start of the calendar day after t.
func (h BusinessHours) NextDayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, h.StartHour, 0, 0, 0, t.Location())
}

func ValidatePolicy(p Policy) error {
	if p == nil {
		return fmt.Errorf("%w: missing policy", ErrInvalidPolicy)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, err)
	}
	return nil
}

// Settings are the caller-owned send settings persisted between runs.
type Settings struct {
	BatchSize         int     `json:"batch_size" validate:"min=0,max=10"`
	TimeIntervalHours float64 `json:"time_interval_hours" validate:"min=0"`
	DailyLimit        int     `json:"daily_limit" validate:"min=0"`
	FromEmail         string  `json:"from_email" validate:"omitempty,email"`
}

func (s Settings) Validate() error {
	return validate.Struct(s)
}

// Schedule is the optional send window supplied with a run.
type Schedule struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

type PolicyDefaults struct {
	MaxRetries    int
	BusinessHours BusinessHours
	Location      *time.Location
}

// BuildPolicy derives the dispatch policy of a run from persisted settings and
// the requested window. A window whose end lies after its (clamped) start
// selects scheduled mode; anything else is an immediate send.
func BuildPolicy(s Settings, sch Schedule, jobCount int, now time.Time, d PolicyDefaults) Policy {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(max(1, batchSize), MaxBatchSize)

	hours := s.TimeIntervalHours
	if hours <= 0 {
		hours = 1
	}
	minInterval := max(time.Second, time.Duration(hours*float64(time.Hour))/time.Duration(batchSize))

	start := now
	if sch.StartTime != nil && sch.StartTime.After(now) {
		start = *sch.StartTime
	}

	if sch.EndTime != nil && sch.EndTime.After(start) {
		dailyLimit := s.DailyLimit
		if dailyLimit <= 0 {
			dailyLimit = DefaultDailyLimit
		}

		p := ScheduledPolicy{
			Limits:        Limits{MaxRetries: d.MaxRetries},
			StartTime:     start,
			EndTime:       *sch.EndTime,
			DailyLimit:    dailyLimit,
			BusinessHours: d.BusinessHours,
			Location:      d.Location,
		}
		p.RatePerSecond = 1000
		if ms := p.JobInterval(jobCount).Milliseconds(); ms > 0 {
			p.RatePerSecond = max(1, int(1000/ms))
		}
		return p
	}

	return ImmediatePolicy{
		Limits:           Limits{RatePerSecond: batchSize, MaxRetries: d.MaxRetries},
		BatchSize:        batchSize,
		MinBatchInterval: minInterval,
	}
}
