package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
)

const statsFlushEvery = 10

// ScheduledDispatcher sends one job at a time, evenly spaced across the
// policy window, inside business hours and under the daily quota. Whenever
// it pauses or stops it saves the unsent jobs as a session.
type ScheduledDispatcher struct {
	Sender           *RetryingSender
	ProgressInterval time.Duration

	ledger
}

func (d *ScheduledDispatcher) Run(ctx context.Context, run *RunContext, jobs []models.Job, p models.ScheduledPolicy) (sum Summary) {
	sum = Summary{RunID: run.ID, Mode: models.ModeScheduled, Total: len(jobs)}
	persist := context.WithoutCancel(ctx)
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	now := func() time.Time { return d.clock.Now().In(loc) }

	stats, err := d.store.LoadStats(ctx)
	if err != nil {
		d.log.log.Error("failed to load stats", zap.Error(err))
	}

	i := 0
	completed := false

	stopProgress := startProgress(d.ProgressInterval, func() {
		processed, ok, failed := run.Progress()
		if processed == 0 {
			return
		}
		remaining := len(jobs) - processed
		d.log.Info(fmt.Sprintf("progress %d/%d (%d sent, %d failed, %d remaining)", processed, len(jobs), ok, failed, remaining))
		d.notifier.Notify(notify.EventRemaining, notify.RemainingPayload{Remaining: remaining})
	})

	defer func() {
		if r := recover(); r != nil {
			sum.Err = fmt.Errorf("scheduled dispatch panic: %v", r)
			d.log.Error(sum.Err.Error())
			d.saveSession(persist, jobs[min(i, len(jobs)):], len(jobs))
		}

		stopProgress()
		d.saveStats(persist, stats)

		if completed {
			if err := d.store.ClearSession(persist); err != nil {
				d.log.log.Error("failed to clear session", zap.Error(err))
			}
		}

		_, sum.Sent, sum.Failed = run.Progress()
		sum.Cancelled = run.Cancelled()
		sum.Elapsed = d.clock.Now().Sub(run.Started)

		d.log.Info(fmt.Sprintf("done: %d sent, %d failed of %d in %s", sum.Sent, sum.Failed, sum.Total, sum.Elapsed.Round(time.Second)),
			zap.String("run_id", run.ID),
			zap.Bool("cancelled", sum.Cancelled),
		)
		if completed && !sum.Cancelled {
			d.notifier.Notify(notify.EventComplete, sum)
		}
	}()

	if wait := p.StartTime.Sub(now()); wait > 0 {
		d.log.Info("waiting to start at "+p.StartTime.In(loc).Format(time.DateTime), zap.Duration("wait", wait))
		// a Stop ends every wait early; the loop below checks Cancelled first
		_ = d.clock.Sleep(run.waits, wait)
	}

	interval := p.JobInterval(len(jobs))
	d.log.Info(fmt.Sprintf("scheduled %d emails every %s, estimated %s", len(jobs), interval, (interval * time.Duration(len(jobs))).Round(time.Second)),
		zap.String("run_id", run.ID),
		zap.Int("daily_limit", p.DailyLimit),
	)

	for i < len(jobs) {
		if run.Cancelled() {
			d.saveSession(persist, jobs[i:], len(jobs))
			d.log.Warn(fmt.Sprintf("sending stopped, %d emails saved for later", len(jobs)-i))
			return sum
		}

		t := now()

		if !p.BusinessHours.Contains(t) {
			next := p.BusinessHours.NextStart(t)
			d.saveSession(persist, jobs[i:], len(jobs))
			d.saveStats(persist, stats)
			d.log.Warn(fmt.Sprintf("outside business hours (%02d:00-%02d:00), resuming at %s",
				p.BusinessHours.StartHour, p.BusinessHours.EndHour, next.Format(time.DateTime)))

			_ = d.clock.Sleep(run.waits, next.Sub(t))
			stats = d.reloadStats(persist, stats)
			continue
		}

		if stats.Today >= p.DailyLimit {
			next := p.BusinessHours.NextDayStart(t)
			d.saveSession(persist, jobs[i:], len(jobs))
			stats.Today = 0
			d.saveStats(persist, stats)
			d.log.Warn(fmt.Sprintf("daily limit of %d reached, resuming at %s", p.DailyLimit, next.Format(time.DateTime)))

			_ = d.clock.Sleep(run.waits, next.Sub(t))
			stats = d.reloadStats(persist, stats)
			continue
		}

		started := d.clock.Now()
		job := jobs[i]
		err := d.Sender.Send(ctx, job)
		d.settle(persist, run, &stats, job, err)
		i++

		metrics.JobsRemaining.Set(float64(len(jobs) - i))
		if i%statsFlushEvery == 0 {
			d.saveStats(persist, stats)
		}

		if i < len(jobs) {
			if wait := interval - d.clock.Now().Sub(started); wait > 0 {
				_ = d.clock.Sleep(run.waits, wait)
			}
		}
	}

	completed = true
	return sum
}

func (d *ScheduledDispatcher) saveSession(ctx context.Context, remaining []models.Job, total int) {
	if err := d.store.SaveSession(ctx, remaining, total); err != nil {
		d.log.log.Error("failed to save session", zap.Int("remaining", len(remaining)), zap.Error(err))
	}
}
