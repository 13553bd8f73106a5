package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
)

const (
	slowRate = 0.85
	fastRate = 0.98
)

// BatchDispatcher sends a job list in concurrent chunks of BatchSize and
// paces chunks with an interval that backs off when delivery degrades.
type BatchDispatcher struct {
	Sender           *RetryingSender
	ProgressInterval time.Duration

	ledger
}

func (d *BatchDispatcher) Run(ctx context.Context, run *RunContext, jobs []models.Job, p models.ImmediatePolicy) (sum Summary) {
	sum = Summary{RunID: run.ID, Mode: models.ModeImmediate, Total: len(jobs)}
	persist := context.WithoutCancel(ctx)

	stats, err := d.store.LoadStats(ctx)
	if err != nil {
		d.log.log.Error("failed to load stats", zap.Error(err))
	}

	stopProgress := startProgress(d.ProgressInterval, func() {
		processed, ok, failed := run.Progress()
		if processed == 0 || len(jobs) == 0 {
			return
		}
		d.log.Info(fmt.Sprintf("progress %d%% (%d sent, %d failed)", processed*100/len(jobs), ok, failed))
	})

	defer func() {
		if r := recover(); r != nil {
			sum.Err = fmt.Errorf("batch dispatch panic: %v", r)
			d.log.Error(sum.Err.Error())
		}

		stopProgress()
		d.saveStats(persist, stats)

		_, sum.Sent, sum.Failed = run.Progress()
		sum.Cancelled = run.Cancelled()
		sum.Elapsed = d.clock.Now().Sub(run.Started)

		d.log.Info(fmt.Sprintf("done: %d sent, %d failed of %d in %s", sum.Sent, sum.Failed, sum.Total, sum.Elapsed.Round(time.Second)),
			zap.String("run_id", run.ID),
			zap.Bool("cancelled", sum.Cancelled),
		)
		if !sum.Cancelled {
			d.notifier.Notify(notify.EventComplete, sum)
		}
	}()

	chunks := chunk(jobs, p.BatchSize)
	interval := p.MinBatchInterval
	metrics.BatchInterval.Set(interval.Seconds())

	d.log.Info(fmt.Sprintf("sending %d emails in %d batches of %d", len(jobs), len(chunks), p.BatchSize),
		zap.String("run_id", run.ID),
		zap.Duration("min_interval", p.MinBatchInterval),
	)

	for n, c := range chunks {
		if run.Cancelled() {
			d.log.Warn("sending stopped", zap.Int("batch", n+1))
			return sum
		}

		errs := sendChunk(ctx, d.Sender, c)

		ok := 0
		for i, job := range c {
			d.settle(persist, run, &stats, job, errs[i])
			if errs[i] == nil {
				ok++
			}
		}
		d.saveStats(persist, stats)
		sum.Batches = append(sum.Batches, len(c))

		processed, succeeded, failed := run.Progress()
		metrics.JobsRemaining.Set(float64(len(jobs) - processed))
		d.log.Info(fmt.Sprintf("batch %d/%d: %d/%d sent (total failed %d)", n+1, len(chunks), ok, len(c), failed))

		rate := float64(succeeded) / float64(processed)
		next := adjustInterval(interval, p.MinBatchInterval, rate)
		if next > interval {
			d.log.Warn(fmt.Sprintf("success rate %.0f%%, slowing batch interval to %s", rate*100, next),
				zap.Duration("previous", interval),
			)
		}
		interval = next
		metrics.BatchInterval.Set(interval.Seconds())

		if n == len(chunks)-1 || run.Cancelled() {
			continue
		}
		if err := d.clock.Sleep(run.waits, interval); err != nil && !run.Cancelled() {
			return sum
		}
	}

	return sum
}

// sendChunk delivers every job of c concurrently. A failure or panic in one
// job never affects its siblings.
func sendChunk(ctx context.Context, s *RetryingSender, c []models.Job) []error {
	errs := make([]error, len(c))

	var wg sync.WaitGroup
	for i, job := range c {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("send panic: %v", r)
				}
			}()
			errs[i] = s.Send(ctx, job)
		}()
	}
	wg.Wait()

	return errs
}

func chunk(jobs []models.Job, size int) [][]models.Job {
	if size <= 0 {
		size = 1
	}
	out := make([][]models.Job, 0, (len(jobs)+size-1)/size)
	for start := 0; start < len(jobs); start += size {
		out = append(out, jobs[start:min(start+size, len(jobs))])
	}
	return out
}

// adjustInterval takes the run's cumulative success rate. It slows down by
// half again (capped at three times the minimum) below 85% and snaps back to
// the minimum once the run is practically clean.
func adjustInterval(cur, minInterval time.Duration, rate float64) time.Duration {
	switch {
	case rate < slowRate:
		return min(time.Duration(float64(cur)*1.5), 3*minInterval)
	case rate > fastRate && cur > minInterval:
		return minInterval
	}
	return cur
}
