package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"BulkSend/internal/clock"
	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/session"
)

// ledger applies the outcome of one job: counters, status events, the sent
// log and the failed ledger. Persistence errors are logged and never abort
// the run.
type ledger struct {
	store      *session.Store
	notifier   notify.Notifier
	clock      clock.Clock
	log        runLog
	maxRetries int
}

func (l ledger) settle(ctx context.Context, run *RunContext, stats *models.Stats, job models.Job, err error) {
	run.record(err)

	if err == nil {
		stats.Sent++
		stats.Today++
		metrics.EmailsSent.Inc()

		l.notifier.Notify(notify.EventStatus, notify.StatusPayload{Index: job.Index, Status: string(models.StatusSent)})
		l.log.Success("sent: "+job.Email, zap.Int("index", job.Index))

		if err := l.store.AppendSent(ctx, models.SentEntry{Email: job.Email, SentDate: l.clock.Now()}); err != nil {
			l.log.log.Error("failed to append sent log", zap.String("to", job.Email), zap.Error(err))
		}
		return
	}

	stats.Failed++
	metrics.EmailFailures.Inc()

	l.notifier.Notify(notify.EventStatus, notify.StatusPayload{Index: job.Index, Status: string(models.StatusFailed)})
	l.log.Error(fmt.Sprintf("failed after %d retries: %s (%v)", l.maxRetries, job.Email, err),
		zap.Int("index", job.Index),
	)

	count, uerr := l.store.UpsertFailed(ctx, models.FailedRecord{
		Email:       job.Email,
		Subject:     job.Subject,
		Category:    job.Category,
		Content:     job.Content,
		ImageURLs:   job.ImageURLs,
		Error:       err.Error(),
		RetryCount:  l.maxRetries,
		LastAttempt: l.clock.Now(),
	})
	if uerr != nil {
		l.log.log.Error("failed to record failed email", zap.String("to", job.Email), zap.Error(uerr))
		return
	}
	l.notifier.Notify(notify.EventFailedUpdated, notify.FailedCountPayload{Count: count})
}

func (l ledger) saveStats(ctx context.Context, stats models.Stats) {
	if err := l.store.SaveStats(ctx, stats); err != nil {
		l.log.log.Error("failed to save stats", zap.Error(err))
	}
}

// reloadStats reads the persisted stats back so a date change during a wait
// resets the daily counter. Callers save first.
func (l ledger) reloadStats(ctx context.Context, stats models.Stats) models.Stats {
	fresh, err := l.store.LoadStats(ctx)
	if err != nil {
		l.log.log.Error("failed to reload stats", zap.Error(err))
		return stats
	}
	return fresh
}
