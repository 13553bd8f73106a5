package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"BulkSend/internal/clock"
	"BulkSend/internal/email"
	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/ratelimit"
)

const DefaultRetryBackoff = 2 * time.Second

// RetryingSender delivers one job, retrying failed attempts with a linear
// backoff of Backoff*(n+1). Every attempt goes through the shared limiter.
type RetryingSender struct {
	Mailer     email.Mailer
	Limiter    *ratelimit.Limiter
	Notifier   notify.Notifier
	Clock      clock.Clock
	MaxRetries int
	Backoff    time.Duration

	From       string
	CampaignID string

	log runLog
}

// Send returns nil once the job was delivered, or the last error after
// MaxRetries+1 failed attempts.
func (s *RetryingSender) Send(ctx context.Context, job models.Job) error {
	s.Notifier.Notify(notify.EventStatus, notify.StatusPayload{Index: job.Index, Status: string(models.StatusSending)})

	msg := email.Message{
		From:        s.From,
		To:          job.Email,
		Subject:     job.Subject,
		HTML:        job.Content,
		ImageURLs:   job.ImageURLs,
		Attachments: job.Attachments,
		CampaignID:  s.CampaignID,
	}

	maxRetries := max(0, s.MaxRetries)
	attempt := 0

	operation := func() error {
		attempt++
		metrics.SendAttempts.Inc()

		return s.Limiter.Execute(func() error {
			start := time.Now()
			_, err := s.Mailer.Send(ctx, msg)
			metrics.SendLatency.Observe(time.Since(start).Seconds())
			return err
		})
	}

	onRetry := func(err error, wait time.Duration) {
		metrics.SendRetries.Inc()
		s.log.Warn(fmt.Sprintf("retry %d/%d: %s", attempt, maxRetries, job.Email),
			zap.Int("index", job.Index),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: s.backoffBase()}, uint64(maxRetries)),
		ctx,
	)

	return backoff.RetryNotifyWithTimer(operation, b, onRetry, newClockTimer(s.Clock))
}

func (s *RetryingSender) backoffBase() time.Duration {
	if s.Backoff > 0 {
		return s.Backoff
	}
	return DefaultRetryBackoff
}

// linearBackOff yields base, 2*base, 3*base, ...
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// clockTimer drives backoff waits from a clock.Clock.
type clockTimer struct {
	clk    clock.Clock
	c      chan time.Time
	cancel context.CancelFunc
}

func newClockTimer(clk clock.Clock) *clockTimer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &clockTimer{clk: clk, c: make(chan time.Time, 1)}
}

func (t *clockTimer) Start(d time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		if t.clk.Sleep(ctx, d) == nil {
			select {
			case t.c <- t.clk.Now():
			default:
			}
		}
	}()
}

func (t *clockTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.c }
