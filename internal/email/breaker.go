package email

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerMailer fails fast while the downstream provider keeps failing. An
// open breaker surfaces as a regular send error, so it is retried and counted
// like any other failure.
type BreakerMailer struct {
	next Mailer
	cb   *gobreaker.CircuitBreaker
}

var _ Mailer = (*BreakerMailer)(nil)

func NewBreaker(next Mailer, maxConsecutiveFailures uint32, openFor time.Duration, logger *zap.Logger) *BreakerMailer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mailer",
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mailer breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerMailer{next: next, cb: cb}
}

func (b *BreakerMailer) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, msg)
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	return res.(DeliveryResult), nil
}

func (b *BreakerMailer) State() gobreaker.State {
	return b.cb.State()
}
