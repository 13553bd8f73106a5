// Package ratelimit serialises send operations through a single FIFO queue
// and admits at most N operation starts per rolling one-second window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"BulkSend/internal/clock"
)

const (
	DefaultSpacing = 125 * time.Millisecond
	window         = time.Second
)

type Option func(*Limiter)

// WithSpacing sets the pause taken after every operation before the next one
// is considered.
func WithSpacing(d time.Duration) Option {
	return func(l *Limiter) { l.spacing = d }
}

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clk = c }
}

// Limiter cannot be reconfigured; build a new one for a new rate.
type Limiter struct {
	max     int
	spacing time.Duration
	clk     clock.Clock

	mu         sync.Mutex
	queue      []*request
	processing bool
	starts     []time.Time
}

type request struct {
	op   func() error
	done chan error
}

func New(maxPerSecond int, opts ...Option) *Limiter {
	l := &Limiter{
		max:     max(1, maxPerSecond),
		spacing: DefaultSpacing,
		clk:     clock.Real{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) MaxPerSecond() int { return l.max }

// Execute queues op and blocks until it has run under the rate constraint,
// returning op's own error. Cancellation is not observed here: a queued
// operation always runs.
func (l *Limiter) Execute(op func() error) error {
	req := &request{op: op, done: make(chan error, 1)}

	l.mu.Lock()
	l.queue = append(l.queue, req)
	if !l.processing {
		l.processing = true
		go l.drain()
	}
	l.mu.Unlock()

	return <-req.done
}

// Pending reports how many operations are waiting to start.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Limiter) drain() {
	ctx := context.Background()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.processing = false
			l.mu.Unlock()
			return
		}

		now := l.clk.Now()
		l.prune(now)

		if len(l.starts) >= l.max {
			wait := window - now.Sub(l.starts[0])
			l.mu.Unlock()
			if wait > 0 {
				_ = l.clk.Sleep(ctx, wait)
			}
			continue
		}

		req := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.starts = append(l.starts, l.clk.Now())
		l.mu.Unlock()

		req.done <- run(req.op)

		if l.spacing > 0 {
			_ = l.clk.Sleep(ctx, l.spacing)
		}
	}
}

// prune drops start times that fell out of the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	keep := l.starts[:0]
	for _, t := range l.starts {
		if now.Sub(t) < window {
			keep = append(keep, t)
		}
	}
	l.starts = keep
}

func run(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rate limited operation panicked: %v", r)
		}
	}()
	return op()
}
