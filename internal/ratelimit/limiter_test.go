package ratelimit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BulkSend/internal/clock"
	"BulkSend/internal/ratelimit"
)

func TestLimiter_Window(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	l := ratelimit.New(3, ratelimit.WithClock(clk), ratelimit.WithSpacing(0))

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	for i := 0; i < 10; i++ {
		err := l.Execute(func() error {
			mu.Lock()
			starts = append(starts, clk.Now())
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.Len(t, starts, 10)
	for i := range starts {
		inWindow := 0
		for j := i; j < len(starts); j++ {
			if starts[j].Sub(starts[i]) < time.Second {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 3, "window starting at op %d", i)
	}
}

func TestLimiter_Spacing(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	l := ratelimit.New(100, ratelimit.WithClock(clk))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Execute(func() error { return nil }))
	}

	// the spacing after the last op runs after Execute has returned
	require.Eventually(t, func() bool { return len(clk.Sleeps()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{
		ratelimit.DefaultSpacing, ratelimit.DefaultSpacing, ratelimit.DefaultSpacing,
	}, clk.Sleeps())
}

func TestLimiter_ReturnsOperationError(t *testing.T) {
	l := ratelimit.New(5, ratelimit.WithSpacing(0))

	boom := errors.New("503 service unavailable")
	err := l.Execute(func() error { return boom })
	assert.ErrorIs(t, err, boom)

	err = l.Execute(func() error { panic("bad op") })
	assert.Error(t, err)
	assert.Equal(t, 0, l.Pending())
}

func TestLimiter_ConcurrentCallers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	l := ratelimit.New(2, ratelimit.WithClock(clk), ratelimit.WithSpacing(0))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(func() error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
	assert.Equal(t, 0, l.Pending())
}

func TestLimiter_FIFOAcrossCallers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	l := ratelimit.New(100, ratelimit.WithClock(clk), ratelimit.WithSpacing(0))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		order   []int
		release = make(chan struct{})
		running = make(chan struct{})
	)
	record := func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Execute(func() error {
			record(0)
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	// the first op holds the drain loop, so each caller queues behind the last
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(func() error {
				record(i)
				return nil
			})
		}()
		require.Eventually(t, func() bool { return l.Pending() == i }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}
