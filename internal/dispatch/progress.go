package dispatch

import (
	"time"
)

const DefaultProgressInterval = 2 * time.Second

// startProgress calls fn every interval until the returned stop is called.
// stop waits for an in-flight fn to return.
func startProgress(every time.Duration, fn func()) (stop func()) {
	if every <= 0 {
		every = DefaultProgressInterval
	}

	ticker := time.NewTicker(every)
	quit := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(quit)
		<-exited
	}
}
