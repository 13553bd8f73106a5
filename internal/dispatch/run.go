package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"BulkSend/internal/models"
	"BulkSend/internal/ratelimit"
)

// RunContext owns the state of one dispatch run. It is created when a run
// starts and dropped when the run ends.
type RunContext struct {
	ID      string
	Mode    models.Mode
	From    string
	Total   int
	Started time.Time

	limiter *ratelimit.Limiter

	// waits cancels every dispatcher sleep once Stop is called
	waits  context.Context
	cancel context.CancelFunc

	stopped atomic.Bool

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	attachments []models.Attachment

	done    chan struct{}
	summary Summary
}

func newRunContext(id string, mode models.Mode, from string, total int, started time.Time, limiter *ratelimit.Limiter) *RunContext {
	waits, cancel := context.WithCancel(context.Background())
	return &RunContext{
		ID:      id,
		Mode:    mode,
		From:    from,
		Total:   total,
		Started: started,
		limiter: limiter,
		waits:   waits,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Cancelled reports whether Stop was requested.
func (r *RunContext) Cancelled() bool { return r.stopped.Load() }

func (r *RunContext) stop() {
	r.stopped.Store(true)
	r.cancel()

	r.mu.Lock()
	r.attachments = nil
	r.mu.Unlock()
}

func (r *RunContext) setAttachments(a []models.Attachment) {
	r.mu.Lock()
	r.attachments = a
	r.mu.Unlock()
}

// Progress returns processed, succeeded and failed job counts so far.
func (r *RunContext) Progress() (processed, succeeded, failed int) {
	return int(r.processed.Load()), int(r.succeeded.Load()), int(r.failed.Load())
}

func (r *RunContext) record(err error) {
	r.processed.Add(1)
	if err == nil {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
	}
}

// Done is closed when the run has been finalised.
func (r *RunContext) Done() <-chan struct{} { return r.done }

// Summary is only meaningful after Done is closed.
func (r *RunContext) Summary() Summary { return r.summary }

func (r *RunContext) finish(s Summary) {
	r.summary = s
	r.cancel()
	close(r.done)
}

// Summary describes a finished run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Mode      models.Mode   `json:"mode"`
	Total     int           `json:"total"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Cancelled bool          `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsed"`

	// Batches holds the chunk sizes in immediate mode.
	Batches []int `json:"batches,omitempty"`
	Err     error `json:"-"`
}
