// Package dispatch runs bulk email sends: an immediate mode that fires
// concurrent batches and a scheduled mode that spreads jobs over a window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"BulkSend/internal/attachments"
	"BulkSend/internal/clock"
	"BulkSend/internal/email"
	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/ratelimit"
	"BulkSend/internal/session"
)

var (
	ErrRunActive = errors.New("a send run is already in progress")
	ErrNoJobs    = errors.New("no jobs to send")
	ErrNoSender  = errors.New("no sender address configured")
	ErrNoSession = errors.New("no saved session")
)

type Options struct {
	// From is used when the persisted settings carry no sender address.
	From             string
	MaxRetries       int
	RetryBackoff     time.Duration
	Spacing          time.Duration
	ProgressInterval time.Duration
	Location         *time.Location
	BusinessHours    models.BusinessHours
}

// Orchestrator owns the single active run.
type Orchestrator struct {
	mailer      email.Mailer
	store       *session.Store
	notifier    notify.Notifier
	attachments attachments.Source
	clock       clock.Clock
	logger      *zap.Logger
	opts        Options

	mu  sync.Mutex
	run *RunContext
}

func New(
	mailer email.Mailer,
	store *session.Store,
	notifier notify.Notifier,
	src attachments.Source,
	clk clock.Clock,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if src == nil {
		src = attachments.None{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BusinessHours == (models.BusinessHours{}) {
		opts.BusinessHours = models.DefaultBusinessHours()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Spacing <= 0 {
		opts.Spacing = ratelimit.DefaultSpacing
	}

	return &Orchestrator{
		mailer:      mailer,
		store:       store,
		notifier:    notifier,
		attachments: src,
		clock:       clk,
		logger:      logger,
		opts:        opts,
	}
}

// Policy derives the dispatch policy for n jobs from the persisted settings.
func (o *Orchestrator) Policy(ctx context.Context, sch models.Schedule, n int) (models.Policy, models.Settings, error) {
	settings, err := o.store.LoadSettings(ctx)
	if err != nil {
		return nil, settings, fmt.Errorf("load settings: %w", err)
	}

	p := models.BuildPolicy(settings, sch, n, o.clock.Now(), models.PolicyDefaults{
		MaxRetries:    o.opts.MaxRetries,
		BusinessHours: o.opts.BusinessHours,
		Location:      o.opts.Location,
	})
	return p, settings, nil
}

// Launch validates the request, registers the run and sends in the
// background. It fails only when the run cannot start.
func (o *Orchestrator) Launch(ctx context.Context, jobs []models.Job, sch models.Schedule) (*RunContext, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	p, settings, err := o.Policy(ctx, sch, len(jobs))
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePolicy(p); err != nil {
		return nil, err
	}

	from := settings.FromEmail
	if from == "" {
		from = o.opts.From
	}
	if from == "" {
		return nil, ErrNoSender
	}

	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	limiter := ratelimit.New(p.SendLimits().RatePerSecond,
		ratelimit.WithSpacing(o.opts.Spacing),
		ratelimit.WithClock(o.clock),
	)
	run := newRunContext(ulid.Make().String(), p.Mode(), from, len(jobs), o.clock.Now(), limiter)
	o.run = run
	o.mu.Unlock()

	metrics.RunActive.Set(1)
	metrics.JobsRemaining.Set(float64(len(jobs)))

	go o.execute(context.WithoutCancel(ctx), run, jobs, p)

	return run, nil
}

// Start runs a send to completion.
func (o *Orchestrator) Start(ctx context.Context, jobs []models.Job, sch models.Schedule) (Summary, error) {
	run, err := o.Launch(ctx, jobs, sch)
	if err != nil {
		return Summary{}, err
	}
	<-run.Done()
	return run.Summary(), nil
}

// Resume starts a run with the jobs of the saved session and clears it.
func (o *Orchestrator) Resume(ctx context.Context, sch models.Schedule) (*RunContext, error) {
	state, err := o.store.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if state == nil || len(state.RemainingJobs) == 0 {
		return nil, ErrNoSession
	}
	if o.Active() != nil {
		return nil, ErrRunActive
	}

	if err := o.store.ClearSession(ctx); err != nil {
		return nil, fmt.Errorf("clear session: %w", err)
	}

	o.logger.Info("resuming saved session",
		zap.Int("remaining", len(state.RemainingJobs)),
		zap.Int("total_original", state.TotalOriginal),
		zap.Time("saved_at", state.SavedAt),
	)

	run, err := o.Launch(ctx, state.RemainingJobs, sch)
	if err != nil {
		if serr := o.store.SaveSession(ctx, state.RemainingJobs, state.TotalOriginal); serr != nil {
			o.logger.Error("failed to restore session", zap.Error(serr))
		}
		return nil, err
	}
	return run, nil
}

// Stop requests cancellation of the active run. Without a run it does
// nothing and reports false.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()

	if run == nil || run.Cancelled() {
		return false
	}
	run.stop()
	runLog{log: o.logger, notifier: o.notifier}.Warn("stop requested", zap.String("run_id", run.ID))
	return true
}

// Active returns the running run or nil.
func (o *Orchestrator) Active() *RunContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func (o *Orchestrator) execute(ctx context.Context, run *RunContext, jobs []models.Job, p models.Policy) {
	log := runLog{
		log:      o.logger.With(zap.String("run_id", run.ID), zap.String("mode", string(run.Mode))),
		notifier: o.notifier,
	}

	var sum Summary
	defer func() {
		if r := recover(); r != nil {
			sum = Summary{RunID: run.ID, Mode: run.Mode, Total: run.Total, Err: fmt.Errorf("run panic: %v", r)}
			log.Error(sum.Err.Error())
		}

		outcome := "completed"
		switch {
		case sum.Err != nil:
			outcome = "error"
		case sum.Cancelled:
			outcome = "cancelled"
		}
		metrics.Runs.WithLabelValues(string(run.Mode), outcome).Inc()
		metrics.RunActive.Set(0)
		metrics.JobsRemaining.Set(0)

		o.mu.Lock()
		o.run = nil
		o.mu.Unlock()

		run.finish(sum)
	}()

	jobs = o.prepare(ctx, run, jobs, log)

	l := ledger{
		store:      o.store,
		notifier:   o.notifier,
		clock:      o.clock,
		log:        log,
		maxRetries: p.SendLimits().MaxRetries,
	}
	sender := &RetryingSender{
		Mailer:     o.mailer,
		Limiter:    run.limiter,
		Notifier:   o.notifier,
		Clock:      o.clock,
		MaxRetries: p.SendLimits().MaxRetries,
		Backoff:    o.opts.RetryBackoff,
		From:       run.From,
		CampaignID: run.ID,
		log:        log,
	}

	switch p := p.(type) {
	case models.ImmediatePolicy:
		d := &BatchDispatcher{Sender: sender, ProgressInterval: o.opts.ProgressInterval, ledger: l}
		sum = d.Run(ctx, run, jobs, p)
	case models.ScheduledPolicy:
		d := &ScheduledDispatcher{Sender: sender, ProgressInterval: o.opts.ProgressInterval, ledger: l}
		sum = d.Run(ctx, run, jobs, p)
	default:
		sum = Summary{RunID: run.ID, Total: run.Total, Err: fmt.Errorf("%w: unknown mode %T", models.ErrInvalidPolicy, p)}
	}
}

// prepare copies jobs and merges the run's attachments into each of them.
func (o *Orchestrator) prepare(ctx context.Context, run *RunContext, jobs []models.Job, log runLog) []models.Job {
	loaded, err := o.attachments.Load(ctx, func(name string, err error) {
		log.Warn("failed to read attachment "+name, zap.Error(err))
	})
	if err != nil {
		log.Error("failed to load attachments", zap.Error(err))
	}
	run.setAttachments(loaded.Common)

	out := make([]models.Job, len(jobs))
	for i, job := range jobs {
		merged, _, dup := attachments.Merge(loaded.Common, loaded.Category, job.Category)
		if dup {
			log.log.Debug("category attachment already attached", zap.String("category", job.Category))
		}
		job.Attachments = append(merged, job.Attachments...)
		out[i] = job
	}

	if len(loaded.Common) > 0 || len(loaded.Category) > 0 {
		log.Info(fmt.Sprintf("%d common attachments, %d category attachments", len(loaded.Common), len(loaded.Category)))
	}
	return out
}
