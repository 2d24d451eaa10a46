package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/metrics"
)

// Scheduler defaults.
const (
	DefaultRunHour  = 9
	DefaultDailyCap = 100
)

// Executor runs one discovery attempt. *Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, job Job, run Run, cfg SchedulerConfig) Outcome
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Location is the reference timezone for the run hour and run dates.
	Location *time.Location
	// Defaults are used until a persisted config exists.
	Defaults SchedulerConfig
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Started        bool            `json:"started"`
	TickInProgress bool            `json:"tick_in_progress"`
	LastTickAt     *time.Time      `json:"last_tick_at,omitempty"`
	ActiveRuns     []string        `json:"active_runs"`
	Config         SchedulerConfig `json:"config"`
	Timezone       string          `json:"timezone"`
}

// Scheduler decides when each job runs, enforces the daily cap, and tracks
// cancellable in-flight runs.
type Scheduler struct {
	store    Store
	executor Executor
	clock    Clock
	ids      IDGenerator
	loc      *time.Location
	defaults SchedulerConfig
	logger   *zap.Logger

	ticking atomic.Bool

	mu        sync.RWMutex
	cfg       SchedulerConfig
	cfgLoaded bool
	cron      *cron.Cron
	baseCtx   context.Context
	cancelAll context.CancelFunc
	lastTick  time.Time

	runsMu sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	store Store,
	executor Executor,
	clock Clock,
	ids IDGenerator,
	opts SchedulerOptions,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Defaults.DailyCap == 0 {
		opts.Defaults.DailyCap = DefaultDailyCap
	}
	opts.Defaults = clampConfig(opts.Defaults)
	return &Scheduler{
		store:    store,
		executor: executor,
		clock:    clock,
		ids:      ids,
		loc:      opts.Location,
		defaults: opts.Defaults,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start loads the config and begins ticking every tickInterval. Runs started
// by ticks inherit ctx.
func (s *Scheduler) Start(ctx context.Context, tickInterval time.Duration) error {
	if tickInterval <= 0 {
		return errors.Newf("tick interval must be positive, got %s", tickInterval)
	}
	if _, err := s.Config(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithLocation(s.loc))
	spec := fmt.Sprintf("@every %s", tickInterval)
	if _, err := c.AddFunc(spec, func() { s.Tick(baseCtx) }); err != nil {
		cancel()
		return errors.Wrapf(err, "register tick %q", spec)
	}
	c.Start()
	s.cron = c
	s.baseCtx = baseCtx
	s.cancelAll = cancel
	s.logger.Info("scheduler started",
		zap.String("spec", spec),
		zap.String("timezone", s.loc.String()),
		zap.Int("run_hour", s.cfg.RunHour),
		zap.Int("daily_cap", s.cfg.DailyCap),
	)
	return nil
}

// Stop halts ticking, cancels in-flight runs, and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancelAll
	s.cron = nil
	s.cancelAll = nil
	s.baseCtx = nil
	s.mu.Unlock()

	if c != nil {
		cancel()
		<-c.Stop().Done()
	}

	s.runsMu.Lock()
	for runID, cancelRun := range s.active {
		cancelRun()
		s.logger.Info("cancelled run on shutdown", zap.String("run_id", runID))
	}
	s.runsMu.Unlock()
	s.wg.Wait()
	if c != nil {
		s.logger.Info("scheduler stopped")
	}
}

// Running reports whether the scheduler is ticking.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cron != nil
}

// Tick runs one scheduling pass unless another one is still executing.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Info("previous tick still running, skipping")
		metrics.ObserveTick("overlap")
		return
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf("scheduler tick panic: %v", r)
			s.logger.Error("scheduler tick panicked", zap.String("stack", stackExcerpt(err)))
			metrics.ObserveTick("error")
		}
	}()
	if err := s.checkAndRun(ctx); err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
		metrics.ObserveTick("error")
	}
}

func (s *Scheduler) checkAndRun(ctx context.Context) error {
	cfg, err := s.Config(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if hour := HourIn(now, s.loc); hour != cfg.RunHour {
		s.logger.Debug("outside run hour", zap.Int("hour", hour), zap.Int("run_hour", cfg.RunHour))
		metrics.ObserveTick("outside_hour")
		return nil
	}
	today := DateKey(now, s.loc)
	stagedToday, err := s.store.CountStagedForDate(ctx, today)
	if err != nil {
		return errors.Wrap(err, "count staged today")
	}
	if stagedToday >= cfg.DailyCap {
		s.logger.Info("daily cap reached", zap.Int("staged_today", stagedToday), zap.Int("daily_cap", cfg.DailyCap))
		metrics.ObserveTick("cap_reached")
		return nil
	}

	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "list active jobs")
	}
	s.logger.Info("scheduler sweep started",
		zap.String("run_date", today),
		zap.Int("active_jobs", len(jobs)),
		zap.Int("staged_today", stagedToday),
	)

	ran := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		stagedToday, err = s.store.CountStagedForDate(ctx, today)
		if err != nil {
			s.logger.Error("recount staged today failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if stagedToday >= cfg.DailyCap {
			s.logger.Info("daily cap reached mid-sweep", zap.Int("staged_today", stagedToday))
			break
		}
		done, err := s.ranSuccessfully(ctx, job.ID, today)
		if err != nil {
			s.logger.Error("check today's runs failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if done {
			s.logger.Debug("job already ran today", zap.String("job_id", job.ID))
			continue
		}
		if err := s.runScheduled(ctx, job, today, cfg); err != nil {
			s.logger.Error("scheduled run failed to start", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		ran++
	}
	metrics.ObserveTick("ran")
	s.logger.Info("scheduler sweep finished", zap.Int("runs", ran))
	return nil
}

func (s *Scheduler) ranSuccessfully(ctx context.Context, jobID, runDate string) (bool, error) {
	runs, err := s.store.ListRunsForDate(ctx, jobID, runDate)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.Successful() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) runScheduled(ctx context.Context, job Job, runDate string, cfg SchedulerConfig) error {
	run, err := s.newRun(job.ID, runDate, RunStatusRunning, TriggerScheduler)
	if err != nil {
		return err
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return errors.Wrap(err, "create scheduled run")
	}

	// Scheduled runs execute inline on the tick, but hold a handle like
	// manual runs so CancelRun reaches the live pipeline.
	runCtx, cancel := context.WithCancel(ctx)
	s.runsMu.Lock()
	s.active[run.ID] = cancel
	s.runsMu.Unlock()
	defer s.release(run.ID)

	out := s.executor.Execute(runCtx, job, run, cfg)
	s.logger.Info("scheduled run finished",
		zap.String("job_id", job.ID),
		zap.String("run_id", run.ID),
		zap.String("status", string(out.Status)),
	)
	return nil
}

func (s *Scheduler) newRun(jobID, runDate string, status RunStatus, trigger Trigger) (Run, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Run{}, errors.Wrap(err, "generate run id")
	}
	return Run{
		ID:          id,
		JobID:       jobID,
		RunDate:     runDate,
		Status:      status,
		TriggeredBy: trigger,
		StartedAt:   s.clock.Now(),
	}, nil
}

// RunJobNow starts a manual run for jobID in the background and returns its
// run ID without waiting. The hour gate does not apply.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", errors.Wrapf(err, "get job %s", jobID)
	}
	cfg, err := s.Config(ctx)
	if err != nil {
		return "", err
	}
	run, err := s.newRun(job.ID, DateKey(s.clock.Now(), s.loc), RunStatusQueued, TriggerManual)
	if err != nil {
		return "", err
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", errors.Wrap(err, "create manual run")
	}

	s.mu.RLock()
	parent := s.baseCtx
	s.mu.RUnlock()
	if parent == nil {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(parent)

	s.runsMu.Lock()
	s.active[run.ID] = cancel
	s.runsMu.Unlock()
	s.wg.Add(1)
	metrics.IncActiveManualRuns()

	go func() {
		defer s.wg.Done()
		defer metrics.DecActiveManualRuns()
		defer s.release(run.ID)
		out := s.executor.Execute(runCtx, job, run, cfg)
		s.logger.Info("manual run finished",
			zap.String("job_id", job.ID),
			zap.String("run_id", run.ID),
			zap.String("status", string(out.Status)),
		)
	}()

	s.logger.Info("manual run queued", zap.String("job_id", job.ID), zap.String("run_id", run.ID))
	return run.ID, nil
}

// release drops the cancellation handle for runID and frees its context.
func (s *Scheduler) release(runID string) {
	s.runsMu.Lock()
	cancel, ok := s.active[runID]
	delete(s.active, runID)
	s.runsMu.Unlock()
	if ok {
		cancel()
	}
}

// CancelRun signals an in-flight run to stop. A persisted run that is still
// queued or running without a live handle, for example after a restart, is
// marked cancelled directly. It reports whether anything was cancelled.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (bool, error) {
	s.runsMu.Lock()
	cancel, ok := s.active[runID]
	delete(s.active, runID)
	s.runsMu.Unlock()
	if ok {
		cancel()
		s.logger.Info("run cancellation signalled", zap.String("run_id", runID))
		return true, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "get run %s", runID)
	}
	if run.Status.Terminal() {
		return false, nil
	}
	err = s.store.FinishRun(
		ctx,
		runID,
		RunStatusCancelled,
		RunCounters{
			VendorsDiscovered: run.VendorsDiscovered,
			VendorsStaged:     run.VendorsStaged,
			DuplicatesFound:   run.DuplicatesFound,
		},
		"cancelled with no active handle; the run was orphaned",
		s.clock.Now(),
	)
	if err != nil {
		if errors.Is(err, ErrRunFinished) {
			return false, nil
		}
		return false, errors.Wrapf(err, "cancel orphaned run %s", runID)
	}
	metrics.ObserveRun(string(RunStatusCancelled), string(run.TriggeredBy))
	s.logger.Warn("orphaned run marked cancelled", zap.String("run_id", runID))
	return true, nil
}

// Config returns the cached scheduler config, loading it on first use.
func (s *Scheduler) Config(ctx context.Context) (SchedulerConfig, error) {
	s.mu.RLock()
	if s.cfgLoaded {
		cfg := s.cfg
		s.mu.RUnlock()
		return cfg, nil
	}
	s.mu.RUnlock()

	cfg, ok, err := s.store.GetSchedulerConfig(ctx)
	if err != nil {
		return SchedulerConfig{}, errors.Wrap(err, "load scheduler config")
	}
	if !ok {
		cfg = s.defaults
	}
	cfg = clampConfig(cfg)

	s.mu.Lock()
	s.cfg = cfg
	s.cfgLoaded = true
	s.mu.Unlock()
	return cfg, nil
}

// UpdateConfig applies a partial update, clamping RunHour to [0,23] and
// DailyCap to at least 1, then persists it and refreshes the cache.
func (s *Scheduler) UpdateConfig(ctx context.Context, update ConfigUpdate) (SchedulerConfig, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return SchedulerConfig{}, err
	}
	if update.RunHour != nil {
		cfg.RunHour = *update.RunHour
	}
	if update.DailyCap != nil {
		cfg.DailyCap = *update.DailyCap
	}
	cfg = clampConfig(cfg)
	cfg.UpdatedAt = s.clock.Now()
	if err := s.store.SaveSchedulerConfig(ctx, cfg); err != nil {
		return SchedulerConfig{}, errors.Wrap(err, "save scheduler config")
	}

	s.mu.Lock()
	s.cfg = cfg
	s.cfgLoaded = true
	s.mu.Unlock()
	s.logger.Info("scheduler config updated", zap.Int("run_hour", cfg.RunHour), zap.Int("daily_cap", cfg.DailyCap))
	return cfg, nil
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.runsMu.Lock()
	active := make([]string, 0, len(s.active))
	for id := range s.active {
		active = append(active, id)
	}
	s.runsMu.Unlock()
	sort.Strings(active)

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Started:        s.cron != nil,
		TickInProgress: s.ticking.Load(),
		ActiveRuns:     active,
		Config:         s.cfg,
		Timezone:       s.loc.String(),
	}
	if !s.cfgLoaded {
		st.Config = s.defaults
	}
	if !s.lastTick.IsZero() {
		last := s.lastTick
		st.LastTickAt = &last
	}
	return st
}

func clampConfig(cfg SchedulerConfig) SchedulerConfig {
	cfg.RunHour = max(0, min(23, cfg.RunHour))
	cfg.DailyCap = max(1, cfg.DailyCap)
	return cfg
}
