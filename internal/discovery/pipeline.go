package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/metrics"
)

// Pipeline defaults.
const (
	DefaultExclusionCap   = 200
	DefaultVerifyBatchCap = 50
)

// PipelineConfig controls Pipeline behavior.
type PipelineConfig struct {
	// ExclusionCap bounds the unique names sent to the provider.
	ExclusionCap int
	// VerifyBatchCap bounds how many pending websites are checked per run.
	VerifyBatchCap int
	// Location is the reference timezone for run dates.
	Location *time.Location
	// ArchivePrefix is prepended to archived provider payload paths.
	ArchivePrefix string
	// EventTopic receives a RunEvent for every finished run.
	EventTopic string
}

// PipelineDeps bundles the collaborators a Pipeline talks to. Archive, Hasher
// and Publisher are optional.
type PipelineDeps struct {
	Store     Store
	Provider  Provider
	Verifier  WebsiteVerifier
	Clock     Clock
	IDs       IDGenerator
	Archive   Archive
	Hasher    Hasher
	Publisher Publisher
}

// Outcome is the terminal result of one Execute call.
type Outcome struct {
	Status   RunStatus   `json:"status"`
	Counters RunCounters `json:"counters"`
	Error    string      `json:"error,omitempty"`
}

// Pipeline executes one discovery attempt for one job.
type Pipeline struct {
	store         Store
	provider      Provider
	verifier      WebsiteVerifier
	conversations *Conversations
	clock         Clock
	ids           IDGenerator
	archive       Archive
	hasher        Hasher
	publisher     Publisher
	cfg           PipelineConfig
	logger        *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExclusionCap <= 0 {
		cfg.ExclusionCap = DefaultExclusionCap
	}
	if cfg.VerifyBatchCap <= 0 {
		cfg.VerifyBatchCap = DefaultVerifyBatchCap
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Pipeline{
		store:         deps.Store,
		provider:      deps.Provider,
		verifier:      deps.Verifier,
		conversations: NewConversations(deps.Store, deps.Clock, logger.Named("conversations")),
		clock:         deps.Clock,
		ids:           deps.IDs,
		archive:       deps.Archive,
		hasher:        deps.Hasher,
		publisher:     deps.Publisher,
		cfg:           cfg,
		logger:        logger,
	}
}

// runState accumulates counters while a run progresses.
type runState struct {
	counters   RunCounters
	onboarded  int
	skipReason string
}

// Execute runs the pipeline for job under the already-created run and records
// exactly one terminal status for it. It never returns an error: failures are
// captured in the returned Outcome and on the run record.
func (p *Pipeline) Execute(ctx context.Context, job Job, run Run, cfg SchedulerConfig) (out Outcome) {
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("run_id", run.ID),
		zap.String("area", job.Area),
		zap.String("specialty", job.Specialty),
		zap.String("triggered_by", string(run.TriggeredBy)),
	)
	state := &runState{}

	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf("pipeline panic: %v", r)
			logger.Error("pipeline panicked", zap.String("stack", stackExcerpt(err)))
			out = p.finish(ctx, job, run, RunStatusFailed, state, err.Error(), logger)
		}
	}()

	logger.Info("discovery run started", zap.Int("count_per_run", job.CountPerRun))
	status, err := p.execute(ctx, job, run, cfg, state, logger)
	errText := state.skipReason
	if err != nil {
		errText = err.Error()
		if status == RunStatusFailed {
			logger.Error("discovery run failed",
				zap.Error(err),
				zap.String("stack", stackExcerpt(err)),
			)
		}
	}
	return p.finish(ctx, job, run, status, state, errText, logger)
}

func (p *Pipeline) execute(
	ctx context.Context,
	job Job,
	run Run,
	cfg SchedulerConfig,
	state *runState,
	logger *zap.Logger,
) (RunStatus, error) {
	if run.Status == RunStatusQueued {
		if err := p.store.MarkRunRunning(ctx, run.ID, p.clock.Now()); err != nil {
			return p.failOrCancel(ctx, errors.Wrap(err, "mark run running"))
		}
	}

	// Step 1: validity.
	if reason, ok, err := p.checkValidity(ctx, job, logger); err != nil {
		return p.failOrCancel(ctx, err)
	} else if !ok {
		state.skipReason = reason
		return RunStatusSkipped, nil
	}

	// Step 2: quota.
	countToFetch, reason, err := p.quota(ctx, job, run, cfg, logger)
	if err != nil {
		return p.failOrCancel(ctx, err)
	}
	if countToFetch <= 0 {
		state.skipReason = reason
		return RunStatusSkipped, nil
	}

	// Step 3: exclusion list.
	stagedNames, exclude, err := p.exclusionList(ctx, job)
	if err != nil {
		return p.failOrCancel(ctx, err)
	}
	logger.Info("exclusion list built",
		zap.Int("job_staged", len(stagedNames)),
		zap.Int("exclude_names", len(exclude)),
	)

	// Step 4: conversation.
	history, priorFound, err := p.conversations.Load(ctx, job.Area, job.Specialty)
	if err != nil {
		return p.failOrCancel(ctx, err)
	}
	logger.Info("conversation loaded", zap.Int("turns", len(history)), zap.Int("prior_found", priorFound))

	if ctx.Err() != nil {
		return RunStatusCancelled, ErrRunCancelled
	}

	// Step 5: provider call.
	result, err := p.callProvider(ctx, job, Request{
		Area:         job.Area,
		Specialty:    job.Specialty,
		Count:        countToFetch,
		ExcludeNames: exclude,
		History:      history,
	}, logger)
	if err != nil {
		return p.failOrCancel(ctx, err)
	}
	p.archiveRaw(ctx, job, run, result.Raw, logger)

	state.counters.VendorsDiscovered = len(result.Vendors)
	if len(result.Vendors) == 0 {
		logger.Info("provider returned no candidates")
		p.saveConversation(detach(ctx), job, result.History, priorFound, logger)
		return RunStatusCompleted, nil
	}

	// Step 6: safety-net dedup and staging.
	cancelled, err := p.stage(ctx, job, result.Vendors, countToFetch, stagedNames, state, logger)
	if err != nil {
		// Rows staged before the error stay, so the job total must cover them.
		if state.counters.VendorsStaged > 0 {
			if perr := p.recordProgress(detach(ctx), job, state.counters.VendorsStaged, logger); perr != nil {
				logger.Warn("record partial job progress failed", zap.Error(perr))
			}
		}
		return p.failOrCancel(ctx, err)
	}

	// Step 7: verification.
	if !cancelled {
		p.verifyPending(ctx, job, logger)
		cancelled = ctx.Err() != nil
	}

	// Step 8: bookkeeping runs even after cancellation so the job counters
	// match the rows already staged.
	bctx := ctx
	if cancelled {
		bctx = detach(ctx)
	}
	if err := p.recordProgress(bctx, job, state.counters.VendorsStaged, logger); err != nil {
		return RunStatusFailed, err
	}
	p.saveConversation(bctx, job, result.History, priorFound+state.counters.VendorsStaged, logger)

	if cancelled {
		return RunStatusCancelled, ErrRunCancelled
	}
	return RunStatusCompleted, nil
}

func (p *Pipeline) checkValidity(ctx context.Context, job Job, logger *zap.Logger) (string, bool, error) {
	if !job.IsActive {
		logger.Info("job inactive, skipping")
		return "job is inactive", false, nil
	}
	now := p.clock.Now()
	reason := ""
	switch {
	case job.Expired(now):
		reason = "job end date has passed"
	case job.Exhausted():
		reason = fmt.Sprintf("job reached max total of %d", *job.MaxTotal)
	default:
		return "", true, nil
	}
	logger.Info("deactivating job", zap.String("reason", reason))
	if err := p.store.DeactivateJob(ctx, job.ID); err != nil {
		return "", false, errors.Wrap(err, "deactivate job")
	}
	return reason, false, nil
}

func (p *Pipeline) quota(
	ctx context.Context,
	job Job,
	run Run,
	cfg SchedulerConfig,
	logger *zap.Logger,
) (int, string, error) {
	runDate := run.RunDate
	if runDate == "" {
		runDate = DateKey(p.clock.Now(), p.cfg.Location)
	}
	stagedToday, err := p.store.CountStagedForDate(ctx, runDate)
	if err != nil {
		return 0, "", errors.Wrap(err, "count staged today")
	}
	remainingForJob := job.Remaining()
	globalRemaining := cfg.DailyCap - stagedToday
	countToFetch := min(job.CountPerRun, remainingForJob, globalRemaining)

	logger.Info("quota computed",
		zap.Int("count_per_run", job.CountPerRun),
		zap.Int("remaining_for_job", remainingForJob),
		zap.Int("daily_cap", cfg.DailyCap),
		zap.Int("staged_today", stagedToday),
		zap.Int("count_to_fetch", countToFetch),
	)
	if countToFetch > 0 {
		return countToFetch, "", nil
	}
	if globalRemaining <= 0 {
		return 0, fmt.Sprintf("daily cap of %d reached", cfg.DailyCap), nil
	}
	return 0, "no remaining quota for job", nil
}

// exclusionList returns the full set of names staged for the job and the
// capped exclusion list: job names first, onboarded names after.
func (p *Pipeline) exclusionList(ctx context.Context, job Job) (map[string]struct{}, []string, error) {
	staged, err := p.store.ListStagedVendors(ctx, job.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list staged vendors")
	}
	stagedNames := make(map[string]struct{}, len(staged))
	exclude := make([]string, 0, p.cfg.ExclusionCap)
	seen := make(map[string]struct{}, p.cfg.ExclusionCap)
	add := func(name string) {
		if name == "" || len(exclude) >= p.cfg.ExclusionCap {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		exclude = append(exclude, name)
	}
	for _, v := range staged {
		norm := v.NormalizedName
		if norm == "" {
			norm = NormalizeName(v.Name)
		}
		stagedNames[norm] = struct{}{}
		add(norm)
	}
	if len(exclude) >= p.cfg.ExclusionCap {
		return stagedNames, exclude, nil
	}
	onboarded, err := p.store.ListOnboardedVendorNames(ctx, p.cfg.ExclusionCap)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list onboarded vendor names")
	}
	for _, name := range onboarded {
		add(NormalizeName(name))
	}
	return stagedNames, exclude, nil
}

func (p *Pipeline) callProvider(ctx context.Context, job Job, req Request, logger *zap.Logger) (Result, error) {
	if p.provider == nil {
		return Result{}, errors.New("no discovery provider configured")
	}
	logger.Info("calling discovery provider",
		zap.Int("count", req.Count),
		zap.Int("exclude_names", len(req.ExcludeNames)),
		zap.Int("history_turns", len(req.History)),
	)
	start := time.Now()
	result, err := p.provider.Discover(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveProviderCall("error", elapsed)
		return Result{}, errors.Wrapf(err, "discover vendors for %s/%s", job.Area, job.Specialty)
	}
	metrics.ObserveProviderCall("ok", elapsed)
	logger.Info("discovery provider responded",
		zap.Int("candidates", len(result.Vendors)),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// stage applies the safety-net dedup and inserts at most limit candidates. It
// reports whether staging stopped early because ctx was cancelled.
func (p *Pipeline) stage(
	ctx context.Context,
	job Job,
	candidates []Candidate,
	limit int,
	stagedNames map[string]struct{},
	state *runState,
	logger *zap.Logger,
) (bool, error) {
	sameJob := 0
	for i, c := range candidates {
		if state.counters.VendorsStaged >= limit {
			logger.Info("provider returned more candidates than requested",
				zap.Int("requested", limit),
				zap.Int("ignored", len(candidates)-i),
			)
			break
		}
		if ctx.Err() != nil {
			logger.Warn("staging interrupted by cancellation",
				zap.Int("staged", state.counters.VendorsStaged),
			)
			p.observeStaging(state, sameJob)
			return true, nil
		}
		norm := NormalizeName(c.Name)
		if norm == "" {
			logger.Warn("dropping candidate without a name")
			continue
		}
		if _, ok := stagedNames[norm]; ok {
			logger.Debug("candidate already staged for job", zap.String("name", norm))
			sameJob++
			state.counters.DuplicatesFound++
			continue
		}

		onboarded, found, err := p.store.FindOnboardedVendor(ctx, norm)
		if err != nil {
			return false, errors.Wrapf(err, "look up onboarded vendor %q", norm)
		}
		id, err := p.ids.NewID()
		if err != nil {
			return false, errors.Wrap(err, "generate vendor id")
		}
		vendor := StagedVendor{
			ID:              id,
			DiscoveryJobID:  job.ID,
			Name:            strings.TrimSpace(c.Name),
			NormalizedName:  norm,
			Location:        c.Location,
			Phone:           c.Phone,
			Email:           c.Email,
			Website:         strings.TrimSpace(c.Website),
			Categories:      c.Categories,
			Notes:           c.Notes,
			Status:          VendorStatusStaged,
			WebsiteVerified: WebsitePending,
			CreatedAt:       p.clock.Now(),
		}
		if found {
			vendorID := onboarded.ID
			vendor.Status = VendorStatusDuplicate
			vendor.DuplicateOfVendorID = &vendorID
		}

		if err := p.store.StageVendor(ctx, vendor); err != nil {
			if errors.Is(err, ErrDuplicateVendor) {
				stagedNames[norm] = struct{}{}
				sameJob++
				state.counters.DuplicatesFound++
				continue
			}
			if ctx.Err() != nil {
				p.observeStaging(state, sameJob)
				return true, nil
			}
			return false, errors.Wrapf(err, "stage vendor %q", norm)
		}
		stagedNames[norm] = struct{}{}
		state.counters.VendorsStaged++
		if found {
			state.onboarded++
			state.counters.DuplicatesFound++
			logger.Info("candidate matches onboarded vendor",
				zap.String("name", norm),
				zap.String("duplicate_of", onboarded.ID),
			)
		}
	}
	p.observeStaging(state, sameJob)
	logger.Info("candidates staged",
		zap.Int("discovered", state.counters.VendorsDiscovered),
		zap.Int("staged", state.counters.VendorsStaged),
		zap.Int("same_job_duplicates", sameJob),
		zap.Int("onboarded_duplicates", state.onboarded),
	)
	return false, nil
}

func (p *Pipeline) observeStaging(state *runState, sameJob int) {
	metrics.ObserveVendors("staged", state.counters.VendorsStaged-state.onboarded)
	metrics.ObserveVendors("onboarded_duplicate", state.onboarded)
	metrics.ObserveVendors("skipped_duplicate", sameJob)
}

func (p *Pipeline) verifyPending(ctx context.Context, job Job, logger *zap.Logger) {
	if p.verifier == nil {
		return
	}
	vendors, err := p.store.ListStagedVendors(ctx, job.ID)
	if err != nil {
		logger.Warn("list vendors for verification failed", zap.Error(err))
		return
	}
	targets := make([]VerificationTarget, 0, p.cfg.VerifyBatchCap)
	deferred := 0
	for _, v := range vendors {
		if v.WebsiteVerified != WebsitePending {
			continue
		}
		if len(targets) >= p.cfg.VerifyBatchCap {
			deferred++
			continue
		}
		targets = append(targets, VerificationTarget{VendorID: v.ID, URL: v.Website})
	}
	if len(targets) == 0 {
		return
	}
	if deferred > 0 {
		logger.Info("website verification deferred", zap.Int("deferred", deferred))
	}

	record := func(rctx context.Context, target VerificationTarget, status WebsiteStatus) error {
		if err := p.store.UpdateWebsiteStatus(rctx, target.VendorID, status, p.clock.Now()); err != nil {
			return errors.Wrapf(err, "record website status for %s", target.VendorID)
		}
		return nil
	}
	if err := p.verifier.VerifyBatch(ctx, targets, record); err != nil {
		logger.Warn("website verification incomplete", zap.Error(err))
		return
	}
	logger.Info("website verification finished", zap.Int("checked", len(targets)))
}

func (p *Pipeline) recordProgress(ctx context.Context, job Job, staged int, logger *zap.Logger) error {
	now := p.clock.Now()
	if err := p.store.RecordJobProgress(ctx, job.ID, staged, now); err != nil {
		return errors.Wrap(err, "record job progress")
	}
	job.TotalDiscovered += staged
	if job.Exhausted() {
		logger.Info("job reached max total, deactivating", zap.Int("total_discovered", job.TotalDiscovered))
		if err := p.store.DeactivateJob(ctx, job.ID); err != nil {
			logger.Warn("deactivate exhausted job failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) saveConversation(ctx context.Context, job Job, history []Turn, total int, logger *zap.Logger) {
	if err := p.conversations.Save(ctx, job.Area, job.Specialty, history, total); err != nil {
		logger.Warn("conversation save failed", zap.Error(err))
	}
}

func (p *Pipeline) archiveRaw(ctx context.Context, job Job, run Run, raw []byte, logger *zap.Logger) {
	if p.archive == nil || len(raw) == 0 {
		return
	}
	name := run.ID
	if p.hasher != nil {
		if sum, err := p.hasher.Hash(raw); err == nil {
			name = sum
		}
	}
	path := p.archivePath(job.ID, run.ID, name)
	uri, err := p.archive.PutObject(ctx, path, "application/json", raw)
	if err != nil {
		logger.Warn("archive provider response failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("archived provider response", zap.String("uri", uri))
}

func (p *Pipeline) archivePath(jobID, runID, name string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", jobID, runID, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, jobID, runID, name)
}

func (p *Pipeline) failOrCancel(ctx context.Context, err error) (RunStatus, error) {
	if ctx.Err() != nil {
		return RunStatusCancelled, ErrRunCancelled
	}
	return RunStatusFailed, err
}

func (p *Pipeline) finish(
	ctx context.Context,
	job Job,
	run Run,
	status RunStatus,
	state *runState,
	errText string,
	logger *zap.Logger,
) Outcome {
	fctx := detach(ctx)
	finishedAt := p.clock.Now()
	if err := p.store.FinishRun(fctx, run.ID, status, state.counters, errText, finishedAt); err != nil {
		logger.Error("finish run failed", zap.String("status", string(status)), zap.Error(err))
	}
	metrics.ObserveRun(string(status), string(run.TriggeredBy))
	logger.Info("discovery run finished",
		zap.String("status", string(status)),
		zap.Int("vendors_discovered", state.counters.VendorsDiscovered),
		zap.Int("vendors_staged", state.counters.VendorsStaged),
		zap.Int("duplicates_found", state.counters.DuplicatesFound),
		zap.String("error", errText),
	)

	if p.publisher != nil && p.cfg.EventTopic != "" {
		event := RunEvent{
			RunID:       run.ID,
			JobID:       job.ID,
			Area:        job.Area,
			Specialty:   job.Specialty,
			Status:      status,
			TriggeredBy: run.TriggeredBy,
			Counters:    state.counters,
			Error:       errText,
			FinishedAt:  finishedAt,
		}
		if _, err := p.publisher.Publish(fctx, p.cfg.EventTopic, event); err != nil {
			logger.Warn("publish run event failed", zap.Error(err))
		}
	}
	return Outcome{Status: status, Counters: state.counters, Error: errText}
}

func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
