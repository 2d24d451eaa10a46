package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

// Store is an in-memory discovery.Store for development and testing.
type Store struct {
	mu            sync.RWMutex
	jobs          map[string]discovery.Job
	runs          map[string]discovery.Run
	vendors       map[string]discovery.StagedVendor
	vendorsByJob  map[string][]string
	stagedNames   map[string]map[string]struct{}
	onboarded     map[string]discovery.OnboardedVendor
	conversations map[string]discovery.Conversation
	config        *discovery.SchedulerConfig
}

var _ discovery.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:          make(map[string]discovery.Job),
		runs:          make(map[string]discovery.Run),
		vendors:       make(map[string]discovery.StagedVendor),
		vendorsByJob:  make(map[string][]string),
		stagedNames:   make(map[string]map[string]struct{}),
		onboarded:     make(map[string]discovery.OnboardedVendor),
		conversations: make(map[string]discovery.Conversation),
	}
}

// AddOnboardedVendor seeds a platform vendor used for duplicate detection.
func (s *Store) AddOnboardedVendor(v discovery.OnboardedVendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarded[discovery.NormalizeName(v.Name)] = v
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job discovery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.Newf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (discovery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return discovery.Job{}, errors.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns every job ordered by creation time.
func (s *Store) ListJobs(_ context.Context) ([]discovery.Job, error) {
	return s.listJobs(false), nil
}

// ListActiveJobs returns active jobs ordered by creation time.
func (s *Store) ListActiveJobs(_ context.Context) ([]discovery.Job, error) {
	return s.listJobs(true), nil
}

func (s *Store) listJobs(activeOnly bool) []discovery.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if activeOnly && !job.IsActive {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeactivateJob flips is_active off.
func (s *Store) DeactivateJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	job.IsActive = false
	s.jobs[jobID] = job
	return nil
}

// RecordJobProgress adds delta to total_discovered and sets last_run_at.
func (s *Store) RecordJobProgress(_ context.Context, jobID string, delta int, lastRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.Wrapf(discovery.ErrNotFound, "job %s", jobID)
	}
	if delta > 0 {
		job.TotalDiscovered += delta
	}
	job.LastRunAt = pointerTime(lastRunAt)
	s.jobs[jobID] = job
	return nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run discovery.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.Newf("run %s already exists", run.ID)
	}
	if _, ok := s.jobs[run.JobID]; !ok {
		return errors.Wrapf(discovery.ErrNotFound, "job %s", run.JobID)
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (discovery.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return discovery.Run{}, errors.Wrapf(discovery.ErrNotFound, "run %s", runID)
	}
	return run, nil
}

// MarkRunRunning moves a queued run to running.
func (s *Store) MarkRunRunning(_ context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.Wrapf(discovery.ErrNotFound, "run %s", runID)
	}
	if run.Status.Terminal() {
		return errors.Wrapf(discovery.ErrRunFinished, "run %s", runID)
	}
	run.Status = discovery.RunStatusRunning
	run.StartedAt = startedAt
	s.runs[runID] = run
	return nil
}

// FinishRun records the terminal status of a run exactly once.
func (s *Store) FinishRun(
	_ context.Context,
	runID string,
	status discovery.RunStatus,
	counters discovery.RunCounters,
	errText string,
	finishedAt time.Time,
) error {
	if !status.Terminal() {
		return errors.Newf("status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.Wrapf(discovery.ErrNotFound, "run %s", runID)
	}
	if run.Status.Terminal() {
		return errors.Wrapf(discovery.ErrRunFinished, "run %s is %s", runID, run.Status)
	}
	run.Status = status
	run.VendorsDiscovered = counters.VendorsDiscovered
	run.VendorsStaged = counters.VendorsStaged
	run.DuplicatesFound = counters.DuplicatesFound
	run.Error = errText
	run.FinishedAt = pointerTime(finishedAt)
	s.runs[runID] = run
	return nil
}

// ListRuns returns a job's runs, newest first. limit <= 0 returns all.
func (s *Store) ListRuns(_ context.Context, jobID string, limit int) ([]discovery.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Run, 0)
	for _, run := range s.runs {
		if run.JobID == jobID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsForDate returns a job's runs on runDate.
func (s *Store) ListRunsForDate(_ context.Context, jobID string, runDate string) ([]discovery.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Run, 0)
	for _, run := range s.runs {
		if run.JobID == jobID && run.RunDate == runDate {
			out = append(out, run)
		}
	}
	return out, nil
}

// CountStagedForDate sums vendors_staged across every run on runDate.
func (s *Store) CountStagedForDate(_ context.Context, runDate string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, run := range s.runs {
		if run.RunDate == runDate {
			total += run.VendorsStaged
		}
	}
	return total, nil
}

// StageVendor inserts a vendor unless its (job, normalized name) exists.
func (s *Store) StageVendor(_ context.Context, vendor discovery.StagedVendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vendor.NormalizedName == "" {
		vendor.NormalizedName = discovery.NormalizeName(vendor.Name)
	}
	names := s.stagedNames[vendor.DiscoveryJobID]
	if names == nil {
		names = make(map[string]struct{})
		s.stagedNames[vendor.DiscoveryJobID] = names
	}
	if _, dup := names[vendor.NormalizedName]; dup {
		return errors.Wrapf(discovery.ErrDuplicateVendor, "%q", vendor.NormalizedName)
	}
	if _, exists := s.vendors[vendor.ID]; exists {
		return errors.Newf("vendor %s already exists", vendor.ID)
	}
	names[vendor.NormalizedName] = struct{}{}
	s.vendors[vendor.ID] = cloneVendor(vendor)
	s.vendorsByJob[vendor.DiscoveryJobID] = append(s.vendorsByJob[vendor.DiscoveryJobID], vendor.ID)
	return nil
}

// ListStagedVendors returns a job's vendors in insertion order.
func (s *Store) ListStagedVendors(_ context.Context, jobID string) ([]discovery.StagedVendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.vendorsByJob[jobID]
	out := make([]discovery.StagedVendor, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneVendor(s.vendors[id]))
	}
	return out, nil
}

// UpdateWebsiteStatus records a website verification outcome.
func (s *Store) UpdateWebsiteStatus(
	_ context.Context,
	vendorID string,
	status discovery.WebsiteStatus,
	checkedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vendor, ok := s.vendors[vendorID]
	if !ok {
		return errors.Wrapf(discovery.ErrNotFound, "vendor %s", vendorID)
	}
	vendor.WebsiteVerified = status
	vendor.WebsiteCheckedAt = pointerTime(checkedAt)
	s.vendors[vendorID] = vendor
	return nil
}

// FindOnboardedVendor looks up a platform vendor by normalized name.
func (s *Store) FindOnboardedVendor(
	_ context.Context,
	normalizedName string,
) (discovery.OnboardedVendor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.onboarded[normalizedName]
	return v, ok, nil
}

// ListOnboardedVendorNames returns up to limit onboarded names in name order.
func (s *Store) ListOnboardedVendorNames(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.onboarded))
	for _, v := range s.onboarded {
		out = append(out, v.Name)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetConversation fetches the conversation for (area, specialty).
func (s *Store) GetConversation(
	_ context.Context,
	area, specialty string,
) (discovery.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationKey(area, specialty)]
	if !ok {
		return discovery.Conversation{}, false, nil
	}
	conv.History = cloneHistory(conv.History)
	return conv, true, nil
}

// SaveConversation upserts the conversation for its (area, specialty).
func (s *Store) SaveConversation(_ context.Context, conv discovery.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.History = cloneHistory(conv.History)
	s.conversations[conversationKey(conv.Area, conv.Specialty)] = conv
	return nil
}

// GetSchedulerConfig returns the persisted scheduler config, if any.
func (s *Store) GetSchedulerConfig(_ context.Context) (discovery.SchedulerConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return discovery.SchedulerConfig{}, false, nil
	}
	return *s.config, true, nil
}

// SaveSchedulerConfig replaces the scheduler config.
func (s *Store) SaveSchedulerConfig(_ context.Context, cfg discovery.SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = &cfg
	return nil
}

func conversationKey(area, specialty string) string {
	return area + "\x00" + specialty
}

func cloneJob(job discovery.Job) discovery.Job {
	if job.MaxTotal != nil {
		v := *job.MaxTotal
		job.MaxTotal = &v
	}
	if job.EndDate != nil {
		job.EndDate = pointerTime(*job.EndDate)
	}
	if job.LastRunAt != nil {
		job.LastRunAt = pointerTime(*job.LastRunAt)
	}
	return job
}

func cloneVendor(v discovery.StagedVendor) discovery.StagedVendor {
	if v.Categories != nil {
		v.Categories = append([]string(nil), v.Categories...)
	}
	if v.DuplicateOfVendorID != nil {
		id := *v.DuplicateOfVendorID
		v.DuplicateOfVendorID = &id
	}
	return v
}

func cloneHistory(history []discovery.Turn) []discovery.Turn {
	if history == nil {
		return nil
	}
	out := make([]discovery.Turn, len(history))
	for i, turn := range history {
		out[i] = discovery.Turn{Role: turn.Role, Parts: append([]string(nil), turn.Parts...)}
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
