package discovery

import (
	"context"
	"time"
)

// JobStore persists discovery jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	// DeactivateJob flips is_active off; jobs are never deleted.
	DeactivateJob(ctx context.Context, jobID string) error
	// RecordJobProgress adds delta to total_discovered and sets last_run_at.
	RecordJobProgress(ctx context.Context, jobID string, delta int, lastRunAt time.Time) error
}

// RunStore persists discovery runs and the daily aggregates derived from them.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error
	// FinishRun moves a run to a terminal status exactly once.
	FinishRun(
		ctx context.Context,
		runID string,
		status RunStatus,
		counters RunCounters,
		errText string,
		finishedAt time.Time,
	) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error)
	ListRunsForDate(ctx context.Context, jobID string, runDate string) ([]Run, error)
	// CountStagedForDate sums vendors_staged across every run on runDate.
	// Cancelled and failed runs count too: their staged rows are not rolled back.
	CountStagedForDate(ctx context.Context, runDate string) (int, error)
}

// VendorStore persists staged vendors and reads onboarded ones.
type VendorStore interface {
	// StageVendor inserts a vendor; it returns ErrDuplicateVendor when the
	// (job, normalized name) pair already exists.
	StageVendor(ctx context.Context, vendor StagedVendor) error
	ListStagedVendors(ctx context.Context, jobID string) ([]StagedVendor, error)
	UpdateWebsiteStatus(ctx context.Context, vendorID string, status WebsiteStatus, checkedAt time.Time) error
	FindOnboardedVendor(ctx context.Context, normalizedName string) (OnboardedVendor, bool, error)
	ListOnboardedVendorNames(ctx context.Context, limit int) ([]string, error)
}

// ConversationStore persists provider conversations keyed by (area, specialty).
type ConversationStore interface {
	GetConversation(ctx context.Context, area, specialty string) (Conversation, bool, error)
	SaveConversation(ctx context.Context, conv Conversation) error
}

// ConfigStore persists the scheduler configuration singleton.
type ConfigStore interface {
	GetSchedulerConfig(ctx context.Context) (SchedulerConfig, bool, error)
	SaveSchedulerConfig(ctx context.Context, cfg SchedulerConfig) error
}

// Store aggregates every persistence port the pipeline and scheduler need.
type Store interface {
	JobStore
	RunStore
	VendorStore
	ConversationStore
	ConfigStore
}

// Request is the input to one provider call.
type Request struct {
	Area         string
	Specialty    string
	Count        int
	ExcludeNames []string
	History      []Turn
}

// Result is what the provider returns for one call.
type Result struct {
	Vendors []Candidate
	History []Turn
	// Raw is the provider's unparsed response, archived when non-empty.
	Raw []byte
}

// Provider proposes new vendors for an (area, specialty) pair.
type Provider interface {
	Discover(ctx context.Context, req Request) (Result, error)
}

// VerificationTarget pairs a staged vendor with the website to check.
type VerificationTarget struct {
	VendorID string
	URL      string
}

// RecordFunc stores the outcome for one verification target.
type RecordFunc func(ctx context.Context, target VerificationTarget, status WebsiteStatus) error

// WebsiteVerifier checks vendor websites under bounded concurrency.
type WebsiteVerifier interface {
	VerifyBatch(ctx context.Context, targets []VerificationTarget, record RecordFunc) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Archive writes raw artifacts and returns a URI.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes run events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
