// Package discovery defines the vendor discovery domain: jobs, runs, staged
// vendors, provider conversations, and the scheduler/pipeline that drive them.
package discovery

import (
	"time"
)

// RunStatus represents the lifecycle state of a discovery run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusSkipped:
		return true
	default:
		return false
	}
}

// Trigger records what started a run.
type Trigger string

// Trigger values.
const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
)

// VendorStatus tags a staged vendor for admin review.
type VendorStatus string

// Staged vendor statuses.
const (
	VendorStatusStaged    VendorStatus = "staged"
	VendorStatusDuplicate VendorStatus = "duplicate"
)

// WebsiteStatus is the outcome of a website reachability check.
type WebsiteStatus string

// Website verification outcomes.
const (
	WebsitePending WebsiteStatus = "pending"
	WebsiteValid   WebsiteStatus = "valid"
	WebsiteInvalid WebsiteStatus = "invalid"
	WebsiteError   WebsiteStatus = "error"
	WebsiteNoURL   WebsiteStatus = "no_url"
)

// Job is a persistent (area, specialty) discovery target.
type Job struct {
	ID              string     `json:"id"`
	Area            string     `json:"area"`
	Specialty       string     `json:"specialty"`
	CountPerRun     int        `json:"count_per_run"`
	MaxTotal        *int       `json:"max_total,omitempty"`
	TotalDiscovered int        `json:"total_discovered"`
	IsActive        bool       `json:"is_active"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Remaining returns how many vendors the job may still stage, or CountPerRun
// when the job has no lifetime cap.
func (j Job) Remaining() int {
	if j.MaxTotal == nil {
		return j.CountPerRun
	}
	return *j.MaxTotal - j.TotalDiscovered
}

// Exhausted reports whether the lifetime cap has been reached.
func (j Job) Exhausted() bool {
	return j.MaxTotal != nil && j.TotalDiscovered >= *j.MaxTotal
}

// Expired reports whether the job end date has passed.
func (j Job) Expired(now time.Time) bool {
	return j.EndDate != nil && now.After(*j.EndDate)
}

// Run is one execution attempt of a job's pipeline.
type Run struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	RunDate           string     `json:"run_date"`
	VendorsDiscovered int        `json:"vendors_discovered"`
	VendorsStaged     int        `json:"vendors_staged"`
	DuplicatesFound   int        `json:"duplicates_found"`
	Status            RunStatus  `json:"status"`
	TriggeredBy       Trigger    `json:"triggered_by"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Successful reports whether the run counts towards the once-per-day rule.
func (r Run) Successful() bool {
	return r.Status == RunStatusCompleted && r.VendorsStaged > 0
}

// RunCounters captures the counts recorded when a run finishes.
type RunCounters struct {
	VendorsDiscovered int `json:"vendors_discovered"`
	VendorsStaged     int `json:"vendors_staged"`
	DuplicatesFound   int `json:"duplicates_found"`
}

// StagedVendor is a provider candidate pending admin review.
type StagedVendor struct {
	ID                  string        `json:"id"`
	DiscoveryJobID      string        `json:"discovery_job_id"`
	Name                string        `json:"name"`
	NormalizedName      string        `json:"normalized_name"`
	Location            string        `json:"location,omitempty"`
	Phone               string        `json:"phone,omitempty"`
	Email               string        `json:"email,omitempty"`
	Website             string        `json:"website,omitempty"`
	Categories          []string      `json:"categories,omitempty"`
	Notes               string        `json:"notes,omitempty"`
	Status              VendorStatus  `json:"status"`
	DuplicateOfVendorID *string       `json:"duplicate_of_vendor_id,omitempty"`
	WebsiteVerified     WebsiteStatus `json:"website_verified"`
	WebsiteCheckedAt    *time.Time    `json:"website_checked_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// OnboardedVendor is the read-only view of a vendor already on the platform.
type OnboardedVendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Role identifies the speaker of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleRequester Role = "requester"
	RoleResponder Role = "responder"
)

// Turn is one request or response in a provider conversation.
type Turn struct {
	Role  Role     `json:"role"`
	Parts []string `json:"parts"`
}

// Conversation is the persisted provider dialogue for an (area, specialty) key.
type Conversation struct {
	Area              string    `json:"area"`
	Specialty         string    `json:"specialty"`
	History           []Turn    `json:"history"`
	TotalVendorsFound int       `json:"total_vendors_found"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SchedulerConfig is the singleton daily scheduling configuration.
type SchedulerConfig struct {
	RunHour   int       `json:"run_hour"`
	DailyCap  int       `json:"daily_cap"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigUpdate is a partial SchedulerConfig change; nil fields are left as-is.
type ConfigUpdate struct {
	RunHour  *int `json:"run_hour,omitempty"`
	DailyCap *int `json:"daily_cap,omitempty"`
}

// Candidate is a vendor proposed by the discovery provider.
type Candidate struct {
	Name       string   `json:"name"`
	Location   string   `json:"location,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Email      string   `json:"email,omitempty"`
	Website    string   `json:"website,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// RunEvent is published whenever a run reaches a terminal status.
type RunEvent struct {
	RunID       string      `json:"run_id"`
	JobID       string      `json:"job_id"`
	Area        string      `json:"area"`
	Specialty   string      `json:"specialty"`
	Status      RunStatus   `json:"status"`
	TriggeredBy Trigger     `json:"triggered_by"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	FinishedAt  time.Time   `json:"finished_at"`
}
