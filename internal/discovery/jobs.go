package discovery

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// JobSpec is the operator-supplied part of a job.
type JobSpec struct {
	Area        string     `json:"area"`
	Specialty   string     `json:"specialty"`
	CountPerRun int        `json:"count_per_run"`
	MaxTotal    *int       `json:"max_total,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// ErrInvalidJob wraps every JobSpec validation failure.
var ErrInvalidJob = errors.New("invalid job")

// Validate checks required fields and bounds.
func (s JobSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Area) == "":
		return errors.Wrap(ErrInvalidJob, "area is required")
	case strings.TrimSpace(s.Specialty) == "":
		return errors.Wrap(ErrInvalidJob, "specialty is required")
	case s.CountPerRun <= 0:
		return errors.Wrap(ErrInvalidJob, "count_per_run must be > 0")
	case s.MaxTotal != nil && *s.MaxTotal <= 0:
		return errors.Wrap(ErrInvalidJob, "max_total must be > 0 when set")
	}
	return nil
}

// NewJob builds an active job from spec.
func NewJob(spec JobSpec, id string, now time.Time) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}
	if spec.EndDate != nil && !spec.EndDate.After(now) {
		return Job{}, errors.Wrap(ErrInvalidJob, "end_date must be in the future")
	}
	job := Job{
		ID:          id,
		Area:        strings.TrimSpace(spec.Area),
		Specialty:   strings.TrimSpace(spec.Specialty),
		CountPerRun: spec.CountPerRun,
		IsActive:    true,
		CreatedAt:   now,
	}
	if spec.MaxTotal != nil {
		v := *spec.MaxTotal
		job.MaxTotal = &v
	}
	if spec.EndDate != nil {
		v := spec.EndDate.UTC()
		job.EndDate = &v
	}
	return job, nil
}
