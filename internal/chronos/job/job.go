package job

import (
	"time"

	"github.com/pkg/errors"
)

// Kind discriminates the two job variants. A job is either fired by an
// ISO-8601 repeating schedule or by the completion of all of its parents,
// never both.
type Kind string

const (
	KindScheduleBased   Kind = "schedule"
	KindDependencyBased Kind = "dependency"
)

var (
	ErrRenameUnsupported = errors.New("renaming jobs is not supported")
	ErrUnknownJobKind    = errors.New("unknown job kind")
)

// Job is the common record shared by both variants. Schedule and
// ScheduleTimeZone are only meaningful for schedule-based jobs, Parents only
// for dependency-based ones; Kind says which set applies.
type Job struct {
	Name                  string        `json:"name"`
	Kind                  Kind          `json:"kind"`
	Command               string        `json:"command"`
	Owner                 string        `json:"owner"`
	Epsilon               time.Duration `json:"epsilon"`
	Retries               int           `json:"retries"`
	Disabled              bool          `json:"disabled"`
	SoftError             bool          `json:"softError"`
	HighPriority          bool          `json:"highPriority"`
	Async                 bool          `json:"async"`
	DataProcessingJobType bool          `json:"dataProcessingJobType"`

	SuccessCount           int64     `json:"successCount"`
	ErrorCount             int64     `json:"errorCount"`
	ErrorsSinceLastSuccess int64     `json:"errorsSinceLastSuccess"`
	LastSuccess            time.Time `json:"lastSuccess"`
	LastError              time.Time `json:"lastError"`

	Schedule         string `json:"schedule,omitempty"`
	ScheduleTimeZone string `json:"scheduleTimeZone,omitempty"`

	Parents []string `json:"parents,omitempty"`
}

func (j *Job) IsScheduleBased() bool   { return j.Kind == KindScheduleBased }
func (j *Job) IsDependencyBased() bool { return j.Kind == KindDependencyBased }

// DeepCopy returns an independent copy of the job, so that rewrites of
// counters or schedule never mutate a job still referenced elsewhere.
func (j *Job) DeepCopy() *Job {
	copied := *j
	if j.Parents != nil {
		copied.Parents = make([]string, len(j.Parents))
		copy(copied.Parents, j.Parents)
	}
	return &copied
}

// Validate checks the structural invariants common to both variants.
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.New("job name must not be empty")
	}
	if err := validateName(j.Name); err != nil {
		return err
	}
	switch j.Kind {
	case KindScheduleBased:
		if j.Schedule == "" {
			return errors.Errorf("schedule based job %s has no schedule", j.Name)
		}
		if len(j.Parents) > 0 {
			return errors.Errorf("job %s cannot have both a schedule and parents", j.Name)
		}
	case KindDependencyBased:
		if len(j.Parents) == 0 {
			return errors.Errorf("dependency based job %s has no parents", j.Name)
		}
		if j.Schedule != "" {
			return errors.Errorf("job %s cannot have both a schedule and parents", j.Name)
		}
	default:
		return errors.Wrapf(ErrUnknownJobKind, "job %s has kind %q", j.Name, j.Kind)
	}
	return nil
}
