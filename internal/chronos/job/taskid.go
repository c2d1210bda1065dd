package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Task ids are the sole key a task carries through its whole lifecycle:
// they encode everything needed to route a status update back to a job.
// Layout: <version>:<job name>:<due instant unix millis>:<attempt>.
// The version tag lets a new leader reject ids written by incompatible
// older builds during failover.
const TaskIDVersion = "ct2"

const taskIDSeparator = ":"

var ErrInvalidTaskID = errors.New("invalid task id")

// ScheduledTask is one concrete execution attempt of a job.
type ScheduledTask struct {
	ID  string    `json:"id"`
	Due time.Time `json:"due"`
	Job *Job      `json:"job"`
}

// TaskID is the parsed form of a task id string.
type TaskID struct {
	Version string
	JobName string
	Due     time.Time
	Attempt int
}

// NewTaskID serializes (job, due, attempt) into the versioned id format.
func NewTaskID(jobName string, due time.Time, attempt int) string {
	return strings.Join([]string{
		TaskIDVersion,
		jobName,
		strconv.FormatInt(due.UnixMilli(), 10),
		strconv.Itoa(attempt),
	}, taskIDSeparator)
}

// NewScheduledTask builds the task the engine hands to the task manager.
func NewScheduledTask(j *Job, due time.Time, attempt int) *ScheduledTask {
	return &ScheduledTask{
		ID:  NewTaskID(j.Name, due, attempt),
		Due: due,
		Job: j,
	}
}

// ParseTaskID decodes an id produced by NewTaskID. Ids written by older
// versions, or that do not follow the layout, are rejected.
func ParseTaskID(id string) (TaskID, error) {
	parts := strings.Split(id, taskIDSeparator)
	if len(parts) != 4 {
		return TaskID{}, errors.Wrapf(ErrInvalidTaskID, "expected 4 fields, got %d in %q", len(parts), id)
	}
	if parts[0] != TaskIDVersion {
		return TaskID{}, errors.Wrapf(ErrInvalidTaskID, "unsupported version %q in %q", parts[0], id)
	}
	if parts[1] == "" {
		return TaskID{}, errors.Wrapf(ErrInvalidTaskID, "empty job name in %q", id)
	}
	dueMillis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TaskID{}, errors.Wrapf(ErrInvalidTaskID, "bad due instant in %q", id)
	}
	attempt, err := strconv.Atoi(parts[3])
	if err != nil || attempt < 0 {
		return TaskID{}, errors.Wrapf(ErrInvalidTaskID, "bad attempt in %q", id)
	}
	return TaskID{
		Version: parts[0],
		JobName: parts[1],
		Due:     time.UnixMilli(dueMillis).UTC(),
		Attempt: attempt,
	}, nil
}

func validateName(name string) error {
	if strings.Contains(name, taskIDSeparator) {
		return fmt.Errorf("job name %q must not contain %q", name, taskIDSeparator)
	}
	return nil
}
