// Package driver defines the boundary to the external cluster resource
// manager that actually launches tasks on worker nodes. The scheduler only
// starts and stops the driver and consumes its asynchronous status feed;
// everything else about task execution is the resource manager's business.
package driver

// TaskState is the state reported for a task by the resource manager.
type TaskState string

const (
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
	TaskFailed   TaskState = "FAILED"
	TaskKilled   TaskState = "KILLED"
	TaskLost     TaskState = "LOST"
)

// Terminal reports whether no further updates will arrive for the task.
func (s TaskState) Terminal() bool {
	return s == TaskFinished || s == TaskFailed || s == TaskKilled || s == TaskLost
}

// TaskStatus is one inbound status update.
type TaskStatus struct {
	TaskID  string
	State   TaskState
	SlaveID string
	Message string
}

// StatusHandler consumes the driver's status feed. Updates arrive on the
// driver's own goroutines, in arrival order.
type StatusHandler interface {
	HandleStatusUpdate(status TaskStatus)
}

// Driver is the lifecycle handle on the resource-manager connection. Start
// registers the framework (with the configured failover timeout, so tasks
// launched before a crash are still ours after re-registration); Close
// disconnects without failing over the framework.
type Driver interface {
	Start() error
	Close() error
}

// Factory builds a driver delivering status updates to handler. Injected so
// that the leader lifecycle can recreate the connection on each election.
type Factory func(handler StatusHandler) (Driver, error)

// NoopDriver is used for local runs without a resource manager attached.
type NoopDriver struct{}

func (NoopDriver) Start() error { return nil }
func (NoopDriver) Close() error { return nil }
