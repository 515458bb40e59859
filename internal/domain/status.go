package domain

// TaskStatus represents the lifecycle state of a task node
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusCompleted TaskStatus = "completed"
)

// Status actions, used in transition errors and event reasons.
const (
	ActionStart    = "start"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionCancel   = "cancel"
	ActionSucceed  = "succeed"
	ActionFail     = "fail"
	ActionRetry    = "retry"
	ActionComplete = "complete"
)

// transitions maps an action to the statuses it may be applied from and the
// status it leads to.
var transitions = map[string]struct {
	from []TaskStatus
	to   TaskStatus
}{
	ActionStart:    {from: []TaskStatus{TaskStatusPending, TaskStatusPaused}, to: TaskStatusRunning},
	ActionPause:    {from: []TaskStatus{TaskStatusRunning}, to: TaskStatusPaused},
	ActionResume:   {from: []TaskStatus{TaskStatusPaused}, to: TaskStatusRunning},
	ActionCancel:   {from: []TaskStatus{TaskStatusRunning, TaskStatusPending, TaskStatusPaused}, to: TaskStatusCancelled},
	ActionSucceed:  {from: []TaskStatus{TaskStatusRunning}, to: TaskStatusSuccess},
	ActionFail:     {from: []TaskStatus{TaskStatusRunning}, to: TaskStatusFailed},
	ActionRetry:    {from: []TaskStatus{TaskStatusFailed}, to: TaskStatusRunning},
	ActionComplete: {from: []TaskStatus{TaskStatusRunning}, to: TaskStatusCompleted},
}

// AllStatuses returns every known status.
func AllStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusPending,
		TaskStatusRunning,
		TaskStatusPaused,
		TaskStatusSuccess,
		TaskStatusFailed,
		TaskStatusCancelled,
		TaskStatusCompleted,
	}
}

// NonTerminalStatuses returns the statuses of trees still in progress.
func NonTerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusPaused}
}

// TerminalStatuses returns the statuses that finish a tree.
func TerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted}
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
		TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether s finishes a tree.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted:
		return true
	}
	return false
}

// CanAddChild reports whether a node in status s accepts new children.
func CanAddChild(s TaskStatus) bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// CanApply reports whether action is permitted from status s, and the status
// it would lead to.
func CanApply(action string, s TaskStatus) (TaskStatus, bool) {
	t, ok := transitions[action]
	if !ok {
		return "", false
	}
	for _, from := range t.from {
		if from == s {
			return t.to, true
		}
	}
	return "", false
}

// ArchivalStatus maps a task status onto the narrower vocabulary of the
// completed store. Anything that is not a recognised terminal outcome is
// archived as completed.
func ArchivalStatus(s TaskStatus) TaskStatus {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted:
		return s
	}
	return TaskStatusCompleted
}
