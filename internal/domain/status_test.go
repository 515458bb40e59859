package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAddChild(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == TaskStatusPending || s == TaskStatusRunning
		assert.Equal(t, want, CanAddChild(s), "status %s", s)
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusSuccess:   true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
		TaskStatusCompleted: true,
	}
	for _, s := range AllStatuses() {
		assert.Equal(t, terminal[s], s.IsTerminal(), "status %s", s)
	}
	assert.ElementsMatch(t, TerminalStatuses(), []TaskStatus{
		TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted,
	})
}

func TestCanApply(t *testing.T) {
	tests := []struct {
		action string
		from   TaskStatus
		to     TaskStatus
		ok     bool
	}{
		{ActionStart, TaskStatusPending, TaskStatusRunning, true},
		{ActionStart, TaskStatusPaused, TaskStatusRunning, true},
		{ActionStart, TaskStatusRunning, "", false},
		{ActionPause, TaskStatusRunning, TaskStatusPaused, true},
		{ActionPause, TaskStatusPending, "", false},
		{ActionResume, TaskStatusPaused, TaskStatusRunning, true},
		{ActionResume, TaskStatusFailed, "", false},
		{ActionCancel, TaskStatusPending, TaskStatusCancelled, true},
		{ActionCancel, TaskStatusRunning, TaskStatusCancelled, true},
		{ActionCancel, TaskStatusPaused, TaskStatusCancelled, true},
		{ActionCancel, TaskStatusSuccess, "", false},
		{ActionSucceed, TaskStatusRunning, TaskStatusSuccess, true},
		{ActionSucceed, TaskStatusPaused, "", false},
		{ActionFail, TaskStatusRunning, TaskStatusFailed, true},
		{ActionRetry, TaskStatusFailed, TaskStatusRunning, true},
		{ActionRetry, TaskStatusCancelled, "", false},
		{ActionComplete, TaskStatusRunning, TaskStatusCompleted, true},
		{"unknown", TaskStatusRunning, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.action+"_from_"+string(tt.from), func(t *testing.T) {
			to, ok := CanApply(tt.action, tt.from)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestArchivalStatus(t *testing.T) {
	assert.Equal(t, TaskStatusSuccess, ArchivalStatus(TaskStatusSuccess))
	assert.Equal(t, TaskStatusFailed, ArchivalStatus(TaskStatusFailed))
	assert.Equal(t, TaskStatusCancelled, ArchivalStatus(TaskStatusCancelled))
	assert.Equal(t, TaskStatusCompleted, ArchivalStatus(TaskStatusCompleted))
	assert.Equal(t, TaskStatusCompleted, ArchivalStatus(TaskStatusRunning))
	assert.Equal(t, TaskStatusCompleted, ArchivalStatus(TaskStatus("bogus")))
}
