package statemachine

import "github.com/apm-auto/coordinator/internal/model"

const taskCreationState model.TaskStatus = ""

// NewTaskMachine builds the fixed task lifecycle adjacency:
//
//	Pending -> Assigned -> InProgress -> {Blocked <-> InProgress, Completed, Failed}
//
// Blocked -> Completed is forbidden; a blocked task must resume to
// InProgress before it can complete.
func NewTaskMachine() *Machine[model.TaskStatus] {
	return New(map[model.TaskStatus][]model.TaskStatus{
		taskCreationState:    {model.TaskPending},
		model.TaskPending:    {model.TaskAssigned, model.TaskFailed},
		model.TaskAssigned:   {model.TaskInProgress, model.TaskFailed},
		model.TaskInProgress: {model.TaskBlocked, model.TaskCompleted, model.TaskFailed},
		model.TaskBlocked:    {model.TaskInProgress, model.TaskFailed},
		model.TaskCompleted:  {},
		model.TaskFailed:     {},
	})
}
