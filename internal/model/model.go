// Package model defines the core entities of the coordination store: agents,
// tasks, dependencies, sessions, checkpoints, and the state transition audit
// log. Enumerations are string-typed with a Valid method so storage layers
// can rely on the same vocabulary the runtime validator uses.
package model

import "time"

// AgentType distinguishes the Manager process from its workers.
type AgentType string

const (
	AgentTypeManager        AgentType = "Manager"
	AgentTypeImplementation AgentType = "Implementation"
	AgentTypeAdHoc          AgentType = "AdHoc"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeManager, AgentTypeImplementation, AgentTypeAdHoc:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent row.
type AgentStatus string

const (
	AgentSpawning   AgentStatus = "Spawning"
	AgentActive     AgentStatus = "Active"
	AgentWaiting    AgentStatus = "Waiting"
	AgentIdle       AgentStatus = "Idle"
	AgentTerminated AgentStatus = "Terminated"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentSpawning, AgentActive, AgentWaiting, AgentIdle, AgentTerminated:
		return true
	}
	return false
}

// AgentDomain is the fixed specialisation enumeration for Implementation
// agents. Required whenever AgentType == AgentTypeImplementation.
type AgentDomain string

const (
	DomainFoundation    AgentDomain = "Foundation"
	DomainCLI           AgentDomain = "CLI"
	DomainCommunication AgentDomain = "Communication"
	DomainAutomation    AgentDomain = "Automation"
	DomainParallel      AgentDomain = "Parallel"
	DomainQA            AgentDomain = "QA"
	DomainMonitoring    AgentDomain = "Monitoring"
	DomainSession       AgentDomain = "Session"
	DomainConfig        AgentDomain = "Config"
	DomainDocs          AgentDomain = "Docs"
	DomainGeneral       AgentDomain = "General"
)

func (d AgentDomain) Valid() bool {
	switch d {
	case DomainFoundation, DomainCLI, DomainCommunication, DomainAutomation,
		DomainParallel, DomainQA, DomainMonitoring, DomainSession, DomainConfig,
		DomainDocs, DomainGeneral:
		return true
	}
	return false
}

// Agent is a long-running worker process (or the Manager itself).
type Agent struct {
	ID             string
	Type           AgentType
	Status         AgentStatus
	CurrentTaskID  *string
	Domain         *AgentDomain
	SpawnedAt      time.Time
	LastActivityAt time.Time
	ProcessID      *int
	WorktreePath   *string
	MetadataJSON   string
}

// TaskStatus is the lifecycle state of a task row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskAssigned   TaskStatus = "Assigned"
	TaskInProgress TaskStatus = "InProgress"
	TaskBlocked    TaskStatus = "Blocked"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskBlocked, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one unit of work in a plan.
type Task struct {
	ID               string
	PhaseID          string
	Status           TaskStatus
	AssignedAgent    *string
	RequiredDomain   *AgentDomain
	Priority         int
	StartTime        *time.Time
	CompletionTime   *time.Time
	ExecutionType    string
	MemoryLogPath    *string
	MetadataJSON     string
}

// DependencyType marks whether a dependency must complete before a task can
// become ready, or is merely informational.
type DependencyType string

const (
	DependencyRequired DependencyType = "required"
	DependencyOptional DependencyType = "optional"
)

func (t DependencyType) Valid() bool {
	return t == DependencyRequired || t == DependencyOptional
}

// TaskDependency is a directed edge task_id -> depends_on_task_id.
type TaskDependency struct {
	TaskID          string
	DependsOnTaskID string
	DependencyType  DependencyType
	Description     *string
}

// SessionStatus is the lifecycle state of a session row.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "Initializing"
	SessionRunning       SessionStatus = "Running"
	SessionPaused        SessionStatus = "Paused"
	SessionCompleted     SessionStatus = "Completed"
	SessionFailed        SessionStatus = "Failed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionInitializing, SessionRunning, SessionPaused, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Session groups a run of the orchestrator against one project.
type Session struct {
	ID           string
	ProjectID    string
	Status       SessionStatus
	StartTime    time.Time
	PauseTime    *time.Time
	EndTime      *time.Time
	MetadataJSON string
}

// SessionCheckpoint is a point-in-time snapshot of session progress, used to
// restore context across a crash/recovery cycle.
type SessionCheckpoint struct {
	ID                  string
	SessionID           string
	Timestamp           time.Time
	Description         string
	ActiveAgentsJSON     string
	CompletedTasksJSON   string
	InProgressTasksJSON  string
	MetadataJSON         *string
}

// EntityType names the kind of row a StateTransition audits.
type EntityType string

const (
	EntityAgent   EntityType = "Agent"
	EntityTask    EntityType = "Task"
	EntitySession EntityType = "Session"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityAgent, EntityTask, EntitySession:
		return true
	}
	return false
}

// TransitionTrigger records why a state change happened.
type TransitionTrigger string

const (
	TriggerAutomatic  TransitionTrigger = "Automatic"
	TriggerUserAction TransitionTrigger = "UserAction"
	TriggerDependency TransitionTrigger = "Dependency"
	TriggerError      TransitionTrigger = "Error"
	TriggerTimeout    TransitionTrigger = "Timeout"
	TriggerManual     TransitionTrigger = "Manual"
	TriggerRecovery   TransitionTrigger = "Recovery"
)

func (t TransitionTrigger) Valid() bool {
	switch t {
	case TriggerAutomatic, TriggerUserAction, TriggerDependency, TriggerError,
		TriggerTimeout, TriggerManual, TriggerRecovery:
		return true
	}
	return false
}

// StateTransition is one row of the append-only audit log. FromState is the
// empty string on the creation row for an entity.
type StateTransition struct {
	ID           int64
	EntityType   EntityType
	EntityID     string
	FromState    string
	ToState      string
	Timestamp    time.Time
	Trigger      TransitionTrigger
	MetadataJSON *string
}
