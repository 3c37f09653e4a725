package statemachine

import "github.com/apm-auto/coordinator/internal/model"

// AgentTransitionContext carries the fields guards need to evaluate an
// agent transition without exposing the whole persistence row.
type AgentTransitionContext struct {
	CurrentTaskID   *string
	TerminationKind string // "crash", "error", or "" for a normal termination
}

// sentinel is the empty AgentStatus used for the creation edge null->Spawning.
const agentCreationState model.AgentStatus = ""

// NewAgentMachine builds the fixed agent lifecycle adjacency:
//
//	Spawning   -> {Active, Terminated}
//	Active     -> {Waiting, Idle, Terminated}
//	Waiting    -> {Active, Terminated}
//	Idle       -> {Active, Terminated}
//	Terminated -> {}            (absorbing)
//	""         -> {Spawning}    (creation only)
func NewAgentMachine() *Machine[model.AgentStatus] {
	m := New(map[model.AgentStatus][]model.AgentStatus{
		agentCreationState: {model.AgentSpawning},
		model.AgentSpawning: {model.AgentActive, model.AgentTerminated},
		model.AgentActive:   {model.AgentWaiting, model.AgentIdle, model.AgentTerminated},
		model.AgentWaiting:  {model.AgentActive, model.AgentTerminated},
		model.AgentIdle:     {model.AgentActive, model.AgentTerminated},
		model.AgentTerminated: {},
	})

	// Idle -> Active requires a non-null task.
	m.Guard(model.AgentIdle, model.AgentActive, func(_, _ model.AgentStatus, c any) (bool, string) {
		ctx, _ := c.(*AgentTransitionContext)
		if ctx == nil || ctx.CurrentTaskID == nil || *ctx.CurrentTaskID == "" {
			return false, "Idle -> Active requires a non-null current task"
		}
		return true, ""
	})

	// *->Idle requires no task.
	noTaskGuard := func(_, _ model.AgentStatus, c any) (bool, string) {
		ctx, _ := c.(*AgentTransitionContext)
		if ctx != nil && ctx.CurrentTaskID != nil && *ctx.CurrentTaskID != "" {
			return false, "*->Idle requires current task to be cleared first"
		}
		return true, ""
	}
	m.Guard(model.AgentActive, model.AgentIdle, noTaskGuard)
	m.Guard(model.AgentWaiting, model.AgentIdle, noTaskGuard)

	// Terminated->Active is rejected if termination metadata marks crash/error.
	m.Guard(model.AgentTerminated, model.AgentActive, func(_, _ model.AgentStatus, c any) (bool, string) {
		ctx, _ := c.(*AgentTransitionContext)
		if ctx != nil && (ctx.TerminationKind == "crash" || ctx.TerminationKind == "error") {
			return false, "agent terminated by crash or error must be respawned as a new agent, not reactivated"
		}
		return true, ""
	})

	return m
}
