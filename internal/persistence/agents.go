package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
	"github.com/apm-auto/coordinator/internal/statemachine"
)

// CreateAgent inserts a new agent row with status Spawning and writes the
// creation transition (from_state ""). Duplicate ids fail with
// ErrAgentExists (wrapped as a ConstraintViolationError by the unique
// primary key).
func (s *Store) CreateAgent(ctx context.Context, id string, agentType model.AgentType, domain *model.AgentDomain, metadataJSON string) (model.Agent, error) {
	if !agentType.Valid() {
		return model.Agent{}, fmt.Errorf("invalid agent type %q", agentType)
	}
	now := time.Now().UTC()
	agent := model.Agent{
		ID:             id,
		Type:           agentType,
		Status:         model.AgentSpawning,
		Domain:         domain,
		SpawnedAt:      now,
		LastActivityAt: now,
		MetadataJSON:   metadataJSON,
	}
	if agent.MetadataJSON == "" {
		agent.MetadataJSON = "{}"
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE id = ?`, id).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return &ConstraintViolationError{Kind: "unique", Err: ErrAgentExists}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, type, status, current_task_id, domain, spawned_at, last_activity_at, process_id, worktree_path, metadata_json)
			VALUES (?, ?, ?, NULL, ?, ?, ?, NULL, NULL, ?)`,
			id, string(agentType), string(model.AgentSpawning), domainString(domain), now, now, agent.MetadataJSON); err != nil {
			return err
		}
		return writeTransition(ctx, tx, model.EntityAgent, id, "", string(model.AgentSpawning), model.TriggerAutomatic, now, nil)
	})
	if err != nil {
		return model.Agent{}, err
	}
	s.emitAgentTransition(id, "", model.AgentSpawning, now, model.TriggerAutomatic, nil)
	return agent, nil
}

// UpdateAgentStateOpts configures a single updateAgentState call.
type UpdateAgentStateOpts struct {
	Trigger         model.TransitionTrigger
	Metadata        map[string]any
	MetadataJSON    string // raw override; Metadata is ignored if this is set
	TerminationKind string // "crash"/"error"/"" — consulted by the Terminated->Active guard
}

// UpdateAgentState reads the current status, validates the transition
// against the agent state machine (including guards), updates the row and
// last_activity_at, and writes a transition row, all in one transaction.
// Emits the matching lifecycle event after commit.
func (s *Store) UpdateAgentState(ctx context.Context, id string, to model.AgentStatus, opts UpdateAgentStateOpts) error {
	if !to.Valid() {
		return fmt.Errorf("invalid agent status %q", to)
	}
	now := time.Now().UTC()
	var from model.AgentStatus
	metaJSON := opts.MetadataJSON

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var currentTaskID sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT status, current_task_id FROM agents WHERE id = ?`, id).Scan(&from, &currentTaskID); err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}

		guardCtx := &statemachine.AgentTransitionContext{TerminationKind: opts.TerminationKind}
		if currentTaskID.Valid {
			v := currentTaskID.String
			guardCtx.CurrentTaskID = &v
		}
		if err := agentMachine.CanTransition(from, to, guardCtx); err != nil {
			return &InvalidTransitionError{EntityType: "Agent", EntityID: id, From: string(from), To: string(to), Reason: err.Error()}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, last_activity_at = ? WHERE id = ?`, string(to), now, id); err != nil {
			return err
		}
		return writeTransition(ctx, tx, model.EntityAgent, id, string(from), string(to), opts.Trigger, now, nullableMetadata(metaJSON))
	})
	if err != nil {
		return err
	}
	s.emitAgentTransition(id, from, to, now, opts.Trigger, opts.Metadata)
	return nil
}

// UpdateAgentTask sets current_task_id. Only a Spawning agent is forbidden
// a task outright; every other status accepts either, since the caller
// always straddles a task change across a state transition in one of two
// orders: set the task on an Idle agent just before promoting it to Active
// (UpdateAgentTask, then UpdateAgentState), or clear it just after the
// matching Active->Idle transition (UpdateAgentState, then
// UpdateAgentTask). The agent state machine's own guards (Idle->Active
// requires a task, *->Idle requires none) enforce the real invariant at
// the transition itself.
func (s *Store) UpdateAgentTask(ctx context.Context, id string, taskID *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status model.AgentStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, id).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		if status == model.AgentSpawning && taskID != nil {
			return fmt.Errorf("agent %s in status %s must not have a current task", id, status)
		}
		var taskArg any
		if taskID != nil {
			taskArg = *taskID
		}
		_, err := tx.ExecContext(ctx, `UPDATE agents SET current_task_id = ? WHERE id = ?`, taskArg, id)
		return err
	})
}

// Heartbeat sets last_activity_at := now() without writing a transition row.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrEntityNotFound
		}
		return nil
	})
}

// GetAgent fetches a single agent row.
func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	var a model.Agent
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, type, status, current_task_id, domain, spawned_at, last_activity_at, process_id, worktree_path, metadata_json
			FROM agents WHERE id = ?`, id)
		var err error
		a, err = scanAgent(row)
		return err
	})
	return a, err
}

// GetAgentsByStatus returns every agent with the given status.
func (s *Store) GetAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, current_task_id, domain, spawned_at, last_activity_at, process_id, worktree_path, metadata_json
		FROM agents WHERE status = ? ORDER BY spawned_at ASC`, string(status))
}

// GetActiveAgents returns agents with status Active or Waiting.
func (s *Store) GetActiveAgents(ctx context.Context) ([]model.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, current_task_id, domain, spawned_at, last_activity_at, process_id, worktree_path, metadata_json
		FROM agents WHERE status IN ('Active','Waiting') ORDER BY spawned_at ASC`)
}

// GetAllAgents returns every agent row regardless of status, used by the
// orchestration loop's agent-selection query.
func (s *Store) GetAllAgents(ctx context.Context) ([]model.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, type, status, current_task_id, domain, spawned_at, last_activity_at, process_id, worktree_path, metadata_json
		FROM agents ORDER BY spawned_at ASC`)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]model.Agent, error) {
	var out []model.Agent
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// rowScanner abstracts *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var a model.Agent
	var typ, status string
	var currentTask, domain, worktree sql.NullString
	var processID sql.NullInt64

	if err := row.Scan(&a.ID, &typ, &status, &currentTask, &domain, &a.SpawnedAt, &a.LastActivityAt, &processID, &worktree, &a.MetadataJSON); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrEntityNotFound
		}
		return a, err
	}
	a.Type = model.AgentType(typ)
	a.Status = model.AgentStatus(status)
	if currentTask.Valid {
		v := currentTask.String
		a.CurrentTaskID = &v
	}
	if domain.Valid {
		d := model.AgentDomain(domain.String)
		a.Domain = &d
	}
	if processID.Valid {
		v := int(processID.Int64)
		a.ProcessID = &v
	}
	if worktree.Valid {
		v := worktree.String
		a.WorktreePath = &v
	}
	return a, nil
}

// AgentStatistics summarises time-in-state and trigger counts for an agent,
// computed by summing adjacent transition timestamps.
type AgentStatistics struct {
	TimeInState   map[model.AgentStatus]time.Duration
	TriggerCounts map[model.TransitionTrigger]int
	TotalDuration time.Duration
}

// GetAgentStatistics computes time-in-state and trigger counts by summing
// adjacent transition timestamps.
func (s *Store) GetAgentStatistics(ctx context.Context, id string) (AgentStatistics, error) {
	history, err := s.GetAgentHistory(ctx, id, 0)
	if err != nil {
		return AgentStatistics{}, err
	}
	stats := AgentStatistics{
		TimeInState:   make(map[model.AgentStatus]time.Duration),
		TriggerCounts: make(map[model.TransitionTrigger]int),
	}
	for i, t := range history {
		stats.TriggerCounts[t.Trigger]++
		if i+1 < len(history) {
			d := history[i+1].Timestamp.Sub(t.Timestamp)
			stats.TimeInState[model.AgentStatus(t.ToState)] += d
			stats.TotalDuration += d
		}
	}
	return stats, nil
}

// DeleteAgent soft-deletes by transitioning to Terminated with UserAction.
func (s *Store) DeleteAgent(ctx context.Context, id, reason string) error {
	return s.UpdateAgentState(ctx, id, model.AgentTerminated, UpdateAgentStateOpts{
		Trigger:  model.TriggerUserAction,
		Metadata: map[string]any{"reason": reason},
	})
}

// HardDeleteAgent removes the agent row and its transitions outright.
// Test/admin only.
func (s *Store) HardDeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_transitions WHERE entity_type = 'Agent' AND entity_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		return err
	})
}

func (s *Store) emitAgentTransition(agentID string, from, to model.AgentStatus, ts time.Time, trigger model.TransitionTrigger, metadata map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.AgentStatusTopic(to),
		Payload: eventbus.AgentTransitionEvent{
			AgentID:   agentID,
			FromState: from,
			ToState:   to,
			Timestamp: ts,
			Trigger:   trigger,
			Metadata:  metadata,
		},
	})
}

func domainString(d *model.AgentDomain) any {
	if d == nil {
		return nil
	}
	return string(*d)
}

func nullableMetadata(raw string) *string {
	if raw == "" {
		return nil
	}
	return &raw
}
