package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/model"
)

// CreateTaskOpts configures CreateTask.
type CreateTaskOpts struct {
	RequiredDomain *model.AgentDomain
	Priority       int
	ExecutionType  string
	MemoryLogPath  *string
	MetadataJSON   string
}

// CreateTask inserts a new task row with status Pending and writes the
// creation transition.
func (s *Store) CreateTask(ctx context.Context, id, phaseID string, opts CreateTaskOpts) (model.Task, error) {
	now := time.Now().UTC()
	task := model.Task{
		ID:             id,
		PhaseID:        phaseID,
		Status:         model.TaskPending,
		RequiredDomain: opts.RequiredDomain,
		Priority:       opts.Priority,
		ExecutionType:  opts.ExecutionType,
		MemoryLogPath:  opts.MemoryLogPath,
		MetadataJSON:   opts.MetadataJSON,
	}
	if task.MetadataJSON == "" {
		task.MetadataJSON = "{}"
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return &ConstraintViolationError{Kind: "unique", Err: fmt.Errorf("task %s already exists", id)}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, phase_id, status, assigned_agent, required_domain, priority, start_time, completion_time, execution_type, memory_log_path, metadata_json)
			VALUES (?, ?, ?, NULL, ?, ?, NULL, NULL, ?, ?, ?)`,
			id, phaseID, string(model.TaskPending), domainString(opts.RequiredDomain), opts.Priority, opts.ExecutionType, nullableString(opts.MemoryLogPath), task.MetadataJSON); err != nil {
			return err
		}
		return writeTransition(ctx, tx, model.EntityTask, id, "", string(model.TaskPending), model.TriggerAutomatic, now, nil)
	})
	if err != nil {
		return model.Task{}, err
	}
	s.emitTaskTransition(id, "", model.TaskPending, now, model.TriggerAutomatic)
	return task, nil
}

// UpdateTaskStateOpts configures UpdateTaskState.
type UpdateTaskStateOpts struct {
	Trigger      model.TransitionTrigger
	MetadataJSON *string
}

// UpdateTaskState validates and applies a task status transition, stamping
// start_time on entry to InProgress and completion_time on entry to a
// terminal state, and publishes task.completed/task.blocked afterwards.
func (s *Store) UpdateTaskState(ctx context.Context, id string, to model.TaskStatus, opts UpdateTaskStateOpts) error {
	if !to.Valid() {
		return fmt.Errorf("invalid task status %q", to)
	}
	now := time.Now().UTC()
	var from model.TaskStatus

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&from); err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		if err := taskMachine.CanTransition(from, to, nil); err != nil {
			return &InvalidTransitionError{EntityType: "Task", EntityID: id, From: string(from), To: string(to), Reason: err.Error()}
		}

		switch to {
		case model.TaskInProgress:
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, start_time = COALESCE(start_time, ?) WHERE id = ?`, string(to), now, id); err != nil {
				return err
			}
		case model.TaskCompleted, model.TaskFailed:
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completion_time = ? WHERE id = ?`, string(to), now, id); err != nil {
				return err
			}
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(to), id); err != nil {
				return err
			}
		}
		return writeTransition(ctx, tx, model.EntityTask, id, string(from), string(to), opts.Trigger, now, opts.MetadataJSON)
	})
	if err != nil {
		return err
	}
	s.emitTaskTransition(id, from, to, now, opts.Trigger)
	return nil
}

// AssignTask sets assigned_agent and transitions Pending->Assigned in one
// transaction, used by the orchestration loop's agent-selection step.
func (s *Store) AssignTask(ctx context.Context, id, agentID string) error {
	now := time.Now().UTC()
	var from model.TaskStatus

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&from); err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		if err := taskMachine.CanTransition(from, model.TaskAssigned, nil); err != nil {
			return &InvalidTransitionError{EntityType: "Task", EntityID: id, From: string(from), To: string(model.TaskAssigned), Reason: err.Error()}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_agent = ? WHERE id = ?`, string(model.TaskAssigned), agentID, id); err != nil {
			return err
		}
		return writeTransition(ctx, tx, model.EntityTask, id, string(from), string(model.TaskAssigned), model.TriggerAutomatic, now, nil)
	})
	if err != nil {
		return err
	}
	s.emitTaskTransition(id, from, model.TaskAssigned, now, model.TriggerAutomatic)
	return nil
}

// GetTask fetches a single task row.
func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, phase_id, status, assigned_agent, required_domain, priority, start_time, completion_time, execution_type, memory_log_path, metadata_json
			FROM tasks WHERE id = ?`, id)
		var err error
		t, err = scanTask(row)
		return err
	})
	return t, err
}

// GetTasksByPhase returns every task in a phase, ordered by priority desc
// then id asc.
func (s *Store) GetTasksByPhase(ctx context.Context, phaseID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, phase_id, status, assigned_agent, required_domain, priority, start_time, completion_time, execution_type, memory_log_path, metadata_json
		FROM tasks WHERE phase_id = ? ORDER BY priority DESC, id ASC`, phaseID)
}

// GetTasksByStatus returns every task with the given status.
func (s *Store) GetTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, phase_id, status, assigned_agent, required_domain, priority, start_time, completion_time, execution_type, memory_log_path, metadata_json
		FROM tasks WHERE status = ? ORDER BY priority DESC, id ASC`, string(status))
}

// GetAllTasks returns every task row, used by the dependency resolver to
// build its in-memory graph.
func (s *Store) GetAllTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, phase_id, status, assigned_agent, required_domain, priority, start_time, completion_time, execution_type, memory_log_path, metadata_json
		FROM tasks ORDER BY phase_id ASC, id ASC`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	var out []model.Task
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var status string
	var assignedAgent, requiredDomain, memoryLogPath sql.NullString
	var startTime, completionTime sql.NullTime

	if err := row.Scan(&t.ID, &t.PhaseID, &status, &assignedAgent, &requiredDomain, &t.Priority, &startTime, &completionTime, &t.ExecutionType, &memoryLogPath, &t.MetadataJSON); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrEntityNotFound
		}
		return t, err
	}
	t.Status = model.TaskStatus(status)
	if assignedAgent.Valid {
		v := assignedAgent.String
		t.AssignedAgent = &v
	}
	if requiredDomain.Valid {
		d := model.AgentDomain(requiredDomain.String)
		t.RequiredDomain = &d
	}
	if startTime.Valid {
		v := startTime.Time
		t.StartTime = &v
	}
	if completionTime.Valid {
		v := completionTime.Time
		t.CompletionTime = &v
	}
	if memoryLogPath.Valid {
		v := memoryLogPath.String
		t.MemoryLogPath = &v
	}
	return t, nil
}

// AddTaskDependency inserts a directed edge taskID -> dependsOnTaskID.
func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOnTaskID string, depType model.DependencyType, description *string) error {
	if !depType.Valid() {
		return fmt.Errorf("invalid dependency type %q", depType)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id, dependency_type, description)
			VALUES (?, ?, ?, ?)`, taskID, dependsOnTaskID, string(depType), nullableString(description))
		return err
	})
}

// GetTaskDependencies returns the dependencies for one task (edges where
// task_id = taskID).
func (s *Store) GetTaskDependencies(ctx context.Context, taskID string) ([]model.TaskDependency, error) {
	var out []model.TaskDependency
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, depends_on_task_id, dependency_type, description
			FROM task_dependencies WHERE task_id = ?`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d model.TaskDependency
			var depType string
			var desc sql.NullString
			if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &depType, &desc); err != nil {
				return err
			}
			d.DependencyType = model.DependencyType(depType)
			if desc.Valid {
				v := desc.String
				d.Description = &v
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// GetAllTaskDependencies returns every dependency edge, used by the
// dependency resolver to build its in-memory graph in one query.
func (s *Store) GetAllTaskDependencies(ctx context.Context) ([]model.TaskDependency, error) {
	var out []model.TaskDependency
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT task_id, depends_on_task_id, dependency_type, description FROM task_dependencies`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d model.TaskDependency
			var depType string
			var desc sql.NullString
			if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &depType, &desc); err != nil {
				return err
			}
			d.DependencyType = model.DependencyType(depType)
			if desc.Valid {
				v := desc.String
				d.Description = &v
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) emitTaskTransition(taskID string, from, to model.TaskStatus, ts time.Time, trigger model.TransitionTrigger) {
	if s.bus == nil {
		return
	}
	var topic string
	switch to {
	case model.TaskCompleted:
		topic = eventbus.TopicTaskCompleted
	case model.TaskBlocked:
		topic = eventbus.TopicTaskBlocked
	default:
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic: topic,
		Payload: eventbus.TaskTransitionEvent{
			TaskID:    taskID,
			FromState: from,
			ToState:   to,
			Timestamp: ts,
			Trigger:   trigger,
		},
	})
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
