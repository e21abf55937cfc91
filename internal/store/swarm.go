package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
)

// CreateSwarm inserts a new Swarm row.
func (s *Store) CreateSwarm(ctx context.Context, sw *model.Swarm) error {
	if sw.ID == "" {
		sw.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO swarms (
			id, name, parent_session_id, working_dir, git_branch_prefix, base_branch,
			status, auto_synthesize, synthesis_prompt, skip_synthesis_on_failure,
			auto_supervise, supervisor_warn_threshold, supervisor_cancel_threshold,
			created_at
		) VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sw.ID, sw.Name, sw.ParentSessionID, sw.WorkingDir, sw.GitBranchPrefix, sw.BaseBranch,
		sw.Status, sw.AutoSynthesize, sw.SynthesisPrompt, sw.SkipSynthesisOnFailure,
		sw.AutoSupervise, sw.SupervisorWarnThreshold, sw.SupervisorCancelThreshold, sw.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting swarm: %w", err)
	}
	return nil
}

// UpdateSwarm applies a full-row update of the mutable swarm fields
// (status, synthesis output/summary, completed_at).
func (s *Store) UpdateSwarm(ctx context.Context, sw *model.Swarm) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swarms SET status=$2, synthesis_output=$3, synthesis_summary=$4, completed_at=$5
		WHERE id=$1`,
		sw.ID, sw.Status, sw.SynthesisOutput, sw.SynthesisSummary, sw.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating swarm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// CreateSwarmAgent inserts a new SwarmAgent row.
func (s *Store) CreateSwarmAgent(ctx context.Context, a *model.SwarmAgent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	pluginsJSON, err := marshalStrings(a.Plugins)
	if err != nil {
		return fmt.Errorf("marshaling plugins: %w", err)
	}
	toolsJSON, err := marshalStrings(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshaling allowed_tools: %w", err)
	}
	dependsJSON, err := json.Marshal(a.DependsOn)
	if err != nil {
		return fmt.Errorf("marshaling depends_on: %w", err)
	}
	capsJSON, err := marshalStrings(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	typesJSON, err := marshalStrings(a.TaskTypes)
	if err != nil {
		return fmt.Errorf("marshaling task_types: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO swarm_agents (
			id, swarm_id, name, role, is_synthesis_agent, mode, prompt, personality,
			plugins, allowed_tools, thinking_budget, model, sandbox_mode, depends_on,
			status, goal, capabilities, task_types, max_tasks, max_duration_seconds,
			idle_timeout_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		a.ID, a.SwarmID, a.Name, a.Role, a.IsSynthesisAgent, a.Mode, a.Prompt, a.Personality,
		pluginsJSON, toolsJSON, a.ThinkingBudget, a.Model, a.SandboxMode, dependsJSON,
		a.Status, a.Goal, capsJSON, typesJSON, a.MaxTasks, a.MaxDurationSeconds,
		a.IdleTimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting swarm agent: %w", err)
	}
	return nil
}

// AgentFields names the columns UpdateSwarmAgent will set, non-nil pointers
// only.
type AgentFields struct {
	Status         *model.AgentStatus
	OutputText     *string
	OutputSummary  *string
	ErrorMessage   *string
	ToolCount      *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	SessionID      *string
	TasksCompleted *int
	TasksFailed    *int
	CurrentTaskID  *string
}

// UpdateSwarmAgent applies a partial update to a swarm_agents row.
func (s *Store) UpdateSwarmAgent(ctx context.Context, id string, f AgentFields) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.OutputText != nil {
		add("output_text", *f.OutputText)
	}
	if f.OutputSummary != nil {
		add("output_summary", *f.OutputSummary)
	}
	if f.ErrorMessage != nil {
		add("error_message", *f.ErrorMessage)
	}
	if f.ToolCount != nil {
		add("tool_count", *f.ToolCount)
	}
	if f.StartedAt != nil {
		add("started_at", *f.StartedAt)
	}
	if f.CompletedAt != nil {
		add("completed_at", *f.CompletedAt)
	}
	if f.SessionID != nil {
		add("session_id", *f.SessionID)
	}
	if f.TasksCompleted != nil {
		add("tasks_completed", *f.TasksCompleted)
	}
	if f.TasksFailed != nil {
		add("tasks_failed", *f.TasksFailed)
	}
	if f.CurrentTaskID != nil {
		args = append(args, *f.CurrentTaskID)
		sets = append(sets, fmt.Sprintf("current_task_id = NULLIF($%d,'')::uuid", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE swarm_agents SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating swarm agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListSwarmAgents returns all agents of a swarm, unordered beyond insertion.
func (s *Store) ListSwarmAgents(ctx context.Context, swarmID string) ([]model.SwarmAgent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, swarm_id, name, role, is_synthesis_agent, mode, prompt, personality,
		       plugins, allowed_tools, thinking_budget, model, sandbox_mode, depends_on,
		       status, COALESCE(output_text,''), COALESCE(output_summary,''), COALESCE(error_message,''), tool_count, started_at,
		       completed_at, COALESCE(session_id::text,''), goal, capabilities, task_types,
		       max_tasks, max_duration_seconds, idle_timeout_seconds, tasks_completed,
		       tasks_failed, COALESCE(current_task_id::text,'')
		FROM swarm_agents WHERE swarm_id = $1`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("querying swarm agents: %w", err)
	}
	defer rows.Close()

	var out []model.SwarmAgent
	for rows.Next() {
		a, err := scanSwarmAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwarmAgent(row rowScanner) (*model.SwarmAgent, error) {
	var a model.SwarmAgent
	var pluginsJSON, toolsJSON, dependsJSON, capsJSON, typesJSON []byte
	if err := row.Scan(
		&a.ID, &a.SwarmID, &a.Name, &a.Role, &a.IsSynthesisAgent, &a.Mode, &a.Prompt, &a.Personality,
		&pluginsJSON, &toolsJSON, &a.ThinkingBudget, &a.Model, &a.SandboxMode, &dependsJSON,
		&a.Status, &a.OutputText, &a.OutputSummary, &a.ErrorMessage, &a.ToolCount, &a.StartedAt,
		&a.CompletedAt, &a.SessionID, &a.Goal, &capsJSON, &typesJSON,
		&a.MaxTasks, &a.MaxDurationSeconds, &a.IdleTimeoutSeconds, &a.TasksCompleted,
		&a.TasksFailed, &a.CurrentTaskID,
	); err != nil {
		return nil, fmt.Errorf("scanning swarm agent: %w", err)
	}
	if len(pluginsJSON) > 0 {
		json.Unmarshal(pluginsJSON, &a.Plugins) //nolint:errcheck
	}
	if len(toolsJSON) > 0 {
		json.Unmarshal(toolsJSON, &a.AllowedTools) //nolint:errcheck
	}
	if len(dependsJSON) > 0 {
		if err := json.Unmarshal(dependsJSON, &a.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshaling depends_on: %w", err)
		}
	}
	if len(capsJSON) > 0 {
		json.Unmarshal(capsJSON, &a.Capabilities) //nolint:errcheck
	}
	if len(typesJSON) > 0 {
		json.Unmarshal(typesJSON, &a.TaskTypes) //nolint:errcheck
	}
	return &a, nil
}

// LoadSwarmWithAgents loads a Swarm row and all of its agents.
func (s *Store) LoadSwarmWithAgents(ctx context.Context, id string) (*model.Swarm, []model.SwarmAgent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(parent_session_id::text,''), working_dir,
		       COALESCE(git_branch_prefix,''), COALESCE(base_branch,''), status,
		       auto_synthesize, COALESCE(synthesis_prompt,''), skip_synthesis_on_failure,
		       auto_supervise, COALESCE(supervisor_warn_threshold,0),
		       COALESCE(supervisor_cancel_threshold,0), COALESCE(synthesis_output,''),
		       COALESCE(synthesis_summary,''), created_at, completed_at
		FROM swarms WHERE id = $1`, id)

	var sw model.Swarm
	var completedAt *time.Time
	if err := row.Scan(
		&sw.ID, &sw.Name, &sw.ParentSessionID, &sw.WorkingDir, &sw.GitBranchPrefix, &sw.BaseBranch,
		&sw.Status, &sw.AutoSynthesize, &sw.SynthesisPrompt, &sw.SkipSynthesisOnFailure,
		&sw.AutoSupervise, &sw.SupervisorWarnThreshold, &sw.SupervisorCancelThreshold,
		&sw.SynthesisOutput, &sw.SynthesisSummary, &sw.CreatedAt, &completedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.ErrNotFound
		}
		return nil, nil, fmt.Errorf("scanning swarm: %w", err)
	}
	if completedAt != nil {
		sw.UpdatedAt = *completedAt
	}

	agents, err := s.ListSwarmAgents(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &sw, agents, nil
}

// ListSwarms returns swarms most-recent-first, optionally filtered by
// parent session, for the swarm-list HTTP endpoint.
func (s *Store) ListSwarms(ctx context.Context, parentSessionID string, limit int) ([]model.Swarm, error) {
	if limit <= 0 {
		limit = 50
	}

	const cols = `id, name, COALESCE(parent_session_id::text,''), working_dir,
		       COALESCE(git_branch_prefix,''), COALESCE(base_branch,''), status,
		       auto_synthesize, COALESCE(synthesis_prompt,''), skip_synthesis_on_failure,
		       auto_supervise, COALESCE(supervisor_warn_threshold,0),
		       COALESCE(supervisor_cancel_threshold,0), COALESCE(synthesis_output,''),
		       COALESCE(synthesis_summary,''), created_at, completed_at`

	var rows pgx.Rows
	var err error
	if parentSessionID != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM swarms WHERE parent_session_id = $1 ORDER BY created_at DESC LIMIT $2`, parentSessionID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM swarms ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing swarms: %w", err)
	}
	defer rows.Close()

	var out []model.Swarm
	for rows.Next() {
		var sw model.Swarm
		var completedAt *time.Time
		if err := rows.Scan(
			&sw.ID, &sw.Name, &sw.ParentSessionID, &sw.WorkingDir, &sw.GitBranchPrefix, &sw.BaseBranch,
			&sw.Status, &sw.AutoSynthesize, &sw.SynthesisPrompt, &sw.SkipSynthesisOnFailure,
			&sw.AutoSupervise, &sw.SupervisorWarnThreshold, &sw.SupervisorCancelThreshold,
			&sw.SynthesisOutput, &sw.SynthesisSummary, &sw.CreatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning swarm: %w", err)
		}
		if completedAt != nil {
			sw.UpdatedAt = *completedAt
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// SwarmScratchpadSet upserts a scratchpad entry.
func (s *Store) SwarmScratchpadSet(ctx context.Context, swarmID, key string, value map[string]any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling scratchpad value: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO swarm_scratchpad (swarm_id, key, value, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (swarm_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		swarmID, key, valueJSON,
	)
	if err != nil {
		return fmt.Errorf("upserting scratchpad entry: %w", err)
	}
	return nil
}

// SwarmScratchpadGet fetches one scratchpad entry.
func (s *Store) SwarmScratchpadGet(ctx context.Context, swarmID, key string) (*model.ScratchpadEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT swarm_id, key, value, updated_at FROM swarm_scratchpad WHERE swarm_id=$1 AND key=$2`,
		swarmID, key)

	var e model.ScratchpadEntry
	var valueJSON []byte
	if err := row.Scan(&e.SwarmID, &e.Key, &valueJSON, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning scratchpad entry: %w", err)
	}
	if err := json.Unmarshal(valueJSON, &e.Value); err != nil {
		return nil, fmt.Errorf("unmarshaling scratchpad value: %w", err)
	}
	return &e, nil
}

// SwarmScratchpadDelete removes one scratchpad entry.
func (s *Store) SwarmScratchpadDelete(ctx context.Context, swarmID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM swarm_scratchpad WHERE swarm_id=$1 AND key=$2`, swarmID, key)
	if err != nil {
		return fmt.Errorf("deleting scratchpad entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SwarmScratchpadList returns all scratchpad entries for a swarm.
func (s *Store) SwarmScratchpadList(ctx context.Context, swarmID string) ([]model.ScratchpadEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT swarm_id, key, value, updated_at FROM swarm_scratchpad WHERE swarm_id=$1 ORDER BY key`,
		swarmID)
	if err != nil {
		return nil, fmt.Errorf("querying scratchpad: %w", err)
	}
	defer rows.Close()

	var out []model.ScratchpadEntry
	for rows.Next() {
		var e model.ScratchpadEntry
		var valueJSON []byte
		if err := rows.Scan(&e.SwarmID, &e.Key, &valueJSON, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning scratchpad entry: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshaling scratchpad value: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
