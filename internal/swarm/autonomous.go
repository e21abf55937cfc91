package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// idlePollInterval is how long runAutonomousAgent sleeps between failed
// claim attempts before re-checking its idle timeout, per SPEC_FULL.md
// §4.5's "Autonomous mode" loop. Short enough that max_duration_seconds and
// idle_timeout_seconds are honored to within a second or two.
const idlePollInterval = 2 * time.Second

// runAutonomousAgent drives an autonomous-mode swarm agent: it repeatedly
// claims the next matching ready Task off the work queue and executes it
// in session, until it runs out of budget (max_duration_seconds,
// max_tasks) or sits idle past idle_timeout_seconds with nothing to claim,
// per SPEC_FULL.md §4.5's Autonomous mode algorithm.
func (o *Orchestrator) runAutonomousAgent(ctx context.Context, sw *model.Swarm, rt *runtime, agent *model.SwarmAgent, session *model.Session) {
	start := time.Now()
	lastActivity := time.Now()
	tasksCompleted := 0
	tasksFailed := 0

	filters := store.ClaimFilters{
		WorkingDir:    sw.WorkingDir,
		TaskTypes:     agent.TaskTypes,
		RequiredTools: agent.Capabilities,
	}

	for {
		if ctx.Err() != nil {
			o.markAgent(ctx, agent.ID, model.AgentCancelled, "", "context cancelled")
			return
		}
		if rt.cancelled.Load() {
			o.markAgent(ctx, agent.ID, model.AgentCancelled, "", "swarm cancelled")
			return
		}
		if agent.MaxDurationSeconds > 0 && time.Since(start) >= time.Duration(agent.MaxDurationSeconds)*time.Second {
			break
		}
		if agent.MaxTasks > 0 && tasksCompleted >= agent.MaxTasks {
			break
		}

		task, err := o.queue.ClaimAny(ctx, filters, session.ID, agent.ID)
		if err != nil {
			if !isNotFound(err) {
				o.markAgent(ctx, agent.ID, model.AgentFailed, "", fmt.Sprintf("claiming task: %v", err))
				return
			}
			idleFor := time.Since(lastActivity)
			if agent.IdleTimeoutSeconds > 0 && idleFor >= time.Duration(agent.IdleTimeoutSeconds)*time.Second {
				break
			}
			select {
			case <-ctx.Done():
				o.markAgent(ctx, agent.ID, model.AgentCancelled, "", "context cancelled")
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}

		lastActivity = time.Now()
		currentTaskID := task.ID
		_ = o.store.UpdateSwarmAgent(ctx, agent.ID, store.AgentFields{CurrentTaskID: &currentTaskID})

		if err := o.queue.Start(ctx, task.ID); err != nil {
			_ = o.queue.Release(ctx, task.ID, fmt.Sprintf("starting task: %v", err))
			continue
		}

		prompt := buildTaskPrompt(agent, *task)
		startedAt := time.Now()
		blocks, outputText, toolCount, err := o.invoker.Invoke(ctx, session, prompt)
		if err != nil || strings.TrimSpace(outputText) == "" {
			msg := "empty output"
			if err != nil {
				msg = err.Error()
			}
			_ = o.queue.Release(ctx, task.ID, msg)
			tasksFailed++
			o.updateTaskCounters(ctx, agent.ID, tasksCompleted, tasksFailed, "")
			continue
		}

		conv := &model.Conversation{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      model.RoleAssistant,
			Timestamp: startedAt,
			Blocks:    blocks,
		}
		if err := o.store.InsertConversationWithBlocks(ctx, conv); err != nil {
			_ = o.queue.Release(ctx, task.ID, fmt.Sprintf("persisting conversation: %v", err))
			tasksFailed++
			o.updateTaskCounters(ctx, agent.ID, tasksCompleted, tasksFailed, "")
			continue
		}

		if err := o.queue.Complete(ctx, task.ID, "completed", o.synthesizeSummary(ctx, outputText)); err != nil {
			tasksFailed++
			o.updateTaskCounters(ctx, agent.ID, tasksCompleted, tasksFailed, "")
			continue
		}

		tasksCompleted++
		_ = toolCount
		o.updateTaskCounters(ctx, agent.ID, tasksCompleted, tasksFailed, "")
	}

	status := model.AgentCompleted
	completedAt := time.Now()
	empty := ""
	if err := o.store.UpdateSwarmAgent(ctx, agent.ID, store.AgentFields{
		Status:         &status,
		CompletedAt:    &completedAt,
		SessionID:      &session.ID,
		TasksCompleted: &tasksCompleted,
		TasksFailed:    &tasksFailed,
		CurrentTaskID:  &empty,
	}); err != nil {
		return
	}
}

func (o *Orchestrator) updateTaskCounters(ctx context.Context, agentID string, completed, failed int, currentTaskID string) {
	_ = o.store.UpdateSwarmAgent(ctx, agentID, store.AgentFields{
		TasksCompleted: &completed,
		TasksFailed:    &failed,
		CurrentTaskID:  &currentTaskID,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

// buildTaskPrompt assembles the prompt an autonomous agent receives for one
// claimed task: its standing goal, the task's own fields, and a short
// memory protocol reminder to record durable facts to the swarm scratchpad,
// per SPEC_FULL.md §4.5's Autonomous mode.
func buildTaskPrompt(agent *model.SwarmAgent, task model.Task) string {
	var b strings.Builder
	if agent.Goal != "" {
		fmt.Fprintf(&b, "Standing goal: %s\n\n", agent.Goal)
	}
	fmt.Fprintf(&b, "## Task: %s\n\n%s\n", task.Title, task.Description)
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.AcceptanceCriteria)
	}
	if task.ContextSummary != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", task.ContextSummary)
	}
	if len(task.ScopePaths) > 0 {
		fmt.Fprintf(&b, "\nScope: %s\n", strings.Join(task.ScopePaths, ", "))
	}
	b.WriteString("\nRecord any durable fact worth remembering to the swarm scratchpad before finishing.\n")
	return b.String()
}
