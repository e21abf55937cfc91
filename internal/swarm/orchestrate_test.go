//go:build integration

package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/workqueue"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("meridian_test"),
		postgres.WithUsername("meridian"),
		postgres.WithPassword("meridian"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	st, err := store.Open(ctx, store.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "meridian",
		Password: "meridian",
		Database: "meridian_test",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// fakeInvoker records the order in which agents were invoked and returns a
// canned, per-agent-name output.
type fakeInvoker struct {
	mu      sync.Mutex
	order   []string
	outputs map[string]string
	fail    map[string]bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, session *model.Session, prompt string) ([]model.ConversationBlock, string, int, error) {
	f.mu.Lock()
	f.order = append(f.order, session.Name)
	f.mu.Unlock()

	name := session.Name
	if f.fail != nil {
		for n, shouldFail := range f.fail {
			if shouldFail && contains(name, n) {
				return nil, "", 0, assertErr
			}
		}
	}
	out := "default output"
	if f.outputs != nil {
		for n, o := range f.outputs {
			if contains(name, n) {
				out = o
			}
		}
	}
	block := model.ConversationBlock{Type: model.BlockText, Text: out}
	return []model.ConversationBlock{block}, out, 0, nil
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

var assertErr = &invokeError{"invoker failed"}

type invokeError struct{ msg string }

func (e *invokeError) Error() string { return e.msg }

func newTestOrchestrator(t *testing.T, st *store.Store, invoker AgentInvoker) *Orchestrator {
	t.Helper()
	return NewOrchestrator(st, workqueue.New(st), invoker, SummaryPolicy{SummaryThresholdChars: 4000}, nil)
}

func TestRunExecutesDependentsAfterPredecessors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	invoker := &fakeInvoker{outputs: map[string]string{"builder": "built ok", "tester": "tests pass"}}
	o := newTestOrchestrator(t, st, invoker)

	sw, _, err := o.Create(ctx, model.SwarmSpec{
		Name:       "build-and-test",
		WorkingDir: "/tmp/work",
		Agents: []model.AgentSpec{
			{Name: "builder", Mode: model.ModeAssigned, Prompt: "build it"},
			{Name: "tester", Mode: model.ModeAssigned, Prompt: "test it", DependsOn: []model.DependencySpec{
				{Agent: "builder", Include: model.IncludeFull},
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, sw.ID))

	_, agents, err := st.LoadSwarmWithAgents(ctx, sw.ID)
	require.NoError(t, err)
	byName := map[string]model.SwarmAgent{}
	for _, a := range agents {
		byName[a.Name] = a
	}
	assert.Equal(t, model.AgentCompleted, byName["builder"].Status)
	assert.Equal(t, model.AgentCompleted, byName["tester"].Status)

	builderIdx, testerIdx := -1, -1
	for i, n := range invoker.order {
		if contains(n, "builder") {
			builderIdx = i
		}
		if contains(n, "tester") {
			testerIdx = i
		}
	}
	require.GreaterOrEqual(t, builderIdx, 0)
	require.GreaterOrEqual(t, testerIdx, 0)
	assert.Less(t, builderIdx, testerIdx)
}

func TestRunSkipsSynthesisWhenAPredecessorFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	invoker := &fakeInvoker{fail: map[string]bool{"flaky": true}}
	o := newTestOrchestrator(t, st, invoker)

	sw, _, err := o.Create(ctx, model.SwarmSpec{
		Name:                   "with-synthesis",
		WorkingDir:             "/tmp/work",
		AutoSynthesize:         true,
		SkipSynthesisOnFailure: true,
		Agents: []model.AgentSpec{
			{Name: "flaky", Mode: model.ModeAssigned, Prompt: "do a flaky thing"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, sw.ID))

	_, agents, err := st.LoadSwarmWithAgents(ctx, sw.ID)
	require.NoError(t, err)
	byName := map[string]model.SwarmAgent{}
	for _, a := range agents {
		byName[a.Name] = a
	}
	assert.Equal(t, model.AgentFailed, byName["flaky"].Status)
	assert.Equal(t, model.AgentSkipped, byName[synthesisAgentName].Status)
}

func TestRunSkipsDependentWhenConditionIsFalse(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	invoker := &fakeInvoker{outputs: map[string]string{"check": `{"status":"fail"}`}}
	o := newTestOrchestrator(t, st, invoker)

	sw, _, err := o.Create(ctx, model.SwarmSpec{
		Name:       "conditional",
		WorkingDir: "/tmp/work",
		Agents: []model.AgentSpec{
			{Name: "check", Mode: model.ModeAssigned, Prompt: "check it"},
			{Name: "ship", Mode: model.ModeAssigned, Prompt: "ship it", DependsOn: []model.DependencySpec{
				{Agent: "check", Include: model.IncludeFull, Condition: `output.status == "pass"`},
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, sw.ID))

	_, agents, err := st.LoadSwarmWithAgents(ctx, sw.ID)
	require.NoError(t, err)
	byName := map[string]model.SwarmAgent{}
	for _, a := range agents {
		byName[a.Name] = a
	}
	assert.Equal(t, model.AgentCompleted, byName["check"].Status)
	assert.Equal(t, model.AgentSkipped, byName["ship"].Status)
}

func TestCreateRejectsCyclicSpec(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := newTestOrchestrator(t, st, &fakeInvoker{})

	_, _, err := o.Create(ctx, model.SwarmSpec{
		Name:       "cyclic",
		WorkingDir: "/tmp/work",
		Agents: []model.AgentSpec{
			{Name: "a", DependsOn: []model.DependencySpec{{Agent: "b"}}},
			{Name: "b", DependsOn: []model.DependencySpec{{Agent: "a"}}},
		},
	})
	require.Error(t, err)
}
