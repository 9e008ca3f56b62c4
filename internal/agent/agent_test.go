package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-orchestrator/internal/ai/delegate"
	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/orchestrator"
	"github.com/floegence/redeven-orchestrator/internal/ai/tasksession"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/config"
)

type echoTransport struct {
	mu       sync.Mutex
	requests []llm.Request
}

func (e *echoTransport) Run(_ context.Context, req llm.Request) llm.Response {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if req.OnTokens != nil {
		req.OnTokens("ok", llm.TokenContent)
	}
	return llm.Response{Success: true, Output: []ir.Item{ir.Assistant("ok", "")}}
}

type nopExecutor struct{}

func (nopExecutor) Validate(context.Context, ir.ToolCallRequest) error { return nil }

func (nopExecutor) Run(context.Context, ir.ToolCallRequest) (tools.Result, error) {
	return tools.Result{Content: "done", Lines: 1}, nil
}

func testConfig(t *testing.T) *config.OrchestratorConfig {
	t.Helper()
	agentDir := filepath.Join(t.TempDir(), "agents")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "reviewer.md"),
		[]byte("---\nname: reviewer\ndescription: Reviews diffs\nmodel: review-model\ntools: [read, list]\n---\nReview carefully.\n"), 0o600))

	return &config.OrchestratorConfig{
		Providers: []config.Provider{{
			ID:     "anthropic",
			Type:   config.ProviderTypeAnthropic,
			Models: []config.ProviderModel{{ModelName: "main-model", IsDefault: true}},
		}},
		SessionDBPath: filepath.Join(t.TempDir(), "sessions.db"),
		AgentDirs:     []string{agentDir},
		ToolWhitelist: []string{tools.EditToolName},
		LogLevel:      "error",
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Executor: nopExecutor{}})
	require.Error(t, err)

	_, err = New(Options{Config: testConfig(t), Transport: &echoTransport{}})
	require.Error(t, err)

	_, err = New(Options{Config: &config.OrchestratorConfig{}, Executor: nopExecutor{}, Transport: &echoTransport{}})
	require.Error(t, err)

	_, err = New(Options{
		Config:     testConfig(t),
		Executor:   nopExecutor{},
		ResolveKey: func(string) (string, error) { return "", errors.New("no key") },
		LogOutput:  io.Discard,
	})
	require.ErrorContains(t, err, "no key")
}

func TestNew_BuildsWorkingMachine(t *testing.T) {
	t.Parallel()
	transport := &echoTransport{}
	a, err := New(Options{Config: testConfig(t), Transport: transport, Executor: nopExecutor{}, SystemPrompt: "be brief", LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, ok := a.Agents().Lookup("reviewer")
	require.True(t, ok)

	m := a.Machine()
	cmd := m.Update(orchestrator.SubmitMsg{Text: "hello"})
	for cmd != nil {
		msg := cmd()
		if msg == nil {
			break
		}
		cmd = m.Update(msg)
	}
	assert.Equal(t, orchestrator.ModeInput, m.Mode().Kind)
	assert.Len(t, m.History(), 2)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "main-model", req.Model)
	assert.Equal(t, "be brief", req.SystemPrompt)
	var names []string
	for _, def := range req.Tools {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, tools.TaskToolName)
}

func TestDelegation_UsesCustomAgentAndMirrorsSessions(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	transport := &echoTransport{}
	a, err := New(Options{Config: cfg, Transport: transport, Executor: nopExecutor{}, LogOutput: io.Discard})
	require.NoError(t, err)

	call := ir.ToolCallRequest{ID: "call_9", Function: ir.Function{Name: tools.TaskToolName,
		Arguments: `{"description":"review","prompt":"review the diff","subagent_type":"reviewer","task_id":"rev-1"}`}}
	out, err := a.Delegation().Run(context.Background(), call)
	require.NoError(t, err)
	obs, ok := delegate.ParseObservation(out)
	require.True(t, ok)
	assert.Equal(t, "rev-1", obs.TaskID)
	assert.Equal(t, "reviewer", obs.Subagent)
	assert.Equal(t, "ok", obs.Result)

	require.Len(t, transport.requests, 1)
	assert.Equal(t, "review-model", transport.requests[0].Model)
	require.NoError(t, a.Close())

	mirror, err := tasksession.OpenSQLite(cfg.SessionDBPath)
	require.NoError(t, err)
	defer mirror.Close()
	subagent, history, ok, err := mirror.Load(context.Background(), "rev-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reviewer", subagent)
	require.Len(t, history, 2)
	assert.Equal(t, ir.KindUser, history[0].Kind)
}

func TestRun_StopsWithContext(t *testing.T) {
	t.Parallel()
	a, err := New(Options{Config: testConfig(t), Transport: &echoTransport{}, Executor: nopExecutor{}, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
}
