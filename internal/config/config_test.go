package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BASE_PATH", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "default_project", cfg.ProjectID)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 600*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 60*time.Second, cfg.ExecutorIdleTimeout)
	assert.Equal(t, 2400*time.Second, cfg.WorkerJobTimeout)
	assert.Equal(t, 300*time.Second, cfg.RunningStaleAfter)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatLogEvery)
	assert.Equal(t, 2, cfg.MaxParallelTasks)
	assert.Equal(t, 2, cfg.WorkerMaxConcurrency)
	assert.Equal(t, 1, cfg.TaskMaxRetries)
	assert.Equal(t, map[string]int{"*": 1}, cfg.AgentLimits)
	assert.True(t, cfg.AuditGate)
	assert.Equal(t, "pending", cfg.AuditDecision)
	assert.Equal(t, WaitingPolicyHuman, cfg.WaitingPolicy)
	assert.Equal(t, 1, cfg.MaxAutoResumes)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, "legacy", cfg.RuntimeBackend)
	assert.False(t, cfg.LegacyQueueCompat)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BASE_PATH", t.TempDir())
	t.Setenv("ORCH_MAX_PARALLEL_TASKS", "4")
	t.Setenv("ORCH_AGENT_LIMITS", `{"coder":2,"*":1}`)
	t.Setenv("ORCH_WAITING_POLICY", "auto")
	t.Setenv("ORCH_AUDIT_GATE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxParallelTasks)
	assert.Equal(t, map[string]int{"coder": 2, "*": 1}, cfg.AgentLimits)
	assert.Equal(t, WaitingPolicyAuto, cfg.WaitingPolicy)
	assert.False(t, cfg.AuditGate)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	t.Setenv("BASE_PATH", t.TempDir())
	t.Setenv("ORCH_WAITING_POLICY", "maybe")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCH_WAITING_POLICY")
}

func TestLoadRejectsBadAgentLimits(t *testing.T) {
	t.Setenv("BASE_PATH", t.TempDir())
	t.Setenv("ORCH_AGENT_LIMITS", "{not json")

	_, err := Load()
	require.Error(t, err)
}

func TestBasePathFallback(t *testing.T) {
	t.Setenv("BASE_PATH", "/proc/definitely/not/writable")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "./workspace", cfg.BasePath)
}
