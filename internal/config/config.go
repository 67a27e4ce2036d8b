// Package config loads orchestrator configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config captures every tunable the orchestrator reads at startup.
// All values come from environment variables with documented defaults;
// nothing reads the environment after Load returns.
type Config struct {
	// Workspace layout
	BasePath  string `mapstructure:"base_path"`
	ProjectID string `mapstructure:"project_id"`
	JobID     string `mapstructure:"orch_job_id"`
	RunID     string `mapstructure:"orch_run_id"`

	// LLM endpoint
	LLMURL     string        `mapstructure:"llm_url"`
	LLMAPIKey  string        `mapstructure:"llm_api_key"`
	LLMModel   string        `mapstructure:"llm_model"`
	LLMTimeout time.Duration `mapstructure:"-"`

	// Session API
	SessionBaseURL string        `mapstructure:"openclaw_api_base_url"`
	SessionAPIKey  string        `mapstructure:"openclaw_api_key"`
	SessionTimeout time.Duration `mapstructure:"-"`

	// Timeouts and thresholds
	ExecutorIdleTimeout time.Duration `mapstructure:"-"`
	WorkerJobTimeout    time.Duration `mapstructure:"-"`
	RunningStaleAfter   time.Duration `mapstructure:"-"`
	HeartbeatLogEvery   time.Duration `mapstructure:"-"`

	// Concurrency limits
	MaxParallelTasks     int            `mapstructure:"orch_max_parallel_tasks"`
	WorkerMaxConcurrency int            `mapstructure:"orch_worker_max_concurrency"`
	TaskMaxRetries       int            `mapstructure:"orch_task_max_retries"`
	AgentLimits          map[string]int `mapstructure:"-"`

	// Gates and policies
	AuditGate            bool   `mapstructure:"orch_audit_gate"`
	AuditDecision        string `mapstructure:"orch_audit_decision"`
	RequireDesignConfirm bool   `mapstructure:"orch_require_design_confirm"`
	DesignConfirmed      bool   `mapstructure:"orch_design_confirmed"`
	WaitingPolicy        string `mapstructure:"orch_waiting_policy"`
	MaxAutoResumes       int    `mapstructure:"orch_max_auto_resumes"`

	// Control plane auth
	AuthEnabled  bool   `mapstructure:"orch_auth_enabled"`
	ControlToken string `mapstructure:"orch_control_token"`

	// Notifier
	AgentChannels    string `mapstructure:"orch_agent_channels"`
	MainChannelID    string `mapstructure:"orch_main_channel_id"`
	NotifyWebhookURL string `mapstructure:"orch_notify_webhook_url"`

	// Runtime backend selection
	RuntimeBackend    string `mapstructure:"orch_runtime_backend"`
	ProductionCutover bool   `mapstructure:"orch_production_cutover"`
	LegacyQueueCompat bool   `mapstructure:"orch_legacy_queue_compat"`

	// Metrics
	MetricsEnabled bool `mapstructure:"orch_metrics_enabled"`
	MetricsPort    int  `mapstructure:"orch_metrics_port"`
}

// WaitingPolicy values.
const (
	WaitingPolicyHuman  = "human"
	WaitingPolicyAuto   = "auto"
	WaitingPolicyStrict = "strict"
)

// Load reads the environment and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BASE_PATH", "./workspace")
	v.SetDefault("PROJECT_ID", "default_project")
	v.SetDefault("LLM_URL", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT", 60)
	v.SetDefault("OPENCLAW_AGENT_TIMEOUT_SECONDS", 600)
	v.SetDefault("ORCH_EXECUTOR_IDLE_TIMEOUT_SECONDS", 60)
	v.SetDefault("ORCH_WORKER_JOB_TIMEOUT_SECONDS", 2400)
	v.SetDefault("ORCH_RUNNING_STALE_SECONDS", 300)
	v.SetDefault("ORCH_HEARTBEAT_LOG_SECONDS", 30)
	v.SetDefault("ORCH_MAX_PARALLEL_TASKS", 2)
	v.SetDefault("ORCH_WORKER_MAX_CONCURRENCY", 2)
	v.SetDefault("ORCH_TASK_MAX_RETRIES", 1)
	v.SetDefault("ORCH_AGENT_LIMITS", `{"*":1}`)
	v.SetDefault("ORCH_AUDIT_GATE", true)
	v.SetDefault("ORCH_AUDIT_DECISION", "pending")
	v.SetDefault("ORCH_REQUIRE_DESIGN_CONFIRM", false)
	v.SetDefault("ORCH_DESIGN_CONFIRMED", false)
	v.SetDefault("ORCH_WAITING_POLICY", WaitingPolicyHuman)
	v.SetDefault("ORCH_MAX_AUTO_RESUMES", 1)
	v.SetDefault("ORCH_AUTH_ENABLED", true)
	v.SetDefault("ORCH_RUNTIME_BACKEND", "legacy")
	v.SetDefault("ORCH_PRODUCTION_CUTOVER", false)
	v.SetDefault("ORCH_LEGACY_QUEUE_COMPAT", false)
	v.SetDefault("ORCH_METRICS_ENABLED", false)
	v.SetDefault("ORCH_METRICS_PORT", 9464)

	cfg := &Config{
		BasePath:             v.GetString("BASE_PATH"),
		ProjectID:            v.GetString("PROJECT_ID"),
		JobID:                v.GetString("ORCH_JOB_ID"),
		RunID:                v.GetString("ORCH_RUN_ID"),
		LLMURL:               v.GetString("LLM_URL"),
		LLMAPIKey:            v.GetString("LLM_API_KEY"),
		LLMModel:             v.GetString("LLM_MODEL"),
		LLMTimeout:           time.Duration(v.GetInt("LLM_TIMEOUT")) * time.Second,
		SessionBaseURL:       v.GetString("OPENCLAW_API_BASE_URL"),
		SessionAPIKey:        v.GetString("OPENCLAW_API_KEY"),
		SessionTimeout:       time.Duration(v.GetInt("OPENCLAW_AGENT_TIMEOUT_SECONDS")) * time.Second,
		ExecutorIdleTimeout:  time.Duration(v.GetInt("ORCH_EXECUTOR_IDLE_TIMEOUT_SECONDS")) * time.Second,
		WorkerJobTimeout:     time.Duration(v.GetInt("ORCH_WORKER_JOB_TIMEOUT_SECONDS")) * time.Second,
		RunningStaleAfter:    time.Duration(v.GetInt("ORCH_RUNNING_STALE_SECONDS")) * time.Second,
		HeartbeatLogEvery:    time.Duration(v.GetInt("ORCH_HEARTBEAT_LOG_SECONDS")) * time.Second,
		MaxParallelTasks:     v.GetInt("ORCH_MAX_PARALLEL_TASKS"),
		WorkerMaxConcurrency: v.GetInt("ORCH_WORKER_MAX_CONCURRENCY"),
		TaskMaxRetries:       v.GetInt("ORCH_TASK_MAX_RETRIES"),
		AuditGate:            v.GetBool("ORCH_AUDIT_GATE"),
		AuditDecision:        v.GetString("ORCH_AUDIT_DECISION"),
		RequireDesignConfirm: v.GetBool("ORCH_REQUIRE_DESIGN_CONFIRM"),
		DesignConfirmed:      v.GetBool("ORCH_DESIGN_CONFIRMED"),
		WaitingPolicy:        v.GetString("ORCH_WAITING_POLICY"),
		MaxAutoResumes:       v.GetInt("ORCH_MAX_AUTO_RESUMES"),
		AuthEnabled:          v.GetBool("ORCH_AUTH_ENABLED"),
		ControlToken:         v.GetString("ORCH_CONTROL_TOKEN"),
		AgentChannels:        v.GetString("ORCH_AGENT_CHANNELS"),
		MainChannelID:        v.GetString("ORCH_MAIN_CHANNEL_ID"),
		NotifyWebhookURL:     v.GetString("ORCH_NOTIFY_WEBHOOK_URL"),
		RuntimeBackend:       v.GetString("ORCH_RUNTIME_BACKEND"),
		ProductionCutover:    v.GetBool("ORCH_PRODUCTION_CUTOVER"),
		LegacyQueueCompat:    v.GetBool("ORCH_LEGACY_QUEUE_COMPAT"),
		MetricsEnabled:       v.GetBool("ORCH_METRICS_ENABLED"),
		MetricsPort:          v.GetInt("ORCH_METRICS_PORT"),
	}

	limits := map[string]int{}
	if raw := v.GetString("ORCH_AGENT_LIMITS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &limits); err != nil {
			return nil, fmt.Errorf("parse ORCH_AGENT_LIMITS: %w", err)
		}
	}
	if len(limits) == 0 {
		limits["*"] = 1
	}
	cfg.AgentLimits = limits

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.BasePath = resolveBasePath(cfg.BasePath)
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.WaitingPolicy {
	case WaitingPolicyHuman, WaitingPolicyAuto, WaitingPolicyStrict:
	default:
		return fmt.Errorf("invalid ORCH_WAITING_POLICY %q (want human|auto|strict)", c.WaitingPolicy)
	}
	if c.MaxParallelTasks < 1 {
		return fmt.Errorf("ORCH_MAX_PARALLEL_TASKS must be >= 1, got %d", c.MaxParallelTasks)
	}
	if c.WorkerMaxConcurrency < 1 {
		return fmt.Errorf("ORCH_WORKER_MAX_CONCURRENCY must be >= 1, got %d", c.WorkerMaxConcurrency)
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("ORCH_TASK_MAX_RETRIES must be >= 0, got %d", c.TaskMaxRetries)
	}
	switch c.RuntimeBackend {
	case "legacy", "temporal":
	default:
		return fmt.Errorf("invalid ORCH_RUNTIME_BACKEND %q (want legacy|temporal)", c.RuntimeBackend)
	}
	return nil
}

// ProjectDir returns the root directory for a project's state.
func (c *Config) ProjectDir(projectID string) string {
	if projectID == "" {
		projectID = c.ProjectID
	}
	return filepath.Join(c.BasePath, projectID)
}

// resolveBasePath falls back to ./workspace when the configured root is not
// writable, so a misconfigured deployment degrades instead of crashing.
func resolveBasePath(base string) string {
	if base == "" {
		base = "./workspace"
	}
	if err := os.MkdirAll(base, 0o755); err == nil {
		probe := filepath.Join(base, ".write_probe")
		if f, err := os.Create(probe); err == nil {
			_ = f.Close()
			_ = os.Remove(probe)
			return base
		}
	}
	fallback := "./workspace"
	_ = os.MkdirAll(fallback, 0o755)
	return fallback
}
