// maestro is the workflow orchestrator CLI: submit goals, run the worker
// daemon and steer jobs through the control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/config"
	"maestro/internal/control"
	"maestro/internal/ids"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/notify"
	"maestro/internal/observability"
	"maestro/internal/orchestrator"
	"maestro/internal/router"
	"maestro/internal/session"
	"maestro/internal/status"
	"maestro/internal/store"
	"maestro/internal/worker"
)

var (
	flagProjectID string
	flagLogLevel  string
	flagToken     string
)

func main() {
	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Multi-agent workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagProjectID, "project-id", "", "project to operate on (default from PROJECT_ID)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "control-plane token (when auth is enabled)")

	root.AddCommand(
		newSubmitCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newRecoverCmd(),
		newSignalCmd(control.ActionApprove, "approve <job-id>", "Approve a job's plan for execution"),
		newSignalCmd(control.ActionRevise, "revise <job-id> <revision>", "Request a plan revision"),
		newSignalCmd(control.ActionResume, "resume <job-id> <answer>", "Answer a waiting task and resume the job"),
		newSignalCmd(control.ActionCancel, "cancel <job-id>", "Cancel a job"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "maestro: %v\n", err)
		os.Exit(1)
	}
}

// env loads config and applies CLI overrides.
func env() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagProjectID != "" {
		cfg.ProjectID = flagProjectID
	}
	logging.Configure(logging.Config{Level: flagLogLevel, Format: "text"})
	return cfg, nil
}

func openProject(cfg *config.Config, extra ...store.Option) (orchestrator.Paths, *store.FileStore, error) {
	paths := orchestrator.NewPaths(cfg.ProjectDir(cfg.ProjectID))
	if err := paths.Init(); err != nil {
		return paths, nil, err
	}
	opts := []store.Option{store.WithLogger(logging.NewComponentLogger("store"))}
	if cfg.HeartbeatLogEvery > 0 {
		opts = append(opts, store.WithHeartbeatLogEvery(cfg.HeartbeatLogEvery))
	}
	if cfg.LegacyQueueCompat {
		opts = append(opts, store.WithLegacyQueueMirror(paths.Queue))
	}
	opts = append(opts, extra...)
	st, err := store.Open(paths.State, opts...)
	return paths, st, err
}

func newSubmitCmd() *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Queue a goal for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env()
			if err != nil {
				return err
			}
			_, st, err := openProject(cfg)
			if err != nil {
				return err
			}
			jobID := cfg.JobID
			if jobID == "" {
				jobID = ids.NewJobID()
			}
			job, err := st.CreateJob(jobID, cfg.ProjectID, args[0], maxAttempts)
			if err != nil {
				return err
			}
			fmt.Printf("queued job %s (project %s)\n", job.JobID, job.ProjectID)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "retry budget for failed runs")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the claim/execute daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("worker")

			metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
				Enabled:        cfg.MetricsEnabled,
				PrometheusPort: cfg.MetricsPort,
			}, logging.NewComponentLogger("metrics"))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metrics.Shutdown(ctx)
			}()

			paths, st, err := openProject(cfg, store.WithTerminalReversalHook(func() {
				metrics.RecordTerminalReversal(context.Background())
			}))
			if err != nil {
				return err
			}

			registry, rules, err := loadRouting(paths.Root)
			if err != nil {
				return err
			}
			notifier := buildNotifier(cfg, paths.Root)
			defer notifier.Close(5 * time.Second)

			var llmClient llm.Client
			if cfg.LLMURL != "" {
				llmClient = llm.NewHTTPClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, llm.Options{
					Timeout: cfg.LLMTimeout,
					Logger:  logging.NewComponentLogger("llm"),
				})
			}
			var sessions session.API
			if cfg.SessionBaseURL != "" {
				sessions = session.NewHTTPAPI(cfg.SessionBaseURL, cfg.SessionAPIKey,
					cfg.SessionTimeout, logging.NewComponentLogger("session"))
			}

			orch := orchestrator.New(cfg, st, llmClient, sessions, registry, rules,
				notifier, metrics, logging.NewComponentLogger("orchestrator"))
			queue := control.NewQueue(paths.State)
			w := worker.New(cfg, st, queue, orch, worker.Options{
				Metrics: metrics,
				Logger:  logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				n, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d jobs\n", n)
				return nil
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one pass and exit")
	return cmd
}

// loadRouting reads agents.yaml and routing_rules.yaml from the project
// root; without an agents file every task routes to a single built-in agent.
func loadRouting(projectRoot string) (*router.Registry, []router.Rule, error) {
	registryPath := filepath.Join(projectRoot, "agents.yaml")
	if _, err := os.Stat(registryPath); os.IsNotExist(err) {
		registry, err := router.NewRegistry([]router.Agent{
			{Name: "main", Description: "general-purpose agent"},
		}, "main")
		return registry, nil, err
	}
	registry, err := router.LoadRegistry(registryPath)
	if err != nil {
		return nil, nil, err
	}
	rules, err := router.LoadRules(filepath.Join(projectRoot, "routing_rules.yaml"), registry)
	if err != nil {
		return nil, nil, err
	}
	return registry, rules, nil
}

// buildNotifier assembles the channel backends from config plus the
// project's channel_bindings.yaml.
func buildNotifier(cfg *config.Config, projectRoot string) *notify.Notifier {
	logger := logging.NewComponentLogger("notify")
	backends := []notify.Backend{&notify.LogBackend{Logger: logger}}
	if cfg.NotifyWebhookURL != "" {
		backends = append(backends, &notify.WebhookBackend{URL: cfg.NotifyWebhookURL})
	}
	if cfg.SessionBaseURL != "" && cfg.MainChannelID != "" {
		backends = append(backends, &notify.ChatBackend{
			BaseURL:   cfg.SessionBaseURL,
			ChannelID: cfg.MainChannelID,
			BotToken:  cfg.SessionAPIKey,
		})
	}

	resolver := notify.NewResolver(backends...)
	if err := resolver.LoadBindings(filepath.Join(projectRoot, "channel_bindings.yaml")); err != nil {
		logger.Warn("channel bindings: %v", err)
	}
	channels := map[string]notify.Binding{"*": {Channel: "log"}}
	if cfg.AgentChannels != "" {
		var byAgent map[string]string
		if err := json.Unmarshal([]byte(cfg.AgentChannels), &byAgent); err != nil {
			logger.Warn("parse ORCH_AGENT_CHANNELS: %v", err)
		} else {
			for agent, channel := range byAgent {
				channels[agent] = notify.Binding{Channel: channel}
			}
		}
	}
	resolver.SetConfig(channels)

	return notify.New(resolver, notify.Options{Logger: logger})
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the resolved status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env()
			if err != nil {
				return err
			}
			_, st, err := openProject(cfg)
			if err != nil {
				return err
			}
			report, err := status.Resolve(st, args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue jobs whose worker lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env()
			if err != nil {
				return err
			}
			_, st, err := openProject(cfg)
			if err != nil {
				return err
			}
			recovered, err := st.RecoverStale(cfg.RunningStaleAfter)
			if err != nil {
				return err
			}
			if len(recovered) == 0 {
				fmt.Println("no stale jobs")
				return nil
			}
			for _, id := range recovered {
				fmt.Printf("requeued %s\n", id)
			}
			return nil
		},
	}
}

func newSignalCmd(action, use, short string) *cobra.Command {
	var (
		requestID string
		signalSeq int64
		taskID    string
		answer    string
		revision  string
	)
	takesText := action == control.ActionResume || action == control.ActionRevise
	argSpec := cobra.ExactArgs(1)
	if takesText {
		argSpec = cobra.RangeArgs(1, 2)
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argSpec,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env()
			if err != nil {
				return err
			}
			if cfg.AuthEnabled && cfg.ControlToken != "" && flagToken != cfg.ControlToken {
				return fmt.Errorf("control token mismatch (pass --token)")
			}
			if len(args) == 2 {
				switch action {
				case control.ActionResume:
					answer = args[1]
				case control.ActionRevise:
					revision = args[1]
				}
			}
			paths, _, err := openProject(cfg)
			if err != nil {
				return err
			}
			if requestID == "" {
				requestID = ids.NewRequestID()
			}
			queue := control.NewQueue(paths.State)
			deduped, err := queue.Emit(control.Signal{
				JobID:     args[0],
				Action:    action,
				Payload:   control.Payload{Answer: answer, Revision: revision, TaskID: taskID},
				RequestID: requestID,
				SignalSeq: signalSeq,
			})
			if err != nil {
				return err
			}
			if deduped {
				fmt.Printf("%s for job %s already enqueued (request %s)\n", action, args[0], requestID)
				return nil
			}
			fmt.Printf("%s enqueued for job %s (request %s)\n", action, args[0], requestID)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key (generated when empty)")
	cmd.Flags().Int64Var(&signalSeq, "signal-seq", 0, "monotonic sequence; stale signals are rejected")
	if action == control.ActionResume {
		cmd.Flags().StringVar(&taskID, "task-id", "", "waiting task the answer is for")
		cmd.Flags().StringVar(&answer, "answer", "", "operator answer (required)")
	}
	if action == control.ActionRevise {
		cmd.Flags().StringVar(&revision, "revision", "", "revision instructions (required)")
	}
	return cmd
}
