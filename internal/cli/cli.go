// ============================================================================
// Assistant CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and talking to the assistant
//
// Command Structure:
//   assistant                      # Root command
//   ├── run                        # Start scheduler, gRPC and metrics servers
//   ├── ask <text...>              # Classify and execute one request
//   ├── voice --file audio.ogg     # Same, starting from audio
//   ├── classify <text...>         # Classify only, execute nothing
//   ├── enqueue                    # Schedule a deferred task
//   ├── status [task-id]           # Task status, or system status
//   ├── templates                  # List plan templates
//   └── --config, -c / --log-level / --log-format
//
// ask, voice, classify, enqueue and status accept --server to talk to a
// running instance over gRPC. Without it they build a local assistant from
// the config file; the local scheduler is not started.
//
// Signal Handling:
//   run stops on SIGINT or SIGTERM: the gRPC server drains, the scheduler
//   finishes in-flight tasks, the store writes its final snapshot.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/maga-orchestrator/internal/assistant"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/server"
	"github.com/ChuLiYu/maga-orchestrator/internal/telemetry"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Version is reported by --version.
var Version = "1.0.0"

var (
	configFile string
	logLevel   string
	logFormat  string
)

const rpcTimeout = 30 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assistant",
		Short: "Assistant: intent orchestration with resilient calls and deferred tasks",
		Long: `Assistant turns a classified request into a bounded plan of handler calls:
- per-dependency circuit breakers, rate limits and retries
- partial answers when optional steps fail
- durable deferred tasks (reminders, recurring jobs)
- Prometheus metrics and OpenTelemetry tracing`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format (text, json)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAskCommand())
	rootCmd.AddCommand(buildVoiceCommand())
	rootCmd.AddCommand(buildClassifyCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTemplatesCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the assistant service",
		Long:  "Start the scheduler, the gRPC server and, if enabled, the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (overrides server.grpc_addr)")
	return cmd
}

func runService(ctx context.Context, grpcAddr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)
	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	a, err := assistant.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build assistant: %w", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := a.Metrics().StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	gs := server.NewGRPCServer(a)
	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(lis) }()

	slog.Info("Assistant started", "grpc", lis.Addr().String(), "config", configFile,
		"store", cfg.Storage.Driver, "scheduler", cfg.Scheduler.Enabled)

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
	}

	gs.GracefulStop()
	slog.Info("Assistant stopped")
	return nil
}

// ============================================================================
// ask / voice / classify
// ============================================================================

func buildAskCommand() *cobra.Command {
	var serverAddr, session string

	cmd := &cobra.Command{
		Use:   "ask <text...>",
		Short: "Classify a request and execute its plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if serverAddr != "" {
				return withClient(cmd, serverAddr, func(ctx context.Context, c *server.Client) error {
					res, err := c.SubmitIntent(ctx, text, session)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				})
			}
			return withLocal(cmd, func(ctx context.Context, a *assistant.Assistant) error {
				res, err := a.SubmitIntent(ctx, text, session, types.SessionContext{Source: "cli"})
				if err != nil {
					return errors.New(assistant.UserMessage(err))
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "address of a running assistant (e.g. localhost:50051)")
	cmd.Flags().StringVar(&session, "session", "cli", "session ID")
	return cmd
}

func buildVoiceCommand() *cobra.Command {
	var serverAddr, session, file, lang string

	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Transcribe an audio file and execute the request",
		RunE: func(cmd *cobra.Command, args []string) error {
			audio, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read audio file: %w", err)
			}
			if serverAddr != "" {
				return withClient(cmd, serverAddr, func(ctx context.Context, c *server.Client) error {
					res, err := c.SubmitVoice(ctx, audio, session, lang)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				})
			}
			return withLocal(cmd, func(ctx context.Context, a *assistant.Assistant) error {
				res, err := a.SubmitVoice(ctx, audio, session, types.SessionContext{Language: lang, Source: "cli"})
				if err != nil {
					return errors.New(assistant.UserMessage(err))
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "OggOpus audio file")
	cmd.Flags().StringVar(&lang, "lang", "", "recognition language (ru-RU, en-US)")
	cmd.Flags().StringVar(&serverAddr, "server", "", "address of a running assistant")
	cmd.Flags().StringVar(&session, "session", "cli", "session ID")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildClassifyCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "classify <text...>",
		Short: "Show the intent a request maps to without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if serverAddr != "" {
				return withClient(cmd, serverAddr, func(ctx context.Context, c *server.Client) error {
					in, err := c.ClassifyOnly(ctx, text)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), in)
				})
			}
			return withLocal(cmd, func(ctx context.Context, a *assistant.Assistant) error {
				in, err := a.ClassifyOnly(ctx, text)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), in)
			})
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "address of a running assistant")
	return cmd
}

// ============================================================================
// enqueue / status / templates
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var (
		serverAddr, action, payload, session string
		in, every                            time.Duration
		maxRetries                           int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule a deferred task",
		Long:  "Schedule a registered action to run later, optionally repeating every --every",
		Example: `  assistant enqueue --action notify.send --payload '{"text":"stand up"}' --in 10m
  assistant enqueue --action hh.search --payload '{"query":"go"}' --every 24h --server localhost:50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("failed to parse payload: %w", err)
				}
			}
			if serverAddr != "" {
				if every > 0 || maxRetries > 0 {
					return errors.New("--every and --max-retries are only supported locally")
				}
				return withClient(cmd, serverAddr, func(ctx context.Context, c *server.Client) error {
					id, err := c.EnqueueDeferredTask(ctx, action, body, in, session)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					return nil
				})
			}
			return withLocal(cmd, func(ctx context.Context, a *assistant.Assistant) error {
				id, err := a.EnqueueDeferredTask(ctx, types.EnqueueRequest{
					Action:     action,
					Payload:    body,
					RunAt:      time.Now().Add(in),
					SessionID:  session,
					MaxRetries: maxRetries,
					Interval:   every,
				})
				if err != nil {
					return errors.New(assistant.UserMessage(err))
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "registered action to run")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object passed to the action")
	cmd.Flags().DurationVar(&in, "in", 0, "delay before the first run")
	cmd.Flags().DurationVar(&every, "every", 0, "repeat interval")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempts before dead-lettering (default scheduler.max_retries)")
	cmd.Flags().StringVar(&session, "session", "cli", "session ID")
	cmd.Flags().StringVar(&serverAddr, "server", "", "address of a running assistant")
	cmd.MarkFlagRequired("action")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show task status, or system status without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if serverAddr != "" {
				return withClient(cmd, serverAddr, func(ctx context.Context, c *server.Client) error {
					if len(args) == 1 {
						t, err := c.GetTaskStatus(ctx, args[0])
						if err != nil {
							return err
						}
						return printJSON(out, t)
					}
					circuits, err := c.CircuitStates(ctx)
					if err != nil {
						return err
					}
					dead, err := c.DeadLetters(ctx)
					if err != nil {
						return err
					}
					return printJSON(out, map[string]any{"circuits": circuits, "dead_letters": dead})
				})
			}
			return withLocal(cmd, func(ctx context.Context, a *assistant.Assistant) error {
				if len(args) == 1 {
					t, err := a.GetTaskStatus(ctx, types.TaskID(args[0]))
					if err != nil {
						return errors.New(assistant.UserMessage(err))
					}
					return printJSON(out, t)
				}
				return showStatus(ctx, out, a)
			})
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "address of a running assistant")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, a *assistant.Assistant) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	stats, err := a.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Assistant status")
	fmt.Fprintln(out, "================")
	fmt.Fprintf(out, "Config file:    %s\n", configFile)
	fmt.Fprintf(out, "Store:          %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "Scheduler:      %d workers, poll every %s, max %d retries\n",
		cfg.Scheduler.Workers, cfg.Scheduler.PollInterval, cfg.Scheduler.MaxRetries)
	fmt.Fprintf(out, "Plan budget:    %s, max %d steps\n", cfg.Orchestrator.Budget, cfg.Orchestrator.MaxSteps)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tasks:")
	for _, s := range []types.TaskStatus{types.TaskPending, types.TaskRunning, types.TaskFailed, types.TaskSucceeded, types.TaskDeadLettered} {
		fmt.Fprintf(out, "  %-14s %v\n", s, stats[string(s)])
	}
	fmt.Fprintln(out)

	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics:        http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "Metrics:        disabled")
	}
	return nil
}

func buildTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List plan templates and registered actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd, func(_ context.Context, a *assistant.Assistant) error {
				out := cmd.OutOrStdout()
				for _, t := range a.Templates() {
					steps := make([]string, 0, len(t.Steps))
					for _, s := range t.Steps {
						steps = append(steps, s.Action)
					}
					fmt.Fprintf(out, "%-18s %-12s %s\n", t.Intent, t.FailurePolicy, strings.Join(steps, " → "))
				}
				fmt.Fprintf(out, "\nactions: %s\n", strings.Join(a.Actions(), ", "))
				return nil
			})
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the default slog logger. Flags win over the file.
func setupLogging(cfg config.LoggingConfig) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	slog.SetDefault(newLogger(os.Stderr, cfg))
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withLocal builds an assistant from the config file for one command.
func withLocal(cmd *cobra.Command, fn func(context.Context, *assistant.Assistant) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := assistant.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build assistant: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func withClient(cmd *cobra.Command, addr string, fn func(context.Context, *server.Client) error) error {
	c, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
