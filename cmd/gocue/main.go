// Command gocue is the agent-side CLI for the cue coordination store.
//
// Agents call join once to get an identity, then cue/pause to hand control
// to the human; the serve subcommand runs the queue worker and scheduler
// that deliver the human's queued replies back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-cue/internal/bus"
	"github.com/basket/go-cue/internal/config"
	"github.com/basket/go-cue/internal/envelope"
	"github.com/basket/go-cue/internal/naming"
	otelPkg "github.com/basket/go-cue/internal/otel"
	"github.com/basket/go-cue/internal/queue"
	"github.com/basket/go-cue/internal/rendezvous"
	"github.com/basket/go-cue/internal/schedule"
	"github.com/basket/go-cue/internal/store"
	"github.com/basket/go-cue/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.4-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

AGENT COMMANDS:
  %s join [-runtime <name>]    Register this agent and print its agent_id
  %s cue <agent_id> -          Open a request and block for the human reply.
                               stdin carries a tag-block envelope:
                               <cueme_prompt>...</cueme_prompt>
                               [<cueme_payload>{...}</cueme_payload>]
  %s pause <agent_id> [-]      Suspend until the human resumes (no timeout)

CONSOLE / WORKER COMMANDS:
  %s enqueue <agent|group> <conv_id> -
                               Queue a message JSON (stdin) for delivery
  %s tick [-limit <n>]         Run one queue delivery pass
  %s serve                     Run the queue worker and cron scheduler
  %s migrate                   Upgrade an outdated database schema

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOCUE_HOME                 Data directory (default: ~/.cue)
  GOCUE_DB_PATH              Database path (default: $GOCUE_HOME/cue.db)
  GOCUE_CUE_TIMEOUT_SECONDS  Default cue wait before auto-cancel (600)
`)
}

// result is the uniform JSON printed on stdout for every subcommand.
type result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func printOK(data any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result{OK: true, Data: data})
	return 0
}

func printErr(err error) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result{OK: false, Error: err.Error()})
	return 1
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		os.Exit(printErr(err))
	}

	// Agent-facing subcommands keep stderr quiet; serve logs loudly.
	sub := strings.ToLower(strings.TrimSpace(args[0]))
	quiet := cfg.Quiet || sub != "serve"
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		os.Exit(printErr(err))
	}
	defer logCloser.Close()

	switch sub {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "migrate":
		os.Exit(runMigrate(ctx, cfg, logger))
	case "join":
		os.Exit(runJoin(ctx, cfg, logger, args[1:]))
	case "cue":
		os.Exit(runCue(ctx, cfg, logger, args[1:]))
	case "pause":
		os.Exit(runPause(ctx, cfg, logger, args[1:]))
	case "enqueue":
		os.Exit(runEnqueue(ctx, cfg, logger, args[1:]))
	case "tick":
		os.Exit(runTick(ctx, cfg, logger, args[1:]))
	case "serve":
		os.Exit(runServe(ctx, cfg, logger))
	default:
		os.Exit(printErr(fmt.Errorf("unknown subcommand: %s", sub)))
	}
}

func openStore(cfg config.Config, eventBus *bus.Bus, logger *slog.Logger) (*store.Store, error) {
	return store.Open(cfg.ResolvedDBPath(), eventBus, logger)
}

// initOtel builds the telemetry provider and instruments from config. When
// otel is disabled this is a no-op provider, so agent commands pay nothing.
func initOtel(ctx context.Context, cfg config.Config) (*otelPkg.Provider, *otelPkg.Metrics, error) {
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, nil, err
	}
	return provider, metrics, nil
}

func shutdownOtel(provider *otelPkg.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = provider.Shutdown(ctx)
}

func runMigrate(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	st, err := store.OpenForMigration(cfg.ResolvedDBPath(), logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return printErr(err)
	}
	return printOK(map[string]string{"message": "schema migrated"})
}

func runJoin(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	runtime := fs.String("runtime", "", "agent runtime name (e.g. claude_code)")
	_ = fs.Parse(args)

	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	agentID, err := naming.GenerateName()
	if err != nil {
		return printErr(err)
	}
	projectDir, _ := os.Getwd()
	env := store.AgentEnv{
		AgentID:       agentID,
		AgentRuntime:  normalizeRuntime(*runtime),
		ProjectDir:    projectDir,
		AgentTerminal: detectTerminal(),
	}
	if err := st.RegisterAgentEnv(ctx, env); err != nil {
		return printErr(err)
	}
	logger.Info("agent joined", "agent_id", agentID, "runtime", env.AgentRuntime)

	message := fmt.Sprintf(
		"agent_id=%s\nproject_dir=%s\nagent_terminal=%s\nagent_runtime=%s\n\n"+
			"Use this agent_id when calling: gocue cue <agent_id> -\n"+
			"Then provide stdin with tag-block envelope (stdin MUST NOT be empty):\n"+
			"<cueme_prompt>\n...\n</cueme_prompt>\n"+
			"<cueme_payload>\n...\n</cueme_payload>\n\n"+
			"Remember this agent_id (but do NOT store it in any memory module). "+
			"Before ending this session, call cue to provide a final summary, ask a question, or make a request.",
		agentID, env.ProjectDir, env.AgentTerminal, env.AgentRuntime)

	return printOK(map[string]string{
		"agent_id": agentID,
		"message":  message,
	})
}

func runCue(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("cue", flag.ExitOnError)
	timeoutSeconds := fs.Int("timeout", 0, "seconds to wait before auto-cancel (default from config)")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 || rest[0] == "" {
		return printErr(errors.New("usage: gocue cue <agent_id> -"))
	}
	agentID := rest[0]

	env, err := readEnvelope(envelope.Options{AllowPayload: true})
	if err != nil {
		return printErr(err)
	}

	provider, metrics, err := initOtel(ctx, cfg)
	if err != nil {
		return printErr(err)
	}
	defer shutdownOtel(provider)

	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	timeout := cfg.CueTimeout()
	if *timeoutSeconds > 0 {
		timeout = time.Duration(*timeoutSeconds) * time.Second
	}
	waiter := rendezvous.NewWaiter(st, logger, cfg.PollInterval(), metrics)
	res, err := waiter.Cue(ctx, agentID, env.Prompt, env.Payload, timeout)
	if err != nil {
		return printErr(err)
	}
	return printOK(res)
}

func runPause(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) < 1 || args[0] == "" {
		return printErr(errors.New("usage: gocue pause <agent_id> [-]"))
	}
	agentID := args[0]

	// An optional envelope (prompt only) customizes the pause card text.
	prompt := ""
	if len(args) > 1 && args[1] == "-" {
		env, err := readEnvelope(envelope.Options{AllowPayload: false})
		if err != nil {
			return printErr(err)
		}
		prompt = env.Prompt
	}

	provider, metrics, err := initOtel(ctx, cfg)
	if err != nil {
		return printErr(err)
	}
	defer shutdownOtel(provider)

	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	waiter := rendezvous.NewWaiter(st, logger, cfg.PollInterval(), metrics)
	res, err := waiter.Pause(ctx, agentID, prompt)
	if err != nil {
		return printErr(err)
	}
	return printOK(res)
}

func runEnqueue(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) < 3 || args[2] != "-" {
		return printErr(errors.New("usage: gocue enqueue <agent|group> <conv_id> -"))
	}
	convType := store.ConversationType(args[0])
	if convType != store.ConvAgent && convType != store.ConvGroup {
		return printErr(fmt.Errorf("invalid conversation type: %s", args[0]))
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return printErr(fmt.Errorf("read stdin: %w", err))
	}
	messageJSON := strings.TrimSpace(string(raw))
	if err := envelope.ValidateMessage(messageJSON); err != nil {
		return printErr(err)
	}

	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	item, err := st.Enqueue(ctx, convType, args[1], messageJSON)
	if err != nil {
		return printErr(err)
	}
	return printOK(item)
}

func runTick(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	limit := fs.Int("limit", cfg.Queue.ClaimLimit, "max conversations served this pass")
	_ = fs.Parse(args)

	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	proc := queue.NewProcessor(queue.ProcessorConfig{
		Store:    st,
		Logger:   logger,
		SweepAge: cfg.PendingTimeout(),
	})
	res, err := proc.Tick(ctx, workerID(), *limit)
	if err != nil {
		return printErr(err)
	}
	return printOK(res)
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	provider, metrics, err := initOtel(ctx, cfg)
	if err != nil {
		return printErr(err)
	}
	defer shutdownOtel(provider)

	eventBus := bus.New()
	st, err := openStore(cfg, eventBus, logger)
	if err != nil {
		return printErr(err)
	}
	defer st.Close()

	logger.Info("gocue serving",
		"version", Version,
		"db", cfg.ResolvedDBPath(),
		"config", cfg.Fingerprint(),
	)

	proc := queue.NewProcessor(queue.ProcessorConfig{
		Store:    st,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		SweepAge: cfg.PendingTimeout(),
	})
	ticker := queue.NewTicker(queue.TickerConfig{
		Store:      st,
		Processor:  proc,
		Logger:     logger,
		Metrics:    metrics,
		WorkerID:   workerID(),
		LeaseKey:   cfg.Lease.Key,
		LeaseTTL:   cfg.LeaseTTL(),
		Interval:   cfg.QueueTickInterval(),
		ClaimLimit: cfg.Queue.ClaimLimit,
	})
	ticker.Start(ctx)
	defer ticker.Stop()

	scheduler := schedule.NewScheduler(schedule.Config{
		Store:    st,
		Logger:   logger,
		Interval: cfg.ScheduleTickInterval(),
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case ev, ok := <-watcher.Events():
			if !ok {
				<-ctx.Done()
				logger.Info("shutting down")
				return 0
			}
			// Settings that feed running loops need a restart; log the change
			// so the operator knows the file was seen.
			logger.Info("config changed on disk; restart to apply", "path", ev.Path)
		}
	}
}

func readEnvelope(opts envelope.Options) (*envelope.Envelope, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return envelope.Parse(string(raw), opts)
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func normalizeRuntime(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	if s == "" {
		return "unknown"
	}
	return s
}

// detectTerminal guesses the invoking shell from SHELL. Good enough for
// display; never used for dispatch.
func detectTerminal() string {
	shell := strings.ToLower(os.Getenv("SHELL"))
	switch {
	case strings.HasSuffix(shell, "/zsh"), shell == "zsh":
		return "zsh"
	case strings.HasSuffix(shell, "/bash"), shell == "bash":
		return "bash"
	case strings.HasSuffix(shell, "/fish"), shell == "fish":
		return "fish"
	case strings.HasSuffix(shell, "/nu"), shell == "nu", strings.Contains(shell, "nushell"):
		return "nushell"
	default:
		return "unknown"
	}
}
