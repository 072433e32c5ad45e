// Stella is an organizational assistant that checks in with team
// members over chat, keeps the task tracker honest, and remembers
// what it learns between conversations.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]), with secrets
// resolved from the environment or a .env file.
//
// Usage:
//
//	stella serve             Start the assistant
//	stella import <file.vcf> Import roster members from a vCard file
//	stella version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/darcyhq/stella/internal/agent"
	"github.com/darcyhq/stella/internal/buildinfo"
	"github.com/darcyhq/stella/internal/chat"
	"github.com/darcyhq/stella/internal/checkup"
	"github.com/darcyhq/stella/internal/config"
	"github.com/darcyhq/stella/internal/confirm"
	"github.com/darcyhq/stella/internal/email"
	"github.com/darcyhq/stella/internal/events"
	"github.com/darcyhq/stella/internal/facts"
	"github.com/darcyhq/stella/internal/llm"
	"github.com/darcyhq/stella/internal/memory"
	"github.com/darcyhq/stella/internal/mqtt"
	"github.com/darcyhq/stella/internal/prompts"
	"github.com/darcyhq/stella/internal/roster"
	"github.com/darcyhq/stella/internal/scheduler"
	"github.com/darcyhq/stella/internal/tools"
	"github.com/darcyhq/stella/internal/tracker"
	"github.com/darcyhq/stella/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// interactiveMaxToolCalls bounds ad-hoc conversations. Check-in and
// extraction budgets live in config.
const interactiveMaxToolCalls = 10

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to a subcommand. Arguments are
// parsed by hand; the flag package's package-level state interferes
// with calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "import":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: stella import <file.vcf>")
		}
		return runImport(stdout, configPath, cmdArgs[0])
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `Stella - organizational checkup assistant

Usage:
  stella [serve]           Start the assistant
  stella import <file.vcf> Import roster members from a vCard file
  stella version           Print version and build information

Flags:
  -config <path>           Config file (default: search standard paths)`)
	return nil
}

// newLogger standardizes the slog handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// openDatabase opens the shared SQLite database with WAL and a busy
// timeout; every store wraps this one handle.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	dsn := fmt.Sprintf("file:%s/stella.db?_journal_mode=WAL&_busy_timeout=5000", dataDir)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// createLLMClient builds the model client from config: OpenAI when a
// key is configured, Ollama as the local fallback, a multi-client
// routing by model name when both exist.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	var ollama *llm.OllamaClient
	if cfg.Models.OllamaURL != "" {
		ollama = llm.NewOllamaClient(cfg.Models.OllamaURL)
	}

	if cfg.Models.OpenAIKey == "" {
		if ollama == nil {
			return nil, fmt.Errorf("no model provider configured: set models.ollama_url or models.openai_api_key")
		}
		logger.Info("model provider", "provider", "ollama", "url", cfg.Models.OllamaURL)
		return ollama, nil
	}

	openai := llm.NewOpenAIClient(cfg.Models.OpenAIKey)
	if ollama == nil {
		logger.Info("model provider", "provider", "openai")
		return openai, nil
	}

	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("openai", openai)
	for _, model := range []string{cfg.Models.Default, cfg.Models.Checkup, cfg.Models.Extract} {
		if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o") {
			multi.AddModel(model, "openai")
		}
	}
	logger.Info("model provider", "provider", "multi", "fallback", "ollama")
	return multi, nil
}

// runImport handles "stella import": seed or refresh the roster from
// a vCard file, then exit.
func runImport(stdout io.Writer, configPath, vcfPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	rosterStore, err := roster.NewStoreWithDB(db, logger)
	if err != nil {
		return fmt.Errorf("open roster store: %w", err)
	}

	n, err := roster.ImportVCF(rosterStore, vcfPath, logger)
	if err != nil {
		return fmt.Errorf("import %s: %w", vcfPath, err)
	}
	fmt.Fprintf(stdout, "imported %d members from %s\n", n, vcfPath)
	return nil
}

// runServe is the primary operating mode: open the stores, connect
// the gateway and the broker, and run until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Stella",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"tracker", cfg.Tracker.Backend,
		"model", cfg.Models.Default,
	)

	// --- Stores ---
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	rosterStore, err := roster.NewStoreWithDB(db, logger)
	if err != nil {
		return fmt.Errorf("open roster store: %w", err)
	}
	factStore, err := facts.NewStoreWithDB(db)
	if err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	checkupStore, err := checkup.NewStoreWithDB(db)
	if err != nil {
		return fmt.Errorf("open checkup store: %w", err)
	}
	schedStore, err := scheduler.NewStoreWithDB(db)
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}

	if cfg.RosterVCF != "" {
		n, err := roster.ImportVCF(rosterStore, cfg.RosterVCF, logger)
		if err != nil {
			return fmt.Errorf("import roster %s: %w", cfg.RosterVCF, err)
		}
		logger.Info("roster imported", "path", cfg.RosterVCF, "members", n)
	}

	// --- Shared services ---
	bus := events.New()
	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	trk, err := tracker.New(tracker.Config{
		Backend:          cfg.Tracker.Backend,
		NotionToken:      cfg.Tracker.NotionToken,
		TasksDatabase:    cfg.Tracker.TasksDatabase,
		ProjectsDatabase: cfg.Tracker.ProjectsDatabase,
		GitHubToken:      cfg.Tracker.GitHubToken,
		Owner:            cfg.Tracker.GitHubOwner,
		Repo:             cfg.Tracker.GitHubRepo,
	}, logger)
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	var emailSvc *email.Service
	if cfg.Email.Enabled {
		emailSvc = email.NewService(cfg.Email, logger)
		defer emailSvc.Close()
		logger.Info("email tools enabled", "address", cfg.Email.Address)
	}

	// --- Gateway, scheduler, checkup manager, bridge ---
	// The scheduler fires into the manager, the manager prompts
	// through the bridge, and the bridge routes inbound messages back
	// to the manager. The late-bound variables below break the
	// construction cycle; everything is assigned before Start.
	gateway := chat.NewGateway(cfg.Gateway.URL, cfg.Gateway.Token, logger)

	var manager *checkup.Manager
	var bridge *chat.Bridge

	sched := scheduler.New(logger, schedStore, func(ctx context.Context, t *scheduler.Trigger) {
		manager.HandleTrigger(ctx, t)
	})

	manager = checkup.NewManager(checkup.Config{
		Logger:    logger,
		Bus:       bus,
		Store:     checkupStore,
		Roster:    rosterStore,
		Tracker:   trk,
		Facts:     factStore,
		Scheduler: sched,
		Surface:   gateway,
		Confirm: func(channelID string) confirm.Confirmer {
			return bridge.ConfirmerFor(channelID)
		},
		Client:              llmClient,
		Model:               cfg.Models.Checkup,
		ExtractModel:        cfg.Models.Extract,
		Interval:            cfg.Checkup.DefaultInterval,
		MaxToolCalls:        cfg.Checkup.MaxToolCalls,
		ExtractMaxToolCalls: cfg.Checkup.ExtractMaxToolCalls,
	})

	bridge = chat.NewBridge(chat.BridgeConfig{
		Transport:      gateway,
		Checkups:       manager,
		NewEngine:      interactiveEngineFactory(cfg, logger, bus, llmClient, trk, rosterStore, factStore, emailSvc, checkupStore),
		Logger:         logger,
		Bus:            bus,
		ConfirmTimeout: cfg.Confirm.Timeout,
	})

	// --- Optional surfaces ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	var webSrv *web.Server
	if cfg.Web.Enabled {
		webSrv = web.NewServer(cfg.Web.Address, cfg.Web.Port, logger, bus,
			manager, checkupStore, rosterStore, sched)
	}

	// --- Run until signalled ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	go gateway.Run(ctx)
	go bridge.Start(ctx)
	if mqttPub != nil {
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}
	if webSrv != nil {
		go func() {
			if err := webSrv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if webSrv != nil {
		_ = webSrv.Shutdown(shutdownCtx)
	}
	_ = gateway.Close()

	logger.Info("Stella stopped")
	return nil
}

// interactiveEngineFactory builds engines for ad-hoc conversations.
// When the channel belongs to a roster member, the engine knows who
// it is talking to and carries their fact tools.
func interactiveEngineFactory(cfg *config.Config, logger *slog.Logger, bus *events.Bus,
	llmClient llm.Client, trk tracker.Tracker, rosterStore *roster.Store,
	factStore *facts.Store, emailSvc *email.Service, checkupStore *checkup.Store) chat.EngineFactory {

	return func(channelID string, confirmer confirm.Confirmer) *agent.Engine {
		memberName := ""
		memberID := ""
		if m, err := rosterStore.FindByChannel(channelID); err == nil {
			memberName = m.Name
			memberID = m.ID.String()
		}

		registry := tools.NewRegistry()
		tracker.RegisterTools(registry, trk)
		roster.RegisterTools(registry, rosterStore)
		if memberID != "" {
			facts.RegisterTools(registry, factStore, memberID)
		}
		if emailSvc != nil {
			emailSvc.RegisterTools(registry)
		}

		humanizer := agent.NewHumanizer(rosterStore)
		humanizer.Rule("create_task", "project_id", "project")
		humanizer.Rule("update_task", "task_id", "task")
		humanizer.Rule("update_task", "project_id", "project")
		humanizer.Rule("update_task_progress", "task_id", "task")
		humanizer.MemberRule("create_task", "assignee")
		humanizer.MemberRule("update_task", "assignee")

		sessionID := "interactive-" + channelID
		return agent.New(agent.Config{
			SessionID:    sessionID,
			Client:       llmClient,
			Model:        cfg.Models.Default,
			History:      memory.NewHistory(sessionID, prompts.InteractivePrompt(memberName)),
			Registry:     registry,
			Confirmer:    confirmer,
			Humanizer:    humanizer,
			Bus:          bus,
			Logger:       logger,
			MaxToolCalls: interactiveMaxToolCalls,
		})
	}
}
