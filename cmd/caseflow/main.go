// Command caseflow runs the workflow and SLA engine as an MCP server over
// stdio, with the breach sweeper in the background.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avsafe/caseflow/internal/engine"
	"github.com/avsafe/caseflow/internal/logging"
	"github.com/avsafe/caseflow/internal/notify"
	"github.com/avsafe/caseflow/internal/resolver"
	"github.com/avsafe/caseflow/internal/rules"
	"github.com/avsafe/caseflow/internal/sla"
	"github.com/avsafe/caseflow/internal/store"
	"github.com/avsafe/caseflow/internal/sweeper"
	"github.com/avsafe/caseflow/internal/validation"
	"github.com/avsafe/caseflow/pkg/mcp"
	"github.com/avsafe/caseflow/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "caseflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store. Stdout belongs to the MCP transport, so all logging goes to
	// stderr (see newLogger) and the database lives wherever configured.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Workflow configurations.
	registry := engine.NewRegistry()
	docResolver := resolver.NewDocumentResolver(st)
	if err := loadWorkflows(cfg.ConfigDir, registry, docResolver, logger); err != nil {
		return err
	}

	// Expression engines for transition guards.
	celEngine, err := rules.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init CEL engine: %w", err)
	}
	guards := rules.NewGuards(celEngine, rules.NewExprEngine())

	wfEngine := engine.New(registry, st, docResolver, guards, logger)
	slaService := sla.NewService(st, logger)

	sw, err := sweeper.NewSweeper(st, slaService, notify.NewLogSink(logger), sweeper.Config{
		CronSchedule:       cfg.SweepSchedule,
		WarningDays:        cfg.WarningDays,
		EscalationInterval: cfg.escalationInterval(),
	}, logger)
	if err != nil {
		return err
	}
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	srv := mcp.NewCaseflowServer(mcp.CaseflowServerDeps{
		Engine: wfEngine,
		SLA:    slaService,
		Store:  st,
		Logger: logger,
	})

	logger.Info("caseflow started",
		slog.String("db_path", cfg.DBPath),
		slog.String("config_dir", cfg.ConfigDir),
		slog.Any("entity_types", registry.EntityTypes()),
	)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// loadWorkflows reads every *.json workflow configuration in dir, validates
// it, and registers it with the engine and the resolver. A missing directory
// is fatal: an engine with no workflows can do nothing useful.
func loadWorkflows(dir string, registry *engine.Registry, docResolver *resolver.DocumentResolver, logger *slog.Logger) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow config dir %q: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read workflow config %q: %w", path, err)
		}

		var cfg schema.WorkflowConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse workflow config %q: %w", path, err)
		}
		if err := validator.ValidateConfig(&cfg); err != nil {
			return fmt.Errorf("invalid workflow config %q: %w", path, err)
		}

		registry.Register(&cfg)
		if len(cfg.ContextFields) > 0 {
			docResolver.RegisterDerivedFields(cfg.EntityType, cfg.ContextFields)
		}
		logger.Info("workflow loaded",
			slog.String("entity_type", string(cfg.EntityType)),
			slog.Int("states", len(cfg.States)),
			slog.Int("transitions", len(cfg.Transitions)),
		)
		loaded++
	}

	if loaded == 0 {
		return fmt.Errorf("no workflow configs found in %q", dir)
	}
	return nil
}

// newLogger builds the stderr logger with context correlation.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
