package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dbrheo/dbrheo/pkg/adapters"
	"github.com/dbrheo/dbrheo/pkg/agent"
	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/llm"
	"github.com/dbrheo/dbrheo/pkg/logger"
	"github.com/dbrheo/dbrheo/pkg/scheduler"
	"github.com/dbrheo/dbrheo/pkg/tools"
)

// errInterrupted signals a SIGINT exit so main can use status 130.
var errInterrupted = errors.New("interrupted")

// session wires the agent core for one CLI invocation.
type session struct {
	cfg       *config.Config
	manager   *adapters.ConnectionManager
	registry  *tools.Registry
	scheduler *scheduler.Scheduler
	factory   *llm.Factory
	client    *agent.Client
	model     string
}

func newSession(cli *CLI) (*session, error) {
	var opts []config.Option
	if cli.Config != "" {
		opts = append(opts, config.WithWorkspacePath(cli.Config))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	if cli.Model != "" {
		if err := cfg.Set("model", cli.Model); err != nil {
			return nil, err
		}
	}
	if cli.AutoExecute {
		if err := cfg.Set("auto_execute", true); err != nil {
			return nil, err
		}
	}
	if cli.AllowDangerous {
		if err := cfg.Set("allow_dangerous", true); err != nil {
			return nil, err
		}
	}

	log := logger.Get()
	manager := adapters.NewConnectionManager(adapters.NewFactory(log), log)

	registry, err := buildRegistry(cfg, manager)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(registry, tools.EvaluatorFromConfig(cfg), scheduler.Options{
		FanOut:         cfg.SchedulerFanOut(),
		AutoExecute:    cfg.AutoExecute(),
		DefaultTimeout: cfg.GetDuration("tools.default_timeout", 60*time.Second),
		GracePeriod:    cfg.GetDuration("scheduler.grace_period", 5*time.Second),
		Logger:         log,
	})

	factory := llm.NewFactory(cfg, log).OnWarning(func(msg string) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	})
	service, err := factory.ForModel(cfg.Model())
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:       cfg,
		manager:   manager,
		registry:  registry,
		scheduler: sched,
		factory:   factory,
		client:    agent.NewClient(cfg, service, registry, sched, log),
		model:     cfg.Model(),
	}, nil
}

// buildRegistry registers the built-in tool set.
func buildRegistry(cfg *config.Config, manager *adapters.ConnectionManager) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	root := cfg.WorkspaceRoot()
	timeout := 60 * time.Second

	regs := []struct {
		tool tools.Tool
		caps []tools.Capability
		opts []tools.RegisterOption
	}{
		{tools.NewSQLTool(manager, 1000, timeout),
			[]tools.Capability{tools.CapQuery, tools.CapModify, tools.CapSchemaChange},
			[]tools.RegisterOption{tools.WithPriority(10), tools.WithTags("sql", "database")}},
		{tools.NewSchemaTool(manager),
			[]tools.Capability{tools.CapExplore},
			[]tools.RegisterOption{tools.WithPriority(9), tools.WithTags("sql", "metadata")}},
		{tools.NewExportTool(manager, root),
			[]tools.Capability{tools.CapExport},
			[]tools.RegisterOption{tools.WithTags("sql", "file")}},
		{tools.NewConnectTool(manager, ""),
			[]tools.Capability{tools.CapExplore},
			[]tools.RegisterOption{tools.WithTags("database")}},
		{tools.NewReadFileTool(root), []tools.Capability{tools.CapRead}, nil},
		{tools.NewWriteFileTool(root), []tools.Capability{tools.CapWrite}, nil},
		{tools.NewShellTool(root, timeout), []tools.Capability{tools.CapWrite, tools.CapRead}, nil},
		{tools.NewWebTool(timeout), []tools.Capability{tools.CapRead}, nil},
		{tools.NewCodeExecTool(root, timeout), []tools.Capability{tools.CapTransform}, nil},
	}
	for _, r := range regs {
		if err := registry.Register(r.tool, r.caps, r.opts...); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// switchModel rebuilds the LLM service for a new model, keeping the
// conversation history.
func (s *session) switchModel(model string) error {
	service, err := s.factory.ForModel(model)
	if err != nil {
		return err
	}
	if err := s.cfg.Set("model", model); err != nil {
		return err
	}
	s.client.SwitchModel(service)
	s.model = model
	fmt.Printf("model: %s\n", model)
	return nil
}

// openStartupConnection opens --database or the configured default
// connection, if any.
func (s *session) openStartupConnection(ctx context.Context, target string) error {
	if target == "" {
		target = s.cfg.GetString("default_connection.url", "")
	}
	if target == "" {
		return nil
	}

	source, alias, err := resolveConnectionTarget(target)
	if err != nil {
		return err
	}
	if _, err := s.manager.Open(ctx, alias, source, true); err != nil {
		return fmt.Errorf("failed to open %s: %w", alias, err)
	}
	return nil
}

// resolveConnectionTarget treats strings with a scheme as connection
// strings and everything else as a saved alias.
func resolveConnectionTarget(target string) (source any, alias string, err error) {
	if strings.Contains(target, "://") {
		cs, err := adapters.ParseConnString(target)
		if err != nil {
			return nil, "", err
		}
		alias := cs.Database
		if alias == "" {
			alias = "default"
		}
		return target, alias, nil
	}

	saved, err := config.LoadConnections("")
	if err != nil {
		return nil, "", err
	}
	dbcfg, ok := saved[target]
	if !ok {
		return nil, "", fmt.Errorf("no saved connection named %q", target)
	}
	return dbcfg, target, nil
}

func (s *session) close() {
	if err := s.manager.CloseAll(); err != nil {
		logger.Get().Warn("failed closing connections", "error", err)
	}
}
