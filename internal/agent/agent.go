// Package agent assembles a runnable orchestrator from configuration: the
// provider transport, the arc engine, subagent delegation with its session
// table, and the state machine the UI drives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/ai/agents"
	"github.com/floegence/redeven-orchestrator/internal/ai/arc"
	"github.com/floegence/redeven-orchestrator/internal/ai/autofix"
	"github.com/floegence/redeven-orchestrator/internal/ai/delegate"
	"github.com/floegence/redeven-orchestrator/internal/ai/llm"
	"github.com/floegence/redeven-orchestrator/internal/ai/orchestrator"
	"github.com/floegence/redeven-orchestrator/internal/ai/tasksession"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

type Options struct {
	Config *config.OrchestratorConfig

	// ResolveKey supplies provider API keys. Unused when Transport is set.
	ResolveKey llm.KeyResolver
	// Transport replaces the adapter chosen from the default provider.
	Transport llm.Transport

	Executor tools.Executor
	// Reader enables diff re-anchoring. When nil and Executor implements
	// tools.UntrackedReader, the executor is used.
	Reader tools.UntrackedReader

	SystemPrompt string

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

type Agent struct {
	cfg *config.OrchestratorConfig
	log *slog.Logger

	catalog  *agents.Catalog
	mirror   *tasksession.SQLiteMirror
	delegate *delegate.Service
	machine  *orchestrator.Machine
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	cfg := opts.Config

	logger, err := logging.New(opts.LogOutput, strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	provider, model, ok := cfg.DefaultModel()
	if !ok {
		return nil, errors.New("missing default model")
	}
	transport := opts.Transport
	if transport == nil {
		transport, err = llm.NewTransport(provider, opts.ResolveKey)
		if err != nil {
			return nil, err
		}
	}

	reader := opts.Reader
	if reader == nil {
		reader, _ = opts.Executor.(tools.UntrackedReader)
	}

	engine, err := arc.New(arc.Options{
		Transport:     transport,
		Executor:      opts.Executor,
		Reader:        reader,
		Autofix:       &autofix.Fixer{Reader: reader, Logger: logger},
		ShouldCompact: arc.CompactWhen(cfg.EffectiveContextLimit(), cfg.EffectiveCompactThreshold()),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Agent{cfg: cfg, log: logger}

	a.catalog = agents.NewCatalog(cfg.AgentDirs, logger)
	if err := a.catalog.Reload(); err != nil {
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}

	storeOpts := tasksession.Options{Capacity: cfg.EffectiveSessionCapacity(), Logger: logger}
	if path := strings.TrimSpace(cfg.SessionDBPath); path != "" {
		a.mirror, err = tasksession.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open session db: %w", err)
		}
		storeOpts.Mirror = a.mirror
	}

	retryBudget := cfg.EffectiveRetryBudget()
	a.delegate, err = delegate.New(delegate.Options{
		Engine:      engine,
		Executor:    opts.Executor,
		Agents:      a.catalog,
		Sessions:    tasksession.NewStore(storeOpts),
		Model:       model,
		RetryBudget: retryBudget,
		Logger:      logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.machine, err = orchestrator.New(orchestrator.Options{
		Engine:       engine,
		Executor:     opts.Executor,
		Delegator:    a.delegate,
		Model:        model,
		SystemPrompt: opts.SystemPrompt,
		Tools:        llm.ToolDefs(tools.Definitions(nil)),
		RetryBudget:  retryBudget,
		PollInterval: time.Duration(cfg.EffectiveLivePollIntervalMs()) * time.Millisecond,
		Whitelist:    cfg.ToolWhitelist,
		Logger:       logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("orchestrator ready",
		"provider", provider.ID,
		"model", model,
		"agents", len(a.catalog.Names()),
		"session_mirror", a.mirror != nil,
	)
	return a, nil
}

func (a *Agent) Machine() *orchestrator.Machine { return a.machine }

func (a *Agent) Delegation() *delegate.Service { return a.delegate }

func (a *Agent) Agents() *agents.Catalog { return a.catalog }

// Run keeps the agent catalog in sync with its directories until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	return a.catalog.Watch(ctx, func() {
		a.log.Info("agent definitions reloaded", "agents", len(a.catalog.Names()))
	})
}

func (a *Agent) Close() error {
	if a.mirror == nil {
		return nil
	}
	err := a.mirror.Close()
	a.mirror = nil
	return err
}
