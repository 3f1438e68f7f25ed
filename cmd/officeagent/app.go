package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/officeagent/pkg/config"
	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/events"
	"github.com/nstogner/officeagent/pkg/model"
	"github.com/nstogner/officeagent/pkg/model/gemini"
	"github.com/nstogner/officeagent/pkg/model/openai"
	"github.com/nstogner/officeagent/pkg/sandbox"
	"github.com/nstogner/officeagent/pkg/sandbox/docker"
	"github.com/nstogner/officeagent/pkg/sandbox/jupyter"
	"github.com/nstogner/officeagent/pkg/store"
	"github.com/nstogner/officeagent/pkg/store/jsonl"
	"github.com/nstogner/officeagent/pkg/store/sqlite"
	"github.com/nstogner/officeagent/pkg/tools"
)

// app wires the components shared by serve and chat.
type app struct {
	cfg      *config.Config
	store    store.TranscriptStore
	provider model.Provider
	docker   *docker.Launcher
	registry *sandbox.Registry
	bus      *events.Bus
	manager  *controller.Manager

	closers []func() error
}

func newLogger(cfg config.LogConfig, w *os.File) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(cfg *config.Config) (store.TranscriptStore, func() error, error) {
	switch cfg.Store.Driver {
	case config.StoreJSONL:
		m, err := jsonl.NewManager(filepath.Join(cfg.DataDir, "transcripts"))
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	default:
		s, err := sqlite.New(filepath.Join(cfg.DataDir, "officeagent.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

func newProvider(ctx context.Context, cfg config.ModelConfig) (model.Provider, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY is not set")
		}
		return gemini.New(ctx, cfg.GeminiAPIKey)
	default:
		if cfg.OpenAIAPIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		return openai.New(cfg.OpenAIAPIKey, cfg.BaseURL), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.FilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	if a.provider, err = newProvider(ctx, cfg.Model); err != nil {
		return nil, fmt.Errorf("creating %s provider: %w", cfg.Model.Provider, err)
	}

	var launcher sandbox.Launcher
	switch cfg.Sandbox.Launcher {
	case config.LauncherGateway:
		gw, err := jupyter.NewClient(cfg.Sandbox.GatewayURL, cfg.Sandbox.GatewayToken)
		if err != nil {
			return nil, fmt.Errorf("creating gateway client: %w", err)
		}
		launcher = &jupyter.Launcher{Client: gw, KernelName: jupyter.DefaultKernelName}
	default:
		d, err := docker.New(docker.Config{
			Image:          cfg.Sandbox.Image,
			FilesDir:       cfg.FilesDir,
			StartupTimeout: cfg.Sandbox.StartupTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.docker = d
		a.closers = append(a.closers, d.Close)
		launcher = d
	}
	a.registry = sandbox.NewRegistry(launcher, sandbox.WithReadTimeout(cfg.Sandbox.ReadTimeout))

	a.bus = events.New(0, log)
	a.closers = append(a.closers, a.bus.Close)

	a.manager = controller.NewManager(controller.Deps{
		Store:    a.store,
		Provider: a.provider,
		Tools:    tools.Default(cfg.Agent.MaxRows),
		Notifier: a.bus,
	}, a.registry, controller.Options{
		Model:         cfg.Model.Name,
		FilesDir:      cfg.FilesDir,
		MaxSteps:      cfg.Agent.MaxSteps,
		MaxToolOutput: cfg.Agent.MaxToolOutput,
		Compaction: controller.CompactionOptions{
			Enabled:          cfg.Compaction.Enabled,
			Threshold:        cfg.Compaction.Threshold,
			MaxContextTokens: cfg.Compaction.MaxContextTokens,
			Model:            cfg.Compaction.Model,
		},
		Logger: log,
	})
	return a, nil
}

// reap stops sandbox containers left behind by a previous process whose
// session is no longer processing.
func (a *app) reap(ctx context.Context) error {
	if a.docker == nil {
		return nil
	}
	active, err := a.store.ListSessions(ctx, domain.SessionStatusProcessing)
	if err != nil {
		return err
	}
	keep := make([]string, len(active))
	for i, s := range active {
		keep[i] = s.ID
	}
	return a.docker.Reap(ctx, keep)
}

// close stops all turns, releases the sandboxes and closes the store last.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
