package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/droidpilot/internal/config"
	"github.com/ashureev/droidpilot/internal/device"
	"github.com/ashureev/droidpilot/internal/engine"
	"github.com/ashureev/droidpilot/internal/hub"
	"github.com/ashureev/droidpilot/internal/inference"
	"github.com/ashureev/droidpilot/internal/store"
	"github.com/ashureev/droidpilot/internal/trajectory"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	hub        *hub.Hub
	repo       *store.SQLiteStore
	model      inference.Client
	engine     *engine.Engine
	trajectory *trajectory.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: hub.New(logger)}

	// NewSQLite creates the database directory.
	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.repo = repo
	if err := repo.Ping(ctx); err != nil {
		_ = a.close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	model, err := inference.New(ctx, inference.Options{
		Backend:      cfg.Inference.Backend,
		BaseURL:      cfg.Inference.BaseURL,
		APIKey:       cfg.Inference.APIKey,
		Model:        cfg.Inference.Model,
		Temperature:  cfg.Inference.Temperature,
		MaxTokens:    cfg.Inference.MaxTokens,
		Timeout:      cfg.Inference.Timeout,
		GeminiAPIKey: cfg.Inference.GeminiAPIKey,
		GRPCAddr:     cfg.Inference.GRPCAddr,
		Logger:       logger,
	})
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("initialize inference client: %w", err)
	}
	a.model = model

	dev, err := newDevice(cfg.Device, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	if cfg.Trajectory.Enabled {
		tl, err := trajectory.New(trajectory.Config{
			Enabled:   true,
			Dir:       cfg.Trajectory.Dir,
			QueueSize: cfg.Trajectory.QueueSize,
		}, logger)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("initialize trajectory logger: %w", err)
		}
		a.trajectory = tl
		a.hub.Subscribe(tl)
	}

	a.engine = engine.New(dev, model, a.hub, engine.Options{
		MaxSteps:    cfg.Engine.MaxSteps,
		HistoryN:    cfg.Engine.HistoryN,
		SettleDelay: cfg.Engine.SettleDelay,
		WaitDelay:   cfg.Engine.WaitDelay,
		Executor: device.ExecutorOptions{
			LongPressDuration: cfg.Engine.LongPressDuration,
			SwipeDuration:     cfg.Engine.SwipeDuration,
		},
		Saver:  repo,
		Logger: logger,
	})
	return a, nil
}

// newDevice runs adb locally, or through docker exec when a container is
// configured.
func newDevice(cfg config.DeviceConfig, logger *slog.Logger) (*device.ADB, error) {
	var runner device.Runner = device.NewExecRunner(cfg.ADBPath)
	if cfg.Container != "" {
		dr, err := device.NewDockerRunner(cfg.Container, cfg.ADBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize docker runner: %w", err)
		}
		runner = dr
	}
	return device.NewADB(runner, device.ADBOptions{
		Serial:         cfg.Serial,
		Timeout:        cfg.Timeout,
		ConnectRetries: cfg.ConnectRetries,
		Logger:         logger,
	}), nil
}

// shutdown stops the engine and releases every component.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.trajectory != nil {
		if err := a.trajectory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trajectory logger: %w", err))
		}
	}
	if a.model != nil {
		if err := a.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close inference client: %w", err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close repository: %w", err))
		}
	}
	return errors.Join(errs...)
}
