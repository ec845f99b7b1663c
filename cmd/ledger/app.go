package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/Veraticus/spice-ledger/internal/classify"
	"github.com/Veraticus/spice-ledger/internal/config"
	"github.com/Veraticus/spice-ledger/internal/llm"
	"github.com/Veraticus/spice-ledger/internal/reconcile"
	"github.com/Veraticus/spice-ledger/internal/recurring"
	"github.com/Veraticus/spice-ledger/internal/reimburse"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/Veraticus/spice-ledger/internal/storage"
)

// app is the engine assembled from configuration.
type app struct {
	store        service.Storage
	cfg          *config.EngineConfig
	recurring    *recurring.Service
	classifier   *classify.Service
	proposals    *reimburse.Manager
	orchestrator *reconcile.Orchestrator
}

// openStore opens and migrates the configured database.
func (e *environment) openStore(ctx context.Context) (*config.EngineConfig, *storage.SQLiteStorage, error) {
	cfg, err := config.LoadEngineConfig(e.viper)
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return cfg, store, nil
}

// openApp opens the database and wires the engine on top of it.
func (e *environment) openApp(ctx context.Context) (*app, error) {
	cfg, store, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}

	var agent service.AgentClassifier
	if cfg.Agent.Enabled {
		classifier, err := llm.NewClassifier(ctx, llm.Config{
			APIKey:      cfg.Agent.APIKey,
			Model:       cfg.Agent.Model,
			MaxRetries:  cfg.Agent.MaxRetries,
			RetryDelay:  cfg.Agent.RetryDelay,
			CacheTTL:    cfg.Agent.CacheTTL,
			RateLimit:   cfg.Agent.RateLimit,
			Temperature: cfg.Agent.Temperature,
		}, slog.Default())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		agent = classifier
	}

	a, err := newApp(cfg, store, agent)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// newApp wires the engine around an open store. agent may be nil.
func newApp(cfg *config.EngineConfig, store service.Storage, agent service.AgentClassifier) (*app, error) {
	pipeline, err := classify.NewStandardPipeline(store, agent, classify.Thresholds{
		Rule:    cfg.Thresholds.Rule,
		History: cfg.Thresholds.History,
		Agent:   cfg.Thresholds.Agent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build classification pipeline: %w", err)
	}

	scope := service.AllowAll{}
	a := &app{
		store:      store,
		cfg:        cfg,
		recurring:  recurring.NewService(store, scope),
		classifier: classify.NewService(store, pipeline, classify.WithHistoryWindow(cfg.HistoryLookbackDays, 0)),
		proposals:  reimburse.NewManager(store),
	}
	a.orchestrator = reconcile.New(store, scope, a.recurring, a.classifier, a.proposals, reconcile.Config{
		ReimbursementSubcategories: cfg.Reimbursement.Subcategories,
		ReimbursementKeywords:      cfg.Reimbursement.Keywords,
		LookbackDays:               cfg.Reimbursement.LookbackDays,
		AutoPropose:                cfg.Reimbursement.AutoPropose,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
