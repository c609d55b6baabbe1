// Package app wires the orchestrator: provider, session registry, event
// publishing, the three workflow services and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/api"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/conference"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/config"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/monitor"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/permission"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/transfer"
)

// Orchestrator is the assembled service.
type Orchestrator struct {
	cfg         *config.Config
	provider    callctl.Provider
	reg         *registry.Registry
	hub         *events.Hub
	publisher   events.Publisher
	perms       permission.Store
	transfers   *transfer.Service
	conferences *conference.Service
	monitors    *monitor.Service
	apiServer   *api.Server
}

// NewServer builds the orchestrator from configuration. The provider is the
// in-process simulator unless one is injected with NewServerWithProvider.
func NewServer(cfg *config.Config) (*Orchestrator, error) {
	return NewServerWithProvider(cfg, callctl.NewSim())
}

// NewServerWithProvider builds the orchestrator against a specific provider.
func NewServerWithProvider(cfg *config.Config, provider callctl.Provider) (*Orchestrator, error) {
	regCfg := registry.DefaultConfig()
	if cfg.AttendedTTL > 0 {
		regCfg.TTL[registry.KindAttendedTransfer] = cfg.AttendedTTL
	}
	if cfg.ConferenceTTL > 0 {
		regCfg.TTL[registry.KindConference] = cfg.ConferenceTTL
	}
	if cfg.MonitorTTL > 0 {
		regCfg.TTL[registry.KindMonitor] = cfg.MonitorTTL
	}
	if cfg.SweepInterval > 0 {
		regCfg.SweepInterval = cfg.SweepInterval
	}
	reg := registry.New(regCfg)

	hub := events.NewHub()
	publisher := events.NewAsyncPublisher(events.NewMultiPublisher(
		events.NewLoggingPublisher(slog.Default()),
		hub,
	))

	var perms permission.Store
	if cfg.DatabaseDSN != "" {
		store, err := permission.OpenGorm(cfg.DatabaseDSN)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("permission store: %w", err)
		}
		perms = store
		slog.Info("Using Postgres permission store")
	} else {
		perms = permission.NewMemoryStore()
		slog.Info("Using in-memory permission store (all pairs allowed until a grant exists)")
	}

	workflowCfg := transfer.Config{
		TrunkPrefixes: cfg.TrunkPrefixes,
		SettleDelay:   cfg.SettleDelay,
	}
	transfers := transfer.NewService(provider, reg, publisher, workflowCfg)
	conferences := conference.NewService(provider, reg, publisher, conference.Config{
		TrunkPrefixes: cfg.TrunkPrefixes,
		SettleDelay:   cfg.SettleDelay,
	})
	monitors := monitor.NewService(provider, reg, publisher, perms, monitor.Config{
		ObserveCode: cfg.ObserveCode,
		BargeInCode: cfg.BargeInCode,
		CoachCode:   cfg.CoachCode,
	})

	apiServer := api.NewServer(cfg.HTTPAddr, transfers, conferences, monitors, perms, reg, hub, cfg.APISecret)

	return &Orchestrator{
		cfg:         cfg,
		provider:    provider,
		reg:         reg,
		hub:         hub,
		publisher:   publisher,
		perms:       perms,
		transfers:   transfers,
		conferences: conferences,
		monitors:    monitors,
		apiServer:   apiServer,
	}, nil
}

// Provider returns the bound call-control provider.
func (o *Orchestrator) Provider() callctl.Provider {
	return o.provider
}

// Start launches the API server and blocks until the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	caps := o.provider.Capabilities()
	slog.Info("Provider capabilities",
		"redirect", caps.Redirect,
		"single_step_transfer", caps.SingleStepTransfer,
		"two_call_transfer", caps.TwoCallTransfer,
		"conference", caps.Conference,
		"feature_codes", caps.FeatureCodes,
	)
	if err := o.apiServer.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Close shuts everything down in reverse dependency order.
func (o *Orchestrator) Close() {
	if err := o.apiServer.Stop(); err != nil {
		slog.Warn("api shutdown", "error", err)
	}
	o.reg.Close()
	if err := o.publisher.Close(); err != nil {
		slog.Warn("event publisher shutdown", "error", err)
	}
}
