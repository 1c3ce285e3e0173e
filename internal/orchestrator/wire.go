package orchestrator

import (
	"log"
	"time"

	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/policy"
	"conductor/internal/queue"
	"conductor/internal/registry"
	"conductor/internal/scheduler"
	"conductor/internal/store/sqlite"
	"conductor/internal/telemetry"
	"conductor/internal/verification"
)

// Options carries the environment pieces Build cannot derive from config.
type Options struct {
	Dispatcher scheduler.Dispatcher
	Tracer     *telemetry.Tracer
	Now        func() time.Time
	Logger     *log.Logger
}

// Build assembles the registry, scheduler, queue, verifier and collaboration
// manager over one store and returns the facade composing them.
func Build(store *sqlite.Store, cfg config.Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewTracer(cfg.Telemetry.ServiceName)
	}

	reg := registry.New(store, registry.Config{
		LivenessWindow: cfg.Orchestrator.LivenessWindow(),
		Now:            opts.Now,
	}, logger)

	sched, err := scheduler.New(reg, store, opts.Dispatcher, tracer, scheduler.Config{
		Strategy: scheduler.Strategy(cfg.Orchestrator.Strategy),
		Now:      opts.Now,
	}, logger)
	if err != nil {
		return nil, err
	}

	q := queue.New(store, sched, queue.Config{
		DeadlineBoost:     cfg.Orchestrator.DeadlineBoost,
		DefaultMaxRetries: cfg.Orchestrator.DefaultMaxRetries,
		Now:               opts.Now,
	}, logger)

	profiles, err := verification.LoadProfiles(cfg.Verification.ProfilesPath)
	if err != nil {
		return nil, err
	}
	checks := make([]domain.CheckType, 0, len(cfg.Verification.DefaultChecks))
	for _, name := range cfg.Verification.DefaultChecks {
		checks = append(checks, domain.CheckType(name))
	}
	verifier := verification.New(store, q, tracer, verification.Config{
		Thresholds: verification.Thresholds{
			High:   cfg.Verification.High,
			Medium: cfg.Verification.Medium,
			Low:    cfg.Verification.Low,
		},
		DefaultChecks: checks,
		Profiles:      profiles,
		Now:           opts.Now,
	}, logger)
	if _, err := verifier.ParseCheckTypes(cfg.Verification.DefaultChecks); err != nil {
		return nil, err
	}

	return New(store, policy.New(store), Components{
		Registry:  reg,
		Scheduler: sched,
		Queue:     q,
		Verifier:  verifier,
		Collab:    collab.New(store, opts.Now, logger),
	}, Config{
		DispatchInterval: cfg.Orchestrator.DispatchInterval(),
		SweepInterval:    cfg.Orchestrator.SweepInterval(),
		AutoVerify:       cfg.Orchestrator.AutoVerifyEnabled(),
		Now:              opts.Now,
	}, logger), nil
}
