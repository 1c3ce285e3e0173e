package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/messaging/inproc"
	"conductor/internal/messaging/natsbus"
	"conductor/internal/orchestrator"
	"conductor/internal/registry"
	"conductor/internal/scheduler"
	sqlitestore "conductor/internal/store/sqlite"
	"conductor/internal/telemetry"
)

var (
	configPath string
	dbPathFlag string
)

var rootCmd = &cobra.Command{
	Use:           "conductor",
	Short:         "Multi-agent task orchestration and verification",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the dispatch and maintenance loops",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one deadline, dead-letter and liveness pass and exit",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Move a dead-lettered task back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

var (
	addrFlag     string
	strategyFlag string
	demoWorkers  bool
	demoCount    int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.conductor/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path override")

	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "http listen address override")
	serveCmd.Flags().StringVar(&strategyFlag, "strategy", "", "distribution strategy override (round_robin|least_loaded|capability_match)")
	serveCmd.Flags().BoolVar(&demoWorkers, "demo-workers", false, "run in-process demo workers")
	serveCmd.Flags().IntVar(&demoCount, "demo-count", 2, "number of demo workers")

	rootCmd.AddCommand(serveCmd, sweepCmd, requeueCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if dbPathFlag != "" {
		cfg.Orchestrator.DBPath = dbPathFlag
	}
	if cmd.Flags().Changed("addr") {
		cfg.Orchestrator.Addr = addrFlag
	}
	if cmd.Flags().Changed("strategy") {
		cfg.Orchestrator.Strategy = strategyFlag
	}
	if cmd.Flags().Changed("demo-workers") {
		cfg.Orchestrator.DemoWorkers = demoWorkers
	}
	return cfg, nil
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	dbPath = filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Orchestrator.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	bus := inproc.New(256)
	dispatchers := scheduler.Dispatchers{bus}
	var nb *natsbus.Bus
	if cfg.NATS.Enabled {
		nb, err = natsbus.Connect(natsbus.Config{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix}, log.Default())
		if err != nil {
			return err
		}
		defer func() {
			_ = nb.Close()
		}()
		dispatchers = append(dispatchers, nb)
	}

	svc, err := orchestrator.Build(store, cfg, orchestrator.Options{
		Dispatcher: dispatchers,
		Tracer:     telemetry.NewTracer(cfg.Telemetry.ServiceName),
		Logger:     log.Default(),
	})
	if err != nil {
		return err
	}
	svc.Start(ctx)
	var workers []*agent.Worker
	defer func() {
		cancel()
		for _, w := range workers {
			w.Wait()
		}
		svc.Wait()
	}()

	if nb != nil {
		if err := nb.ListenHeartbeats(ctx, svc.Heartbeat); err != nil {
			return err
		}
	}

	if cfg.Orchestrator.DemoWorkers {
		workers, err = startDemoWorkers(ctx, svc, bus, demoCount)
		if err != nil {
			return err
		}
	}

	a := &app{cfg: cfg, svc: svc}
	server := &http.Server{
		Addr:              cfg.Orchestrator.Addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"conductor started addr=%s db=%s strategy=%s auto_verify=%t demo_workers=%d nats=%t",
		cfg.Orchestrator.Addr,
		cfg.Orchestrator.DBPath,
		svc.Strategy(),
		cfg.Orchestrator.AutoVerifyEnabled(),
		len(workers),
		nb != nil,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// startDemoWorkers registers n demo agents able to run every demo task type
// and starts an in-process worker for each.
func startDemoWorkers(ctx context.Context, svc *orchestrator.Service, bus *inproc.Bus, n int) ([]*agent.Worker, error) {
	handlers := agent.NewHandlers()
	if err := agent.RegisterDemo(handlers); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	workers := make([]*agent.Worker, 0, n)
	for i := 0; i < n; i++ {
		a, err := svc.RegisterAgent(ctx, registry.RegisterInput{
			Name:               fmt.Sprintf("demo-%d", i+1),
			Kind:               agent.DemoKind,
			Capabilities:       handlers.TaskTypes(agent.DemoKind),
			MaxConcurrentTasks: 2,
			Metadata:           map[string]string{"origin": "demo-workers"},
		})
		if err != nil {
			return workers, fmt.Errorf("register demo agent: %w", err)
		}
		w := agent.NewWorker(a, bus, svc, handlers, agent.WorkerConfig{Concurrency: a.MaxConcurrentTasks}, log.Default())
		w.Start(ctx)
		workers = append(workers, w)
		log.Printf("demo worker started agent=%s capabilities=%s", a.ID, strings.Join(a.Capabilities.Slice(), ","))
	}
	return workers, nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, closeStore, err := offlineService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := svc.RunMaintenance(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, closeStore, err := offlineService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	ok, err := svc.RequeueDeadLetter(ctx, args[0])
	svc.Wait()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not in the dead-letter queue", args[0])
	}
	task, err := svc.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(task)
}

// offlineService builds a facade with no dispatch hook for one-shot commands.
func offlineService(cmd *cobra.Command) (*orchestrator.Service, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), cfg.Orchestrator.DBPath)
	if err != nil {
		return nil, nil, err
	}
	svc, err := orchestrator.Build(store, cfg, orchestrator.Options{Logger: log.Default()})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, func() { _ = store.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
