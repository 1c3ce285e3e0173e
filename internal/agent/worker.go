package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
)

type Queue interface {
	Register(agentID string) <-chan domain.Assignment
	Unregister(agentID string)
}

// Reporter is the worker reporting surface of the orchestrator.
type Reporter interface {
	Heartbeat(ctx context.Context, agentID string) error
	TaskStarted(ctx context.Context, taskID, agentID string) error
	TaskCompleted(ctx context.Context, taskID, agentID string, output map[string]any) (orchestrator.Completion, error)
	TaskFailed(ctx context.Context, taskID, agentID, reason string) (orchestrator.FailureOutcome, error)
}

type WorkerConfig struct {
	Concurrency       int
	HeartbeatInterval time.Duration
	HandlerTimeout    time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 8 * time.Minute
	}
	return c
}

// Worker runs assignments for one registered agent in this process.
type Worker struct {
	id       string
	kind     string
	queue    Queue
	reporter Reporter
	handlers *Handlers
	cfg      WorkerConfig
	logger   *log.Logger

	wg sync.WaitGroup
}

func NewWorker(agent domain.Agent, queue Queue, reporter Reporter, handlers *Handlers, cfg WorkerConfig, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:       agent.ID,
		kind:     agent.Kind,
		queue:    queue,
		reporter: reporter,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

func (w *Worker) ID() string { return w.id }

// Start subscribes to the agent's assignments and heartbeats until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ch := w.queue.Register(w.id)
	stopHeartbeat := startTicker(ctx, w.cfg.HeartbeatInterval, func() {
		if err := w.reporter.Heartbeat(ctx, w.id); err != nil && ctx.Err() == nil {
			w.logger.Printf("worker heartbeat failed agent=%s: %v", w.id, err)
		}
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer stopHeartbeat()
		defer w.queue.Unregister(w.id)

		slots := make(chan struct{}, w.cfg.Concurrency)
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-ch:
				if !ok {
					return
				}
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					defer func() { <-slots }()
					w.handle(ctx, a)
				}()
			}
		}
	}()
}

// Wait blocks until the consume loop and every running handler have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, a domain.Assignment) {
	if a.AgentID != w.id {
		w.logger.Printf("worker dropped foreign assignment agent=%s task=%s owner=%s", w.id, a.TaskID, a.AgentID)
		return
	}
	// outcomes are still reported while shutting down
	reportCtx := context.WithoutCancel(ctx)

	if err := w.reporter.TaskStarted(reportCtx, a.TaskID, w.id); err != nil {
		w.logger.Printf("worker start rejected agent=%s task=%s: %v", w.id, a.TaskID, err)
		return
	}
	fn, ok := w.handlers.Lookup(w.kind, a.TaskType)
	if !ok {
		w.fail(reportCtx, a, fmt.Sprintf("no handler for kind=%s type=%s", w.kind, a.TaskType))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	started := time.Now()
	output, err := run(runCtx, fn, a)
	cancel()
	if err != nil {
		w.fail(reportCtx, a, err.Error())
		return
	}

	done, err := w.reporter.TaskCompleted(reportCtx, a.TaskID, w.id, output)
	if err != nil {
		w.logger.Printf("worker complete rejected agent=%s task=%s: %v", w.id, a.TaskID, err)
		return
	}
	if done.Verification != nil {
		w.logger.Printf("worker task done agent=%s task=%s took=%s score=%.1f level=%s",
			w.id, a.TaskID, time.Since(started).Round(time.Millisecond), done.Verification.OverallScore, done.Verification.QualityLevel)
		return
	}
	w.logger.Printf("worker task done agent=%s task=%s took=%s", w.id, a.TaskID, time.Since(started).Round(time.Millisecond))
}

func (w *Worker) fail(ctx context.Context, a domain.Assignment, reason string) {
	out, err := w.reporter.TaskFailed(ctx, a.TaskID, w.id, trim(reason, 500))
	if err != nil {
		w.logger.Printf("worker failure rejected agent=%s task=%s: %v", w.id, a.TaskID, err)
		return
	}
	w.logger.Printf("worker task failed agent=%s task=%s retried=%t reason=%q", w.id, a.TaskID, out.Retried, trim(reason, 160))
}

func run(ctx context.Context, fn HandlerFunc, a domain.Assignment) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, a)
}

func startTicker(ctx context.Context, interval time.Duration, onTick func()) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				onTick()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
