// Package dispatcher accepts start/stop requests synchronously and runs the
// orchestrators asynchronously via an in-process worker pool, replacing the
// source system's self-invocation idiom with an explicit task queue.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/oplog"
	"github.com/opsfleet/fleetctl/pkg/orchestrator"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

// Action is the lifecycle operation a Task requests.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

const (
	queueDepth   = 256
	defaultWorkers = 4
)

// Task is one enqueued orchestration request.
type Task struct {
	AppName string
	Action  Action
	Source  oplog.Source
	Reason  string
}

// PreviewAction is one line of a dry-run preview: a planned mutating call
// and how many resources it would touch.
type PreviewAction struct {
	Kind  string
	Count int
}

// Dispatcher owns the task queue and the worker pool that drains it.
type Dispatcher struct {
	store   *registry.Store
	start   *orchestrator.Start
	stop    *orchestrator.Stop
	writer  *oplog.Writer
	logger  *slog.Logger
	workers int

	tasks chan Task
	wg    sync.WaitGroup
}

// New creates a Dispatcher. Call Start to begin draining the queue.
func New(store *registry.Store, start *orchestrator.Start, stop *orchestrator.Stop, writer *oplog.Writer, logger *slog.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		store:   store,
		start:   start,
		stop:    stop,
		writer:  writer,
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, queueDepth),
	}
}

// Start spawns the worker pool. Each worker consumes tasks until ctx is
// canceled; orchestrations already in flight are allowed to complete.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Close stops accepting new tasks and waits for in-flight workers to drain.
func (d *Dispatcher) Close() {
	close(d.tasks)
	d.wg.Wait()
}

// Enqueue accepts a task for asynchronous execution, returning immediately
// (the 202-equivalent contract at the HTTP layer relies on this never
// blocking for long). If the queue is saturated the task is dropped and an
// error returned so the caller can surface a 503 rather than silently lose
// the request.
func (d *Dispatcher) Enqueue(task Task) error {
	select {
	case d.tasks <- task:
		return nil
	default:
		return fmt.Errorf("dispatcher queue full (depth %d), rejecting %s %s", queueDepth, task.Action, task.AppName)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for task := range d.tasks {
		d.run(ctx, task)
	}
}

func (d *Dispatcher) run(ctx context.Context, task Task) {
	app, err := d.store.GetApplication(ctx, task.AppName)
	if err != nil {
		d.logger.Error("dispatcher: application not found", "app", task.AppName, "action", task.Action, "error", err)
		return
	}

	d.logger.Info("dispatcher: orchestration starting", "app", task.AppName, "action", task.Action, "source", task.Source)

	var result *orchestrator.Result
	switch task.Action {
	case ActionStart:
		result = d.start.Run(ctx, app)
	case ActionStop:
		result = d.stop.Run(ctx, app)
	default:
		d.logger.Error("dispatcher: unknown action", "action", task.Action)
		return
	}

	if d.writer != nil {
		d.writer.Log(task.AppName, mapAction(task.Action), task.Source, task.Reason)
	}

	if !result.Success {
		d.logger.Error("dispatcher: orchestration completed with errors", "app", task.AppName, "action", task.Action, "errors", result.Errors, "warnings", result.Warnings)
		return
	}
	d.logger.Info("dispatcher: orchestration completed", "app", task.AppName, "action", task.Action, "warnings", result.Warnings)
}

func mapAction(a Action) oplog.Action {
	if a == ActionStop {
		return oplog.ActionStop
	}
	return oplog.ActionStart
}

// Preview enumerates the mutating calls a start run would make, without
// invoking the orchestrator or touching the dispatch queue.
func Preview(ctx context.Context, adapter *cloudadapter.Adapter, app *registry.Application) ([]PreviewAction, error) {
	var actions []PreviewAction

	if app.PostgresHost != nil && *app.PostgresHost != "" {
		if _, state, err := adapter.Compute.FindVMByPrivateIP(ctx, *app.PostgresHost); err == nil && state != cloudadapter.VMRunning {
			actions = append(actions, PreviewAction{Kind: "start_vm:postgres", Count: 1})
		}
	}
	if app.Neo4jHost != nil && *app.Neo4jHost != "" {
		if _, state, err := adapter.Compute.FindVMByPrivateIP(ctx, *app.Neo4jHost); err == nil && state != cloudadapter.VMRunning {
			actions = append(actions, PreviewAction{Kind: "start_vm:neo4j", Count: 1})
		}
	}

	if app.NodegroupAssignment != nil {
		ng := app.NodegroupAssignment
		current, err := adapter.Nodegroup.DescribeNodegroup(ctx, adapter.ClusterName, ng.Name)
		target := cloudadapter.ScalingConfig{Desired: ng.Desired, Min: ng.Min, Max: ng.Max}.Clamp()
		if err == nil && current.Scaling != target {
			actions = append(actions, PreviewAction{Kind: "scale_nodegroup", Count: 1})
		}
	}

	workloads, err := adapter.Workload.ListWorkloads(ctx, app.Namespace)
	if err != nil {
		return actions, fmt.Errorf("preview: listing workloads: %w", err)
	}
	scaleUps := 0
	for _, w := range workloads {
		if w.Kind == cloudadapter.KindReplicaSet && w.Owned {
			continue
		}
		if w.Kind == cloudadapter.KindDaemonSet {
			continue
		}
		if w.Replicas < 1 {
			scaleUps++
		}
	}
	if scaleUps > 0 {
		actions = append(actions, PreviewAction{Kind: "scale_workload_up", Count: scaleUps})
	}

	return actions, nil
}
