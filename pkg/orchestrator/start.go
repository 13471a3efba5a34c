package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

const (
	// defaultPostgresPort and defaultNeo4jPort are used for the post-start
	// TCP healthiness check when the registry record carries no explicit
	// port.
	defaultPostgresPort = 5432
	defaultNeo4jPort    = 7687

	dbHealthCheckTimeout = 10 * time.Second

	// workloadReadyDeadline bounds how long Run waits for a scaled-up
	// workload's containers to come ready, mirroring the per-VM deadline
	// start_vm applies while waiting for a DB VM to reach running.
	workloadReadyDeadline = 300 * time.Second
)

// Start drives an application's databases, nodegroup capacity, and
// workloads from their current state toward fully started, in order:
// resolve and start VMs, scale and wait for the nodegroup, then scale
// workloads back up and wait for them to report ready.
type Start struct {
	adapter *cloudadapter.Adapter
	store   *registry.Store
}

// NewStart creates a Start orchestrator.
func NewStart(adapter *cloudadapter.Adapter, store *registry.Store) *Start {
	return &Start{adapter: adapter, store: store}
}

// Run drives one application from its current state toward fully started.
// It never returns an error itself; failures accumulate into the Result
// so a partial run still reports what it managed to do.
func (s *Start) Run(ctx context.Context, app *registry.Application) *Result {
	res := newResult()
	hints := map[string]registry.ComponentState{}

	// Detect current state, then start any stopped database VMs.
	res.Trace.Record(PhaseDetect, "resolving db vms by private ip")
	if id, done := s.startDB(ctx, res, "postgres", app.PostgresHost, app.PostgresPort); done {
		hints["postgres_state"] = id
	}
	if id, done := s.startDB(ctx, res, "neo4j", app.Neo4jHost, app.Neo4jPort); done {
		hints["neo4j_state"] = id
	}

	// Scale the nodegroup to its configured capacity and wait for it to
	// become active.
	if app.NodegroupAssignment != nil {
		s.scaleAndWaitNodegroup(ctx, res, app, hints)
	} else {
		res.Trace.Warn(PhaseScaleNodegroup, "no nodegroup assignment configured, skipping nodegroup scale-up")
	}

	// Scale workloads back up and wait for them to become ready.
	s.scaleWorkloadsUp(ctx, res, app)

	if s.store != nil && len(hints) > 0 {
		if err := s.store.UpdateHints(ctx, app.Name, hints); err != nil {
			res.addError(fmt.Errorf("persisting start hints: %w", err))
		}
	}

	return res.finish()
}

// startDB resolves and, if needed, starts the DB VM for one DB kind. It
// always reports the resulting state as a hint, including when the VM was
// already running, so a stale "starting" hint heals back to "running"
// even when this run took no action.
func (s *Start) startDB(ctx context.Context, res *Result, kind string, host *string, port *int) (registry.ComponentState, bool) {
	if host == nil || *host == "" {
		return "", false
	}

	id, vmState, err := s.adapter.Compute.FindVMByPrivateIP(ctx, *host)
	if err != nil {
		res.addError(fmt.Errorf("%s: resolving vm for %s: %w", PhaseDetect, kind, err))
		return registry.StateUnknown, true
	}

	if vmState == cloudadapter.VMRunning {
		res.Trace.Record(PhaseStartVMs, fmt.Sprintf("%s vm %s already running", kind, id))
		return registry.StateRunning, true
	}

	res.Trace.Record(PhaseStartVMs, fmt.Sprintf("starting %s vm %s", kind, id))
	finalState, err := s.adapter.Compute.StartVM(ctx, id)
	if err != nil {
		res.addError(fmt.Errorf("%s: starting vm for %s: %w", PhaseStartVMs, kind, err))
		return registry.StateUnknown, true
	}

	if finalState == cloudadapter.VMRunning {
		s.checkDBHealthy(ctx, res, kind, *host, port)
		return registry.StateRunning, true
	}
	res.addError(fmt.Errorf("%s: vm for %s did not reach running (state=%s)", PhaseStartVMs, kind, finalState))
	return registry.StateUnknown, true
}

// checkDBHealthy issues the start-time TCP healthiness check: the VM
// reports running, but that alone doesn't mean the DB process inside it is
// accepting connections yet. This never fails the run — a closed port
// becomes a warning, since the aggregator's own status reads never consult
// TCP state for the DB verdict.
func (s *Start) checkDBHealthy(ctx context.Context, res *Result, kind, host string, port *int) {
	if s.adapter.Prober == nil {
		return
	}
	p := defaultDBPort(kind, port)
	verdict := s.adapter.Prober.TCPProbe(ctx, host, p, dbHealthCheckTimeout)
	if verdict != cloudadapter.TCPOpen {
		res.Trace.Warn(PhaseStartVMs, fmt.Sprintf("%s vm at %s:%d not yet accepting tcp connections (%s)", kind, host, p, verdict))
	}
}

func defaultDBPort(kind string, port *int) int {
	if port != nil && *port > 0 {
		return *port
	}
	if kind == "neo4j" {
		return defaultNeo4jPort
	}
	return defaultPostgresPort
}

func (s *Start) scaleAndWaitNodegroup(ctx context.Context, res *Result, app *registry.Application, hints map[string]registry.ComponentState) {
	ng := app.NodegroupAssignment
	current, err := s.adapter.Nodegroup.DescribeNodegroup(ctx, s.adapter.ClusterName, ng.Name)
	if err != nil {
		if cloudadapter.IsNotFound(err) {
			res.Trace.Warn(PhaseScaleNodegroup, fmt.Sprintf("nodegroup %s not found, skipping scale-up", ng.Name))
			return
		}
		res.addError(fmt.Errorf("%s: describing nodegroup %s: %w", PhaseScaleNodegroup, ng.Name, err))
		return
	}

	target := cloudadapter.ScalingConfig{Desired: ng.Desired, Min: ng.Min, Max: ng.Max}.Clamp()
	if current.Scaling == target {
		res.Trace.Record(PhaseScaleNodegroup, fmt.Sprintf("nodegroup %s already at target %+v", ng.Name, target))
		hints["nodegroup_state"] = registry.StateReady
		return
	}

	res.Trace.Record(PhaseScaleNodegroup, fmt.Sprintf("scaling nodegroup %s to %+v", ng.Name, target))
	if err := s.adapter.Nodegroup.UpdateNodegroupScaling(ctx, s.adapter.ClusterName, ng.Name, target); err != nil {
		res.addError(fmt.Errorf("%s: updating nodegroup %s: %w", PhaseScaleNodegroup, ng.Name, err))
		return
	}

	res.Trace.Record(PhaseWaitNodegroup, fmt.Sprintf("waiting for nodegroup %s to become active", ng.Name))
	if _, err := s.adapter.Nodegroup.WaitNodegroupActive(ctx, s.adapter.ClusterName, ng.Name, target.Desired); err != nil {
		res.addError(fmt.Errorf("%s: waiting for nodegroup %s: %w", PhaseWaitNodegroup, ng.Name, err))
		return
	}
	hints["nodegroup_state"] = registry.StateReady
}

func (s *Start) scaleWorkloadsUp(ctx context.Context, res *Result, app *registry.Application) {
	workloads, err := s.adapter.Workload.ListWorkloads(ctx, app.Namespace)
	if err != nil {
		res.addError(fmt.Errorf("%s: listing workloads in %s: %w", PhaseScaleWorkloads, app.Namespace, err))
		return
	}

	for _, w := range workloads {
		switch w.Kind {
		case cloudadapter.KindDeployment, cloudadapter.KindStatefulSet:
			s.scaleUpOne(ctx, res, app.Namespace, w)
		case cloudadapter.KindReplicaSet:
			if !w.Owned {
				s.scaleUpOne(ctx, res, app.Namespace, w)
			}
		case cloudadapter.KindDaemonSet:
			res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("restarting daemonset %s", w.Name))
			if err := s.adapter.Workload.ScaleWorkload(ctx, w.Kind, app.Namespace, w.Name, 0); err != nil {
				res.addError(fmt.Errorf("%s: restarting daemonset %s: %w", PhaseScaleWorkloads, w.Name, err))
			}
		}
	}
}

// scaleUpOne sets replicas = max(1, current); a start never scales a
// workload down. It then waits for the workload to report that many ready
// replicas before returning, whether or not this call actually issued a
// scale (a workload can already be at the right replica count but not yet
// ready, e.g. mid-healing).
func (s *Start) scaleUpOne(ctx context.Context, res *Result, namespace string, w cloudadapter.Workload) {
	target := w.Replicas
	if target < 1 {
		target = 1
	}

	if target == w.Replicas {
		res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("%s %s already at %d replicas", w.Kind, w.Name, w.Replicas))
	} else {
		res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("scaling %s %s from %d to %d replicas", w.Kind, w.Name, w.Replicas, target))
		if err := s.adapter.Workload.ScaleWorkload(ctx, w.Kind, namespace, w.Name, target); err != nil {
			res.addError(fmt.Errorf("%s: scaling %s %s: %w", PhaseScaleWorkloads, w.Kind, w.Name, err))
			return
		}
	}

	s.waitWorkloadReady(ctx, res, namespace, w.Kind, w.Name, target)
}

// waitWorkloadReady blocks until the workload reports target ready
// replicas or workloadReadyDeadline elapses. Since this is the last phase
// of a start run, a timeout here only warns and lets the run report
// success — the scale call itself already succeeded, and readiness will
// catch up on its own or surface through the next status read.
func (s *Start) waitWorkloadReady(ctx context.Context, res *Result, namespace string, kind cloudadapter.WorkloadKind, name string, target int32) {
	ready, err := s.adapter.Workload.WaitWorkloadReady(ctx, namespace, kind, name, target, workloadReadyDeadline)
	if err != nil {
		res.Trace.Warn(PhaseScaleWorkloads, fmt.Sprintf("waiting for %s %s readiness: %v", kind, name, err))
		return
	}
	if !ready {
		res.Trace.Warn(PhaseScaleWorkloads, fmt.Sprintf("%s %s did not reach %d ready replicas within %s", kind, name, target, workloadReadyDeadline))
		return
	}
	res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("%s %s ready", kind, name))
}
