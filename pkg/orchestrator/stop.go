package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
	"github.com/opsfleet/fleetctl/pkg/resourceshare"
)

// drainDeadline bounds how long Stop waits for pods to terminate before
// proceeding anyway.
const drainDeadline = 300 * time.Second

// Stop drives an application's workloads, nodegroup capacity, and databases
// from their current state toward fully stopped, refusing to stop any
// database VM still shared with a live co-tenant.
type Stop struct {
	adapter  *cloudadapter.Adapter
	store    *registry.Store
	resolver *resourceshare.Resolver
}

// NewStop creates a Stop orchestrator.
func NewStop(adapter *cloudadapter.Adapter, store *registry.Store, resolver *resourceshare.Resolver) *Stop {
	return &Stop{adapter: adapter, store: store, resolver: resolver}
}

// Run drives one application toward fully stopped, refusing to stop any
// shared DB still in use by a co-tenant.
func (s *Stop) Run(ctx context.Context, app *registry.Application) *Result {
	res := newResult()
	hints := map[string]registry.ComponentState{}

	// Scale workloads down to zero.
	s.scaleWorkloadsDown(ctx, res, app)

	// Wait for pods to drain.
	s.drain(ctx, res, app)

	// Scale the nodegroup down to zero.
	if app.NodegroupAssignment != nil {
		s.scaleNodegroupDown(ctx, res, app, hints)
	}

	// Stop DB VMs, honoring the shared-DB safety interlock.
	if state, ok := s.stopDB(ctx, res, "postgres", app.PostgresHost, app.Name); ok {
		hints["postgres_state"] = state
	}
	if state, ok := s.stopDB(ctx, res, "neo4j", app.Neo4jHost, app.Name); ok {
		hints["neo4j_state"] = state
	}

	if s.store != nil && len(hints) > 0 {
		if err := s.store.UpdateHints(ctx, app.Name, hints); err != nil {
			res.addError(fmt.Errorf("persisting stop hints: %w", err))
		}
	}

	return res.finish()
}

func (s *Stop) scaleWorkloadsDown(ctx context.Context, res *Result, app *registry.Application) {
	workloads, err := s.adapter.Workload.ListWorkloads(ctx, app.Namespace)
	if err != nil {
		res.addError(fmt.Errorf("%s: listing workloads in %s: %w", PhaseScaleWorkloads, app.Namespace, err))
		return
	}

	for _, w := range workloads {
		switch w.Kind {
		case cloudadapter.KindDeployment, cloudadapter.KindStatefulSet:
			s.scaleDownOne(ctx, res, app.Namespace, w)
		case cloudadapter.KindReplicaSet:
			if !w.Owned {
				s.scaleDownOne(ctx, res, app.Namespace, w)
			}
		}
	}
}

func (s *Stop) scaleDownOne(ctx context.Context, res *Result, namespace string, w cloudadapter.Workload) {
	if w.Replicas == 0 {
		res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("%s %s already at 0 replicas", w.Kind, w.Name))
		return
	}
	res.Trace.Record(PhaseScaleWorkloads, fmt.Sprintf("scaling %s %s to 0 replicas", w.Kind, w.Name))
	if err := s.adapter.Workload.ScaleWorkload(ctx, w.Kind, namespace, w.Name, 0); err != nil {
		res.addError(fmt.Errorf("%s: scaling %s %s to 0: %w", PhaseScaleWorkloads, w.Kind, w.Name, err))
	}
}

func (s *Stop) drain(ctx context.Context, res *Result, app *registry.Application) {
	res.Trace.Record(PhaseDrain, fmt.Sprintf("waiting up to %s for pods to terminate", drainDeadline))
	dctx, cancel := context.WithTimeout(ctx, drainDeadline)
	defer cancel()

	drained, err := s.adapter.Workload.WaitPodsTerminated(dctx, app.Namespace, drainDeadline)
	if err != nil {
		res.addError(fmt.Errorf("%s: waiting for pods to drain: %w", PhaseDrain, err))
		return
	}
	if !drained {
		res.Trace.Warn(PhaseDrain, fmt.Sprintf("pods in %s did not drain within %s, proceeding", app.Namespace, drainDeadline))
	}
}

func (s *Stop) scaleNodegroupDown(ctx context.Context, res *Result, app *registry.Application, hints map[string]registry.ComponentState) {
	ng := app.NodegroupAssignment
	target := cloudadapter.ScalingConfig{Desired: 0, Min: 0, Max: ng.Max}

	current, err := s.adapter.Nodegroup.DescribeNodegroup(ctx, s.adapter.ClusterName, ng.Name)
	if err != nil {
		if cloudadapter.IsNotFound(err) {
			res.Trace.Warn(PhaseStopNodegroup, fmt.Sprintf("nodegroup %s not found, skipping", ng.Name))
			return
		}
		res.addError(fmt.Errorf("%s: describing nodegroup %s: %w", PhaseStopNodegroup, ng.Name, err))
		return
	}
	if current.Scaling == target {
		res.Trace.Record(PhaseStopNodegroup, fmt.Sprintf("nodegroup %s already at zero", ng.Name))
		hints["nodegroup_state"] = registry.StateStopped
		return
	}

	res.Trace.Record(PhaseStopNodegroup, fmt.Sprintf("scaling nodegroup %s to zero", ng.Name))
	if err := s.adapter.Nodegroup.UpdateNodegroupScaling(ctx, s.adapter.ClusterName, ng.Name, target); err != nil {
		if cloudadapter.IsNotFound(err) {
			res.Trace.Warn(PhaseStopNodegroup, fmt.Sprintf("nodegroup %s not found, skipping", ng.Name))
			return
		}
		res.addError(fmt.Errorf("%s: scaling nodegroup %s to zero: %w", PhaseStopNodegroup, ng.Name, err))
		return
	}
	hints["nodegroup_state"] = registry.StateStopped
}

// stopDB applies the shared-DB safety interlock: a dedicated DB is stopped
// unconditionally; a shared DB is stopped only if the Resource-Share
// Resolver reports it is not in use. Resolver errors are treated as
// in-use (conservative fail-closed).
func (s *Stop) stopDB(ctx context.Context, res *Result, kind string, host *string, appName string) (registry.ComponentState, bool) {
	if host == nil || *host == "" {
		return "", false
	}

	id, vmState, err := s.adapter.Compute.FindVMByPrivateIP(ctx, *host)
	if err != nil {
		res.addError(fmt.Errorf("%s: resolving vm for %s: %w", PhaseStopDBs, kind, err))
		return registry.StateUnknown, true
	}
	if vmState != cloudadapter.VMRunning {
		res.Trace.Record(PhaseStopDBs, fmt.Sprintf("%s vm %s already stopped", kind, id))
		return registry.StateStopped, true
	}

	if s.resolver != nil {
		resolution, err := s.resolver.Resolve(ctx, kind, *host, appName)
		if err != nil {
			res.Trace.Warn(PhaseStopDBs, fmt.Sprintf("%s host %s: resolver error, treating as in-use: %v", kind, *host, err))
			return registry.StateRunning, true
		}
		if resolution.Verdict == resourceshare.InUse {
			res.Trace.Warn(PhaseStopDBs, fmt.Sprintf("%s %s is shared with %v, not stopping", kind, *host, resolution.CoTenants))
			return registry.StateRunning, true
		}
	}

	res.Trace.Record(PhaseStopDBs, fmt.Sprintf("stopping %s vm %s", kind, id))
	if err := s.adapter.Compute.StopVM(ctx, id); err != nil {
		res.addError(fmt.Errorf("%s: stopping vm for %s: %w", PhaseStopDBs, kind, err))
		return registry.StateUnknown, true
	}
	return registry.StateStopped, true
}
