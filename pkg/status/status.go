// Package status implements the status aggregator: it fans out to the
// cloud adapter and pod lister in parallel and assembles a composite
// status document for one application.
package status

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
	"github.com/opsfleet/fleetctl/pkg/resourceshare"
)

const (
	dbProbeDeadline   = 30 * time.Second
	httpProbeDeadline = 10 * time.Second
	podsProbeDeadline = 30 * time.Second
)

// DBStatus reports one database endpoint's derived state.
type DBStatus struct {
	Configured bool
	State      registry.ComponentState
	SharedWith resourceshare.Verdict
	CoTenants  []string
	Error      string
}

// NodegroupStatus reports the managed-capacity state for an application.
type NodegroupStatus struct {
	Configured bool
	State      registry.ComponentState
	Desired    int
	Error      string
}

// PodDetail is one pod's classification, surfaced for diagnostics.
type PodDetail struct {
	Name  string
	Class cloudadapter.PodClass
}

// PodTally summarizes pod health across the application's namespace.
type PodTally struct {
	Running   int
	Pending   int
	CrashLoop int
	Details   []PodDetail
	Error     string
}

// Status is the composite document returned for one application.
type Status struct {
	AppName string

	// HTTPVerdict is authoritative: the reported status is UP iff this is
	// UP, regardless of every other component's state.
	HTTPVerdict   cloudadapter.HTTPVerdict
	HTTPCode      int
	HTTPLatencyMS int64

	Postgres  DBStatus
	Neo4j     DBStatus
	Nodegroup NodegroupStatus
	Pods      PodTally
}

// IsUp reports the authoritative up/down verdict.
func (s Status) IsUp() bool { return s.HTTPVerdict == cloudadapter.HTTPUp }

// AcceptanceSet is the set of HTTP status codes counted as UP. Defaults to
// {200}; callers may widen it (e.g. {200, 405}) since the acceptance set
// is configurable.
type AcceptanceSet map[int]bool

// DefaultAcceptanceSet is {200}.
func DefaultAcceptanceSet() AcceptanceSet { return AcceptanceSet{200: true} }

// Aggregator assembles Status documents from the cloud adapter and the
// resource-share resolver.
type Aggregator struct {
	adapter  *cloudadapter.Adapter
	resolver *resourceshare.Resolver
}

// NewAggregator creates an Aggregator.
func NewAggregator(adapter *cloudadapter.Adapter, resolver *resourceshare.Resolver) *Aggregator {
	return &Aggregator{adapter: adapter, resolver: resolver}
}

// Aggregate fans out the five probe families (postgres, neo4j, HTTP,
// nodegroup, pods) in parallel, each bounded by
// its own deadline, and assembles the composite document. No individual
// probe failure fails the call as a whole: failures degrade to a safe
// default and an error string on the affected section.
func (a *Aggregator) Aggregate(ctx context.Context, app *registry.Application, acceptance AcceptanceSet) Status {
	status := Status{AppName: app.Name}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		status.Postgres = a.dbStatus(gctx, "postgres", app.PostgresHost, app.Name)
		return nil
	})
	g.Go(func() error {
		status.Neo4j = a.dbStatus(gctx, "neo4j", app.Neo4jHost, app.Name)
		return nil
	})
	g.Go(func() error {
		status.HTTPVerdict, status.HTTPCode, status.HTTPLatencyMS = a.httpStatus(gctx, app, acceptance)
		return nil
	})
	g.Go(func() error {
		status.Nodegroup = a.nodegroupStatus(gctx, app)
		return nil
	})
	g.Go(func() error {
		status.Pods = a.podStatus(gctx, app)
		return nil
	})

	// Every goroutine above always returns nil: each handles its own
	// failures internally by degrading to a safe default, per the
	// "MUST NOT fail the overall aggregation" rule. Wait only blocks until
	// every probe has finished (or its own deadline fires).
	_ = g.Wait()

	return status
}

func (a *Aggregator) dbStatus(ctx context.Context, kind string, host *string, appName string) DBStatus {
	if host == nil || *host == "" {
		return DBStatus{Configured: false, State: registry.StateStopped}
	}

	dctx, cancel := context.WithTimeout(ctx, dbProbeDeadline)
	defer cancel()

	_, vmState, err := a.adapter.Compute.FindVMByPrivateIP(dctx, *host)
	if err != nil {
		return DBStatus{Configured: true, State: registry.StateStopped, Error: err.Error()}
	}

	state := registry.StateStopped
	if vmState == cloudadapter.VMRunning {
		state = registry.StateRunning
	}

	db := DBStatus{Configured: true, State: state}

	if a.resolver != nil {
		res, err := a.resolver.Resolve(dctx, kind, *host, appName)
		if err != nil {
			db.Error = err.Error()
		} else {
			db.SharedWith = res.Verdict
			db.CoTenants = res.CoTenants
		}
	}
	return db
}

func (a *Aggregator) httpStatus(ctx context.Context, app *registry.Application, acceptance AcceptanceSet) (cloudadapter.HTTPVerdict, int, int64) {
	hctx, cancel := context.WithTimeout(ctx, httpProbeDeadline)
	defer cancel()

	hostname := app.PrimaryHostname()
	if hostname == "" {
		return cloudadapter.HTTPDown, 0, 0
	}

	if len(acceptance) == 0 {
		acceptance = DefaultAcceptanceSet()
	}

	result := a.adapter.Prober.HTTPProbe(hctx, hostname, httpProbeDeadline, acceptance)
	return result.Verdict, result.Code, result.LatencyMS
}

func (a *Aggregator) nodegroupStatus(ctx context.Context, app *registry.Application) NodegroupStatus {
	if app.NodegroupAssignment == nil {
		return NodegroupStatus{Configured: false, State: registry.StateUnknown}
	}

	nctx, cancel := context.WithTimeout(ctx, dbProbeDeadline)
	defer cancel()

	ngStatus, err := a.adapter.Nodegroup.DescribeNodegroup(nctx, a.adapter.ClusterName, app.NodegroupAssignment.Name)
	if err != nil {
		return NodegroupStatus{Configured: true, State: registry.StateUnknown, Error: err.Error()}
	}

	state := registry.StateUnknown
	switch {
	case ngStatus.Status == "ACTIVE" && ngStatus.Scaling.Desired > 0:
		state = registry.StateReady
	case ngStatus.Scaling.Desired == 0:
		state = registry.StateStopped
	}

	return NodegroupStatus{Configured: true, State: state, Desired: ngStatus.Scaling.Desired}
}

func (a *Aggregator) podStatus(ctx context.Context, app *registry.Application) PodTally {
	pctx, cancel := context.WithTimeout(ctx, podsProbeDeadline)
	defer cancel()

	pods, err := a.adapter.Workload.ListPods(pctx, app.Namespace)
	if err != nil {
		return PodTally{Error: err.Error()}
	}

	tally := PodTally{}
	for _, p := range pods {
		class := cloudadapter.ClassifyPod(p)
		tally.Details = append(tally.Details, PodDetail{Name: p.Name, Class: class})
		switch class {
		case cloudadapter.PodRunning:
			tally.Running++
		case cloudadapter.PodPending:
			tally.Pending++
		case cloudadapter.PodCrashLoop:
			tally.CrashLoop++
		}
	}
	return tally
}
