package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

type fakeCompute struct {
	state cloudadapter.VMState
	err   error
	delay time.Duration
}

func (f *fakeCompute) FindVMByPrivateIP(ctx context.Context, ip string) (string, cloudadapter.VMState, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", "", f.err
	}
	return "i-fake", f.state, nil
}
func (f *fakeCompute) StartVM(ctx context.Context, id string) (cloudadapter.VMState, error) { return f.state, nil }
func (f *fakeCompute) StopVM(ctx context.Context, id string) error                          { return nil }
func (f *fakeCompute) DescribeVM(ctx context.Context, id string) (cloudadapter.VMState, error) {
	return f.state, nil
}

type fakeNodegroup struct {
	status cloudadapter.NodegroupStatus
	err    error
	delay  time.Duration
}

func (f *fakeNodegroup) DescribeNodegroup(ctx context.Context, cluster, name string) (cloudadapter.NodegroupStatus, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.status, f.err
}
func (f *fakeNodegroup) UpdateNodegroupScaling(ctx context.Context, cluster, name string, target cloudadapter.ScalingConfig) error {
	return nil
}
func (f *fakeNodegroup) WaitNodegroupActive(ctx context.Context, cluster, name string, targetDesired int) (cloudadapter.NodegroupStatus, error) {
	return f.status, f.err
}

type fakeWorkload struct {
	pods  []cloudadapter.Pod
	err   error
	delay time.Duration
}

func (f *fakeWorkload) ListWorkloads(ctx context.Context, namespace string) ([]cloudadapter.Workload, error) {
	return nil, nil
}
func (f *fakeWorkload) ScaleWorkload(ctx context.Context, kind cloudadapter.WorkloadKind, namespace, name string, replicas int32) error {
	return nil
}
func (f *fakeWorkload) ListPods(ctx context.Context, namespace string) ([]cloudadapter.Pod, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.pods, f.err
}
func (f *fakeWorkload) WaitPodsTerminated(ctx context.Context, namespace string, deadline time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeWorkload) WaitWorkloadReady(ctx context.Context, namespace string, kind cloudadapter.WorkloadKind, name string, target int32, deadline time.Duration) (bool, error) {
	return true, nil
}

func strPtr(s string) *string { return &s }

func TestAggregate_HTTPUpIsAuthoritative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := &cloudadapter.Adapter{
		Compute:   &fakeCompute{state: cloudadapter.VMStopped},
		Nodegroup: &fakeNodegroup{status: cloudadapter.NodegroupStatus{Status: "ACTIVE"}},
		Workload:  &fakeWorkload{},
		Prober:    cloudadapter.NewProber(true),
	}

	agg := NewAggregator(adapter, nil)
	app := &registry.Application{
		Name:      "app-a",
		Namespace: "app-a-ns",
		Hostnames: []string{srv.Listener.Addr().String()},
	}

	s := agg.Aggregate(context.Background(), app, nil)
	assert.True(t, s.IsUp())
	assert.Equal(t, cloudadapter.HTTPUp, s.HTTPVerdict)
	assert.Equal(t, registry.StateStopped, s.Postgres.State)
	assert.False(t, s.Postgres.Configured)
}

func TestAggregate_DBStateFollowsVMStateNotTCP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := &cloudadapter.Adapter{
		Compute:   &fakeCompute{state: cloudadapter.VMRunning},
		Nodegroup: &fakeNodegroup{status: cloudadapter.NodegroupStatus{Status: "ACTIVE", Scaling: cloudadapter.ScalingConfig{Desired: 2}}},
		Workload:  &fakeWorkload{},
		Prober:    cloudadapter.NewProber(true),
	}

	agg := NewAggregator(adapter, nil)
	app := &registry.Application{
		Name:         "app-b",
		Namespace:    "app-b-ns",
		Hostnames:    []string{srv.Listener.Addr().String()},
		PostgresHost: strPtr("10.0.0.5"),
		NodegroupAssignment: &registry.NodegroupAssignment{
			Name: "ng-b", Desired: 2, Min: 0, Max: 4,
		},
	}

	s := agg.Aggregate(context.Background(), app, nil)
	assert.False(t, s.IsUp(), "503 response must not be accepted as up")
	assert.True(t, s.Postgres.Configured)
	assert.Equal(t, registry.StateRunning, s.Postgres.State)
	assert.Equal(t, registry.StateReady, s.Nodegroup.State)
}

func TestAggregate_PodProbeFailureDegradesSafely(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := &cloudadapter.Adapter{
		Compute:   &fakeCompute{state: cloudadapter.VMStopped},
		Nodegroup: &fakeNodegroup{status: cloudadapter.NodegroupStatus{}},
		Workload:  &fakeWorkload{err: assertErr{}},
		Prober:    cloudadapter.NewProber(true),
	}

	agg := NewAggregator(adapter, nil)
	app := &registry.Application{Name: "app-c", Namespace: "ns", Hostnames: []string{srv.Listener.Addr().String()}}

	s := agg.Aggregate(context.Background(), app, nil)
	require.True(t, s.IsUp())
	assert.NotEmpty(t, s.Pods.Error)
	assert.Equal(t, 0, s.Pods.Running)
}

type assertErr struct{}

func (assertErr) Error() string { return "pod list failed" }

func TestAggregate_PodClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pods := []cloudadapter.Pod{
		{Name: "ok-1", Phase: "Running"},
		{Name: "crash-1", ContainerStatuses: []cloudadapter.ContainerStatus{{WaitingReason: "CrashLoopBackOff"}}},
		{Name: "pending-1", Phase: "Pending"},
	}

	adapter := &cloudadapter.Adapter{
		Compute:   &fakeCompute{state: cloudadapter.VMStopped},
		Nodegroup: &fakeNodegroup{},
		Workload:  &fakeWorkload{pods: pods},
		Prober:    cloudadapter.NewProber(true),
	}

	agg := NewAggregator(adapter, nil)
	app := &registry.Application{Name: "app-d", Namespace: "ns", Hostnames: []string{srv.Listener.Addr().String()}}

	s := agg.Aggregate(context.Background(), app, nil)
	assert.Equal(t, 1, s.Pods.Running)
	assert.Equal(t, 1, s.Pods.Pending)
	assert.Equal(t, 1, s.Pods.CrashLoop)
	assert.Len(t, s.Pods.Details, 3)
}

// TestAggregate_ProbesRunInParallel asserts the five probe families fan out
// concurrently rather than running one after another: each fake here sleeps
// for probeDelay on every call, and postgres/neo4j share one fakeCompute so
// a sequential implementation would pay probeDelay five times over (the DB
// probe fires twice). A genuinely parallel errgroup fan-out bounds wall
// time to roughly one probeDelay plus scheduling slack.
func TestAggregate_ProbesRunInParallel(t *testing.T) {
	const probeDelay = 150 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(probeDelay)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := &cloudadapter.Adapter{
		Compute:   &fakeCompute{state: cloudadapter.VMRunning, delay: probeDelay},
		Nodegroup: &fakeNodegroup{status: cloudadapter.NodegroupStatus{Status: "ACTIVE"}, delay: probeDelay},
		Workload:  &fakeWorkload{delay: probeDelay},
		Prober:    cloudadapter.NewProber(true),
	}

	agg := NewAggregator(adapter, nil)
	app := &registry.Application{
		Name:         "app-e",
		Namespace:    "app-e-ns",
		Hostnames:    []string{srv.Listener.Addr().String()},
		PostgresHost: strPtr("10.0.0.5"),
		Neo4jHost:    strPtr("10.0.0.6"),
		NodegroupAssignment: &registry.NodegroupAssignment{
			Name: "ng-1", Desired: 2, Min: 0, Max: 4,
		},
	}

	start := time.Now()
	s := agg.Aggregate(context.Background(), app, nil)
	elapsed := time.Since(start)

	require.True(t, s.IsUp())
	assert.Less(t, elapsed, 3*probeDelay, "aggregation should not serialize the five probe families")
}
