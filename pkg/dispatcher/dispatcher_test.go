package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

type fakeCompute struct{ state cloudadapter.VMState }

func (f *fakeCompute) FindVMByPrivateIP(ctx context.Context, ip string) (string, cloudadapter.VMState, error) {
	return ip, f.state, nil
}
func (f *fakeCompute) StartVM(ctx context.Context, id string) (cloudadapter.VMState, error) {
	return cloudadapter.VMRunning, nil
}
func (f *fakeCompute) StopVM(ctx context.Context, id string) error { return nil }
func (f *fakeCompute) DescribeVM(ctx context.Context, id string) (cloudadapter.VMState, error) {
	return f.state, nil
}

type fakeNodegroup struct{ status cloudadapter.NodegroupStatus }

func (f *fakeNodegroup) DescribeNodegroup(ctx context.Context, cluster, name string) (cloudadapter.NodegroupStatus, error) {
	return f.status, nil
}
func (f *fakeNodegroup) UpdateNodegroupScaling(ctx context.Context, cluster, name string, target cloudadapter.ScalingConfig) error {
	return nil
}
func (f *fakeNodegroup) WaitNodegroupActive(ctx context.Context, cluster, name string, targetDesired int) (cloudadapter.NodegroupStatus, error) {
	return f.status, nil
}

type fakeWorkload struct{ workloads []cloudadapter.Workload }

func (f *fakeWorkload) ListWorkloads(ctx context.Context, namespace string) ([]cloudadapter.Workload, error) {
	return f.workloads, nil
}
func (f *fakeWorkload) ScaleWorkload(ctx context.Context, kind cloudadapter.WorkloadKind, namespace, name string, replicas int32) error {
	return nil
}
func (f *fakeWorkload) ListPods(ctx context.Context, namespace string) ([]cloudadapter.Pod, error) {
	return nil, nil
}
func (f *fakeWorkload) WaitPodsTerminated(ctx context.Context, namespace string, deadline time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeWorkload) WaitWorkloadReady(ctx context.Context, namespace string, kind cloudadapter.WorkloadKind, name string, target int32, deadline time.Duration) (bool, error) {
	return true, nil
}

func TestPreview_EnumeratesPlannedActions(t *testing.T) {
	host := "10.0.0.1"
	adapter := &cloudadapter.Adapter{
		Compute:     &fakeCompute{state: cloudadapter.VMStopped},
		Nodegroup:   &fakeNodegroup{status: cloudadapter.NodegroupStatus{Status: "ACTIVE", Scaling: cloudadapter.ScalingConfig{Desired: 0, Min: 0, Max: 4}}},
		Workload:    &fakeWorkload{workloads: []cloudadapter.Workload{{Kind: cloudadapter.KindDeployment, Name: "app-a", Replicas: 0}}},
		ClusterName: "test",
	}

	app := &registry.Application{
		Name:                "app-a",
		Namespace:           "ns",
		PostgresHost:        &host,
		NodegroupAssignment: &registry.NodegroupAssignment{Name: "ng-a", Desired: 2, Min: 1, Max: 4},
	}
	actions, err := Preview(context.Background(), adapter, app)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, a := range actions {
		kinds[a.Kind] = a.Count
	}
	assert.Equal(t, 1, kinds["start_vm:postgres"])
	assert.Equal(t, 1, kinds["scale_nodegroup"])
	assert.Equal(t, 1, kinds["scale_workload_up"])
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	d := New(nil, nil, nil, nil, slog.Default(), 1)
	for i := 0; i < queueDepth; i++ {
		require.NoError(t, d.Enqueue(Task{AppName: "x", Action: ActionStart}))
	}
	err := d.Enqueue(Task{AppName: "overflow", Action: ActionStart})
	assert.Error(t, err)
}
