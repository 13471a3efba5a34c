package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
	"github.com/opsfleet/fleetctl/pkg/resourceshare"
)

type fakeFinder struct {
	apps []*registry.Application
}

func (f *fakeFinder) FindByDBHost(ctx context.Context, kind, host, excludeName string) ([]*registry.Application, error) {
	return f.apps, nil
}

// TestStop_SharedDBNotStoppedWhileCoTenantUp covers an app A sharing a DB
// host with app B; while B's HTTP probe reports up, A's stop must neither
// call StopVM for that host nor drop the safety warning.
func TestStop_SharedDBNotStoppedWhileCoTenantUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	compute := &fakeCompute{state: map[string]cloudadapter.VMState{"10.0.0.1": cloudadapter.VMRunning}}
	workload := &fakeWorkload{terminated: true}
	adapter := &cloudadapter.Adapter{Compute: compute, Nodegroup: &fakeNodegroup{}, Workload: workload, ClusterName: "test", Prober: cloudadapter.NewProber(true)}

	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b", Hostnames: []string{srv.Listener.Addr().String()}},
	}}
	resolver := resourceshare.NewResolver(finder, adapter.Prober)

	app := &registry.Application{Name: "app-a", Namespace: "ns", Hostnames: []string{"app-a.example.com"}, PostgresHost: strPtr("10.0.0.1")}

	stop := NewStop(adapter, nil, resolver)
	res := stop.Run(context.Background(), app)

	require.True(t, res.Success)
	assert.Equal(t, 0, compute.stopCalls, "shared DB in use by a live co-tenant must not be stopped")
	assert.Contains(t, res.Warnings[0], "app-b")
}

// TestStop_SharedDBStoppedWhenCoTenantDown covers the case where the
// co-tenant is down, so the shared DB may be stopped.
func TestStop_SharedDBStoppedWhenCoTenantDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	compute := &fakeCompute{state: map[string]cloudadapter.VMState{"10.0.0.1": cloudadapter.VMRunning}}
	workload := &fakeWorkload{terminated: true}
	adapter := &cloudadapter.Adapter{Compute: compute, Nodegroup: &fakeNodegroup{}, Workload: workload, ClusterName: "test", Prober: cloudadapter.NewProber(true)}

	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b", Hostnames: []string{srv.Listener.Addr().String()}},
	}}
	resolver := resourceshare.NewResolver(finder, adapter.Prober)

	app := &registry.Application{Name: "app-a", Namespace: "ns", Hostnames: []string{"app-a.example.com"}, PostgresHost: strPtr("10.0.0.1")}

	stop := NewStop(adapter, nil, resolver)
	res := stop.Run(context.Background(), app)

	require.True(t, res.Success)
	assert.Equal(t, 1, compute.stopCalls)
	assert.Empty(t, res.Warnings)
}
