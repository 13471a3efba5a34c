package resourceshare

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

type fakeFinder struct {
	apps []*registry.Application
	err  error
}

func (f *fakeFinder) FindByDBHost(ctx context.Context, kind, host, excludeName string) ([]*registry.Application, error) {
	return f.apps, f.err
}

func TestResolve_ExclusiveWhenNoCoTenants(t *testing.T) {
	finder := &fakeFinder{}
	r := NewResolver(finder, cloudadapter.NewProber(false))

	res, err := r.Resolve(context.Background(), "postgres", "db.internal", "app-a")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, res.Verdict)
}

func TestResolve_InUseWhenCoTenantResponds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b", Hostnames: []string{srv.Listener.Addr().String()}},
	}}
	r := NewResolver(finder, cloudadapter.NewProber(true))

	res, err := r.Resolve(context.Background(), "postgres", "db.internal", "app-a")
	require.NoError(t, err)
	assert.Equal(t, InUse, res.Verdict)
	assert.Equal(t, []string{"app-b"}, res.CoTenants)
}

func TestResolve_ClearWhenCoTenantRespondsNonMatching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b", Hostnames: []string{srv.Listener.Addr().String()}},
	}}
	r := NewResolver(finder, cloudadapter.NewProber(true))

	res, err := r.Resolve(context.Background(), "postgres", "db.internal", "app-a")
	require.NoError(t, err)
	assert.Equal(t, Clear, res.Verdict)
}

func TestResolve_FailsClosedOnUnreachableCoTenant(t *testing.T) {
	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b", Hostnames: []string{"127.0.0.1:1"}},
	}}
	r := NewResolver(finder, cloudadapter.NewProber(true))

	res, err := r.Resolve(context.Background(), "postgres", "db.internal", "app-a")
	require.NoError(t, err)
	assert.Equal(t, InUse, res.Verdict, "unreachable co-tenant must fail closed as in-use")
}

func TestResolve_FailsClosedWhenCoTenantHasNoHostnames(t *testing.T) {
	finder := &fakeFinder{apps: []*registry.Application{
		{Name: "app-b"},
	}}
	r := NewResolver(finder, cloudadapter.NewProber(true))

	res, err := r.Resolve(context.Background(), "postgres", "db.internal", "app-a")
	require.NoError(t, err)
	assert.Equal(t, InUse, res.Verdict)
}
