// Package resourceshare resolves whether a shared database endpoint is safe
// to stop: an application's Postgres or Neo4j host can be shut down only if
// no co-tenant application currently referencing the same host is up.
package resourceshare

import (
	"context"
	"fmt"
	"time"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

// probeTimeout bounds each co-tenant HEAD probe.
const probeTimeout = 5 * time.Second

// Verdict is the outcome of resolving a DB endpoint's sharing state.
type Verdict string

const (
	// Exclusive means no other application references this DB endpoint;
	// the caller owns it outright and may stop it freely.
	Exclusive Verdict = "exclusive"
	// InUse means at least one co-tenant is reachable over HTTP, so the
	// endpoint MUST NOT be stopped.
	InUse Verdict = "in_use"
	// Clear means co-tenants exist but none responded as up, so the
	// endpoint is safe to stop.
	Clear Verdict = "clear"
)

// Resolution is the full result of a resolve call, including which
// co-tenants were consulted (for logging/tracing).
type Resolution struct {
	Verdict   Verdict
	CoTenants []string
}

// registryFinder is the narrow slice of *registry.Store the resolver needs,
// mirroring the cloud adapter's pattern of depending on single-method
// interfaces rather than concrete clients so tests can substitute a fake.
type registryFinder interface {
	FindByDBHost(ctx context.Context, kind, host, excludeName string) ([]*registry.Application, error)
}

// Resolver decides whether a shared DB endpoint is safe to stop. It
// consults the registry store to find co-tenants of a DB endpoint, then
// probes each one's primary hostname to decide whether the endpoint is
// still in use.
type Resolver struct {
	store  registryFinder
	prober *cloudadapter.Prober
}

// NewResolver creates a Resolver over store and prober.
func NewResolver(store registryFinder, prober *cloudadapter.Prober) *Resolver {
	return &Resolver{store: store, prober: prober}
}

// Resolve answers whether host (of the given kind, "postgres" or "neo4j")
// may be stopped on behalf of appName:
//  1. Scan the registry for other applications referencing host.
//  2. If none, the endpoint is Exclusive.
//  3. Otherwise HEAD-probe each co-tenant's primary hostname with a 5s
//     timeout; the endpoint is InUse iff ANY co-tenant responds 200.
//
// Probe failures and timeouts are treated as the co-tenant being up
// (fail-closed): an ambiguous result must never allow a shared database
// to be stopped out from under a tenant that is still running.
func (r *Resolver) Resolve(ctx context.Context, kind, host, appName string) (Resolution, error) {
	coTenants, err := r.store.FindByDBHost(ctx, kind, host, appName)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolving shared %s host %q for %q: %w", kind, host, appName, err)
	}
	if len(coTenants) == 0 {
		return Resolution{Verdict: Exclusive}, nil
	}

	names := make([]string, 0, len(coTenants))
	for _, app := range coTenants {
		names = append(names, app.Name)
	}

	for _, app := range coTenants {
		hostname := app.PrimaryHostname()
		if hostname == "" {
			// No way to probe this co-tenant; fail closed and treat it
			// as in-use rather than silently ignoring it.
			return Resolution{Verdict: InUse, CoTenants: names}, nil
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		result := r.prober.HTTPProbe(probeCtx, hostname, probeTimeout, map[int]bool{200: true})
		cancel()

		// A matching 200 response, or a probe that never got a response at
		// all (Code stays 0 on dial/timeout failure), both count as the
		// co-tenant being up — only a definitive non-matching response code
		// clears this co-tenant.
		if result.Verdict == cloudadapter.HTTPUp || result.Code == 0 {
			return Resolution{Verdict: InUse, CoTenants: names}, nil
		}
	}

	return Resolution{Verdict: Clear, CoTenants: names}, nil
}
