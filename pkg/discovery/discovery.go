// Package discovery defines the external-collaborator boundary that
// populates the application registry. The controller core never scans
// ingress records itself; it only consumes whatever a Scanner writes
// through the registry store.
package discovery

import (
	"context"

	"github.com/opsfleet/fleetctl/pkg/registry"
)

// Scanner discovers application records from an external source (e.g.
// cluster ingress/route objects) and returns them for upsert into the
// registry. Implementations are out of scope for this module; only the
// boundary and one reference stub are provided.
type Scanner interface {
	Scan(ctx context.Context) ([]*registry.Application, error)
}

// StaticScanner is a reference Scanner backed by a fixed, in-memory list.
// It exists so the registry's write path has a real caller to exercise in
// tests and local development without standing up an ingress watcher.
type StaticScanner struct {
	apps []*registry.Application
}

// NewStaticScanner creates a StaticScanner over a fixed application list.
func NewStaticScanner(apps []*registry.Application) *StaticScanner {
	return &StaticScanner{apps: apps}
}

// Scan returns the configured application list unchanged.
func (s *StaticScanner) Scan(ctx context.Context) ([]*registry.Application, error) {
	return s.apps, nil
}

// Sync upserts every application the Scanner returns into store, the
// one piece of glue code a real discovery implementation would also need.
func Sync(ctx context.Context, scanner Scanner, store *registry.Store) (int, error) {
	apps, err := scanner.Scan(ctx)
	if err != nil {
		return 0, err
	}
	for _, app := range apps {
		if err := store.PutApplication(ctx, app); err != nil {
			return 0, err
		}
	}
	return len(apps), nil
}
