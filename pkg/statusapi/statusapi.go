// Package statusapi mounts the fleet's request surface: composite status
// reads, the cheap up/down probes the scheduler and dashboards poll, and
// the start/stop entry points that hand off to the dispatcher.
package statusapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/opsfleet/fleetctl/internal/httpserver"
	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/dispatcher"
	"github.com/opsfleet/fleetctl/pkg/oplog"
	"github.com/opsfleet/fleetctl/pkg/registry"
	"github.com/opsfleet/fleetctl/pkg/status"
)

const (
	statusHTTPTimeout  = 5 * time.Second
	statusQuickTimeout = 3 * time.Second

	// perAppAggregateTimeout bounds how long /apps waits on any single
	// application's composite status before giving up on it.
	perAppAggregateTimeout = 60 * time.Second

	// defaultAggregatorConcurrency is used if Handler is constructed with a
	// non-positive concurrency bound.
	defaultAggregatorConcurrency = 10
)

// store is the narrow registry surface the handlers need.
type store interface {
	GetApplication(ctx context.Context, name string) (*registry.Application, error)
	ListApplications(ctx context.Context) ([]*registry.Application, error)
}

// enqueuer is the narrow dispatcher surface the handlers need.
type enqueuer interface {
	Enqueue(task dispatcher.Task) error
}

// Handler wires the registry, aggregator, prober, and dispatcher into the
// request surface.
type Handler struct {
	store       store
	aggregator  *status.Aggregator
	adapter     *cloudadapter.Adapter
	dispatcher  enqueuer
	acceptance  status.AcceptanceSet
	logger      *slog.Logger
	concurrency int
}

// New creates a statusapi Handler. concurrency bounds how many
// applications handleListApps aggregates in parallel; a non-positive value
// falls back to defaultAggregatorConcurrency.
func New(store store, aggregator *status.Aggregator, adapter *cloudadapter.Adapter, dispatcher enqueuer, acceptance status.AcceptanceSet, logger *slog.Logger, concurrency int) *Handler {
	if concurrency <= 0 {
		concurrency = defaultAggregatorConcurrency
	}
	return &Handler{
		store:       store,
		aggregator:  aggregator,
		adapter:     adapter,
		dispatcher:  dispatcher,
		acceptance:  acceptance,
		logger:      logger,
		concurrency: concurrency,
	}
}

// MountReadRoutes registers the GET endpoints (no operator key required)
// on r. /start and /stop are registered by MountWriteRoutes, which the
// caller mounts behind RequireAPIKey.
func (h *Handler) MountReadRoutes(r chi.Router) {
	r.Get("/apps", h.handleListApps)
	r.Get("/apps/{name}", h.handleGetApp)
	r.Get("/status/{name}", h.handleStatus)
	r.Get("/status/quick", h.handleStatusQuick)
}

// MountWriteRoutes mounts /start and /stop.
func (h *Handler) MountWriteRoutes(r chi.Router) {
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
}

type compositeStatus struct {
	AppName       string  `json:"app_name"`
	HTTPStatus    string  `json:"http_status"`
	HTTPCode      int     `json:"http_code"`
	HTTPLatencyMS int64   `json:"http_latency_ms"`
	Postgres      dbView  `json:"postgres"`
	Neo4j         dbView  `json:"neo4j"`
	Nodegroup     ngView  `json:"nodegroup"`
	Pods          podView `json:"pods"`
}

type dbView struct {
	Configured bool   `json:"configured"`
	State      string `json:"state"`
	SharedWith string `json:"shared_with,omitempty"`
	CoTenants  []string `json:"co_tenants,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ngView struct {
	Configured bool   `json:"configured"`
	State      string `json:"state"`
	Desired    int    `json:"desired"`
	Error      string `json:"error,omitempty"`
}

type podView struct {
	Running   int              `json:"running"`
	Pending   int              `json:"pending"`
	CrashLoop int              `json:"crash_loop"`
	Details   []podDetailView  `json:"details,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type podDetailView struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

func toComposite(s status.Status) compositeStatus {
	var details []podDetailView
	for _, d := range s.Pods.Details {
		details = append(details, podDetailView{Name: d.Name, Class: string(d.Class)})
	}
	return compositeStatus{
		AppName:       s.AppName,
		HTTPStatus:    string(s.HTTPVerdict),
		HTTPCode:      s.HTTPCode,
		HTTPLatencyMS: s.HTTPLatencyMS,
		Postgres: dbView{
			Configured: s.Postgres.Configured,
			State:      string(s.Postgres.State),
			SharedWith: string(s.Postgres.SharedWith),
			CoTenants:  s.Postgres.CoTenants,
			Error:      s.Postgres.Error,
		},
		Neo4j: dbView{
			Configured: s.Neo4j.Configured,
			State:      string(s.Neo4j.State),
			SharedWith: string(s.Neo4j.SharedWith),
			CoTenants:  s.Neo4j.CoTenants,
			Error:      s.Neo4j.Error,
		},
		Nodegroup: ngView{
			Configured: s.Nodegroup.Configured,
			State:      string(s.Nodegroup.State),
			Desired:    s.Nodegroup.Desired,
			Error:      s.Nodegroup.Error,
		},
		Pods: podView{
			Running:   s.Pods.Running,
			Pending:   s.Pods.Pending,
			CrashLoop: s.Pods.CrashLoop,
			Details:   details,
			Error:     s.Pods.Error,
		},
	}
}

// handleListApps serves GET /apps: the composite status of every
// registered application, aggregated with up to h.concurrency requests in
// flight at once, each bounded by perAppAggregateTimeout.
func (h *Handler) handleListApps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	apps, err := h.store.ListApplications(ctx)
	if err != nil {
		h.logger.Error("listing applications", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "listing applications")
		return
	}

	out := make([]compositeStatus, len(apps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i, app := range apps {
		i, app := i, app
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, perAppAggregateTimeout)
			defer cancel()

			s := h.aggregator.Aggregate(actx, app, h.acceptance)
			out[i] = toComposite(s)
			return nil
		})
	}
	_ = g.Wait()

	httpserver.Respond(w, http.StatusOK, map[string]any{"apps": out, "count": len(out)})
}

// handleGetApp serves GET /apps/{name}: composite status for one app, or
// 404 if it is not registered.
func (h *Handler) handleGetApp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	app, err := h.store.GetApplication(ctx, name)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such application: "+name)
		return
	}

	s := h.aggregator.Aggregate(ctx, app, h.acceptance)
	httpserver.Respond(w, http.StatusOK, toComposite(s))
}

type statusResponse struct {
	AppName string `json:"app_name"`
	Status  string `json:"status"`
}

// handleStatus serves GET /status/{name}: an HTTP-only up/down read with a
// 5s budget, distinct from the full composite status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	app, err := h.store.GetApplication(ctx, name)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such application: "+name)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, statusHTTPTimeout)
	defer cancel()

	result := h.adapter.Prober.HTTPProbe(pctx, app.PrimaryHostname(), statusHTTPTimeout, h.acceptance)
	verdict := "DOWN"
	if result.Verdict == cloudadapter.HTTPUp {
		verdict = "UP"
	}

	httpserver.Respond(w, http.StatusOK, statusResponse{AppName: name, Status: verdict})
}

type quickStatusResponse struct {
	App       string `json:"app"`
	Status    string `json:"status"`
	HTTPCode  int    `json:"http_code"`
	Timestamp string `json:"timestamp"`
}

// handleStatusQuick serves GET /status/quick?app=<name>: the 3s-timeout
// three-way probe read, the same verdict logic the scheduler's own probe
// applies, with UNKNOWN kept distinct from a definitive DOWN.
func (h *Handler) handleStatusQuick(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("app")
	if name == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "app query parameter is required")
		return
	}
	ctx := r.Context()

	app, err := h.store.GetApplication(ctx, name)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such application: "+name)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, statusQuickTimeout)
	defer cancel()

	result := h.adapter.Prober.HTTPProbe(pctx, app.PrimaryHostname(), statusQuickTimeout, h.acceptance)

	verdict := "UNKNOWN"
	switch {
	case result.Verdict == cloudadapter.HTTPUp:
		verdict = "UP"
	case result.Code != 0:
		verdict = "DOWN"
	}

	httpserver.Respond(w, http.StatusOK, quickStatusResponse{
		App:       name,
		Status:    verdict,
		HTTPCode:  result.Code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type actionRequest struct {
	AppName string `json:"app_name" validate:"required"`
}

type acceptedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	AppName string `json:"app_name"`
	Status  string `json:"status"`
}

// handleStart serves POST /start. With ?dry_run=true it synchronously
// returns a preview of the mutating calls a real run would make, without
// invoking the orchestrator. Otherwise it enqueues a start task and
// returns 202 immediately — the caller must poll /status or /apps/{name}
// to observe the outcome.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	app, err := h.store.GetApplication(ctx, req.AppName)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such application: "+req.AppName)
		return
	}

	if r.URL.Query().Get("dry_run") == "true" {
		actions, err := dispatcher.Preview(ctx, h.adapter, app)
		if err != nil {
			h.logger.Error("preview failed", "app", req.AppName, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "computing preview")
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]any{"app_name": req.AppName, "dry_run": true, "actions": actions})
		return
	}

	if err := h.dispatcher.Enqueue(dispatcher.Task{AppName: req.AppName, Action: dispatcher.ActionStart, Source: oplog.SourceAPI, Reason: "api request"}); err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusAccepted, acceptedResponse{
		Success: true,
		Message: "start accepted",
		AppName: req.AppName,
		Status:  "accepted",
	})
}

// handleStop serves POST /stop. Always asynchronous: dry_run is only
// defined for /start.
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	if _, err := h.store.GetApplication(ctx, req.AppName); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such application: "+req.AppName)
		return
	}

	if err := h.dispatcher.Enqueue(dispatcher.Task{AppName: req.AppName, Action: dispatcher.ActionStop, Source: oplog.SourceAPI, Reason: "api request"}); err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusAccepted, acceptedResponse{
		Success: true,
		Message: "stop accepted",
		AppName: req.AppName,
		Status:  "accepted",
	})
}
