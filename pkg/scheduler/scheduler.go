// Package scheduler runs the periodic tick that fires start/stop actions
// from the global schedule record, using the same ticker-based worker
// loop shape as RunScheduleTopUpLoop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/dispatcher"
	"github.com/opsfleet/fleetctl/pkg/oplog"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

// TickInterval is the default cadence between scheduler evaluations.
const TickInterval = 5 * time.Minute

// quickProbeTimeout bounds the scheduler's own status read.
const quickProbeTimeout = 3 * time.Second

// Verdict is the scheduler's three-way probe read.
type Verdict string

const (
	Up      Verdict = "up"
	Down    Verdict = "down"
	Unknown Verdict = "unknown"
)

// store is the narrow registry surface the scheduler needs.
type store interface {
	GetGlobalSchedule(ctx context.Context) (*registry.GlobalSchedule, error)
	ListApplications(ctx context.Context) ([]*registry.Application, error)
	GetSchedule(ctx context.Context, appName string) (*registry.Schedule, error)
}

// enqueuer is the narrow dispatcher surface the scheduler needs.
type enqueuer interface {
	Enqueue(task dispatcher.Task) error
}

// Scheduler evaluates the global schedule against live probes on every
// tick and enqueues start/stop actions through the dispatcher.
type Scheduler struct {
	store      store
	prober     *cloudadapter.Prober
	dispatcher enqueuer
	logger     *slog.Logger
}

// New creates a Scheduler.
func New(store store, prober *cloudadapter.Prober, dispatcher enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, prober: prober, dispatcher: dispatcher, logger: logger}
}

// Run executes one tick at time now, evaluated in the schedule's configured
// timezone. An error loading the global schedule aborts the whole tick;
// per-application errors are logged and skipped instead.
func (s *Scheduler) Run(ctx context.Context, now time.Time) error {
	global, err := s.store.GetGlobalSchedule(ctx)
	if err != nil {
		return fmt.Errorf("scheduler tick: loading global schedule: %w", err)
	}

	loc, err := time.LoadLocation(global.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler tick: loading timezone %q: %w", global.Timezone, err)
	}
	local := now.In(loc)
	weekday := registry.WeekdayFromTime(local.Weekday())
	isWeekend := weekday == registry.Sat || weekday == registry.Sun

	apps, err := s.store.ListApplications(ctx)
	if err != nil {
		return fmt.Errorf("scheduler tick: listing applications: %w", err)
	}

	for _, app := range apps {
		s.evaluateApp(ctx, app, global, local, weekday, isWeekend)
	}
	return nil
}

func (s *Scheduler) evaluateApp(ctx context.Context, app *registry.Application, global *registry.GlobalSchedule, local time.Time, weekday registry.Weekday, isWeekend bool) {
	sched, err := s.store.GetSchedule(ctx, app.Name)
	if err != nil {
		s.logger.Error("scheduler: reading schedule override", "app", app.Name, "error", err)
		return
	}
	if !sched.Enabled {
		return
	}

	// weekend_shutdown suppresses the start window entirely on Sat/Sun and
	// makes the stop window fire regardless of weekdays_stop membership;
	// both windows are still bounded to their usual five-minute interval.
	weekendShutdownToday := global.WeekendShutdown && isWeekend

	startWindow := !weekendShutdownToday && inWindow(local, global.StartTime) && registry.ContainsWeekday(global.WeekdaysStart, weekday)
	stopWindow := inWindow(local, global.StopTime) && (weekendShutdownToday || registry.ContainsWeekday(global.WeekdaysStop, weekday))

	if !startWindow && !stopWindow {
		return
	}

	verdict := s.quickProbe(ctx, app)

	if startWindow && verdict == Down {
		s.fire(app.Name, dispatcher.ActionStart, "scheduled start window")
	}
	if stopWindow && verdict == Up {
		s.fire(app.Name, dispatcher.ActionStop, "scheduled stop window")
	}
}

func (s *Scheduler) fire(appName string, action dispatcher.Action, reason string) {
	if err := s.dispatcher.Enqueue(dispatcher.Task{AppName: appName, Action: action, Source: oplog.SourceScheduler, Reason: reason}); err != nil {
		s.logger.Error("scheduler: enqueue failed", "app", appName, "action", action, "error", err)
		return
	}
	s.logger.Info("scheduler: action fired", "app", appName, "action", action, "reason", reason)
}

// quickProbe reads live HTTP status with a 3s timeout. A definitive
// response maps to Up/Down; no response at all (timeout, refused, DNS
// failure) maps to Unknown rather than being guessed either way, so the
// scheduler never fires a start or stop on ambiguous state (see
// DESIGN.md for the UNKNOWN-handling rationale).
func (s *Scheduler) quickProbe(ctx context.Context, app *registry.Application) Verdict {
	hostname := app.PrimaryHostname()
	if hostname == "" {
		return Up
	}

	pctx, cancel := context.WithTimeout(ctx, quickProbeTimeout)
	defer cancel()

	result := s.prober.HTTPProbe(pctx, hostname, quickProbeTimeout, map[int]bool{200: true})
	switch {
	case result.Verdict == cloudadapter.HTTPUp:
		return Up
	case result.Code != 0:
		return Down
	default:
		return Unknown
	}
}

// inWindow reports whether local falls within [hhmm, hhmm+5m) civil time,
// where hhmm is an "HH:MM" string.
func inWindow(local time.Time, hhmm string) bool {
	start, err := time.ParseInLocation("15:04", hhmm, local.Location())
	if err != nil {
		return false
	}
	windowStart := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, local.Location())
	windowEnd := windowStart.Add(TickInterval)
	return !local.Before(windowStart) && local.Before(windowEnd)
}

// RunLoop runs Run on every tick until ctx is canceled, the same run-once-
// then-ticker shape as roster.RunScheduleTopUpLoop.
func RunLoop(ctx context.Context, s *Scheduler, logger *slog.Logger, interval time.Duration) {
	logger.Info("scheduler loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Run(ctx, time.Now()); err != nil {
		logger.Error("scheduler tick", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			if err := s.Run(ctx, time.Now()); err != nil {
				logger.Error("scheduler tick", "error", err)
			}
		}
	}
}
