package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/dispatcher"
	"github.com/opsfleet/fleetctl/pkg/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	global *registry.GlobalSchedule
	apps   []*registry.Application
}

func (f *fakeStore) GetGlobalSchedule(ctx context.Context) (*registry.GlobalSchedule, error) {
	if f.global == nil {
		return nil, registry.ErrNotFound
	}
	return f.global, nil
}
func (f *fakeStore) ListApplications(ctx context.Context) ([]*registry.Application, error) {
	return f.apps, nil
}
func (f *fakeStore) GetSchedule(ctx context.Context, appName string) (*registry.Schedule, error) {
	return &registry.Schedule{AppName: appName, Enabled: true}, nil
}

type fakeEnqueuer struct {
	tasks []dispatcher.Task
}

func (f *fakeEnqueuer) Enqueue(task dispatcher.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func mustIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		panic(err)
	}
	return loc
}

func TestScheduler_FiresStartWhenDownInWindow(t *testing.T) {
	// A definitive non-200 response is a Down verdict.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ist := mustIST()
	now := time.Date(2026, 7, 27, 9, 2, 0, 0, ist) // Monday

	store := &fakeStore{
		global: &registry.GlobalSchedule{
			Timezone:      "Asia/Kolkata",
			WeekdaysStart: []registry.Weekday{registry.Mon, registry.Tue, registry.Wed, registry.Thu, registry.Fri},
			StartTime:     "09:00",
			StopTime:      "19:00",
		},
		apps: []*registry.Application{{Name: "app-a", Hostnames: []string{srv.Listener.Addr().String()}}},
	}
	enq := &fakeEnqueuer{}
	sched := New(store, cloudadapter.NewProber(true), enq, discardLogger())

	require.NoError(t, sched.Run(context.Background(), now))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, dispatcher.ActionStart, enq.tasks[0].Action)
}

func TestScheduler_NoActionOnUnknownProbe(t *testing.T) {
	ist := mustIST()
	now := time.Date(2026, 7, 27, 9, 2, 0, 0, ist)

	store := &fakeStore{
		global: &registry.GlobalSchedule{
			Timezone:      "Asia/Kolkata",
			WeekdaysStart: []registry.Weekday{registry.Mon},
			StartTime:     "09:00",
			StopTime:      "19:00",
		},
		// Port 1 on loopback reliably refuses; Code stays 0 so the probe
		// verdict is Unknown, not Down.
		apps: []*registry.Application{{Name: "app-a", Hostnames: []string{"127.0.0.1:1"}}},
	}
	enq := &fakeEnqueuer{}
	sched := New(store, cloudadapter.NewProber(true), enq, discardLogger())

	require.NoError(t, sched.Run(context.Background(), now))
	assert.Empty(t, enq.tasks, "fail-safe must treat connection failure as unknown, not down")
}

func TestScheduler_FiresStopWhenUpInWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ist := mustIST()
	now := time.Date(2026, 7, 27, 19, 1, 0, 0, ist)

	store := &fakeStore{
		global: &registry.GlobalSchedule{
			Timezone:     "Asia/Kolkata",
			WeekdaysStop: []registry.Weekday{registry.Mon},
			StartTime:    "09:00",
			StopTime:     "19:00",
		},
		apps: []*registry.Application{{Name: "app-a", Hostnames: []string{srv.Listener.Addr().String()}}},
	}
	enq := &fakeEnqueuer{}
	sched := New(store, cloudadapter.NewProber(true), enq, discardLogger())

	require.NoError(t, sched.Run(context.Background(), now))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, dispatcher.ActionStop, enq.tasks[0].Action)
}

func TestScheduler_OutsideWindowNoAction(t *testing.T) {
	ist := mustIST()
	now := time.Date(2026, 7, 27, 10, 0, 0, 0, ist)

	store := &fakeStore{
		global: &registry.GlobalSchedule{
			Timezone:      "Asia/Kolkata",
			WeekdaysStart: []registry.Weekday{registry.Mon},
			StartTime:     "09:00",
			StopTime:      "19:00",
		},
		apps: []*registry.Application{{Name: "app-a", Hostnames: []string{"127.0.0.1:1"}}},
	}
	enq := &fakeEnqueuer{}
	sched := New(store, cloudadapter.NewProber(true), enq, discardLogger())

	require.NoError(t, sched.Run(context.Background(), now))
	assert.Empty(t, enq.tasks)
}

func TestScheduler_WeekendShutdownSuppressesStartFiresStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ist := mustIST()
	saturday := time.Date(2026, 8, 1, 19, 1, 0, 0, ist)

	store := &fakeStore{
		global: &registry.GlobalSchedule{
			Timezone:        "Asia/Kolkata",
			WeekdaysStart:   []registry.Weekday{registry.Mon, registry.Tue, registry.Wed, registry.Thu, registry.Fri, registry.Sat, registry.Sun},
			WeekdaysStop:    []registry.Weekday{registry.Mon},
			StartTime:       "09:00",
			StopTime:        "19:00",
			WeekendShutdown: true,
		},
		apps: []*registry.Application{{Name: "app-a", Hostnames: []string{srv.Listener.Addr().String()}}},
	}
	enq := &fakeEnqueuer{}
	sched := New(store, cloudadapter.NewProber(true), enq, discardLogger())

	require.NoError(t, sched.Run(context.Background(), saturday))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, dispatcher.ActionStop, enq.tasks[0].Action)
}
