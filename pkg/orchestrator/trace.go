package orchestrator

import "time"

// Phase names an ordered step of a start or stop run. Tests asserting phase
// ordering (e.g. drain precedes scale-down precedes DB stop) read a Trace's
// Phases in order.
type Phase string

const (
	PhaseDetect          Phase = "detect"
	PhaseStartVMs        Phase = "start_vms"
	PhaseScaleNodegroup  Phase = "scale_nodegroup"
	PhaseWaitNodegroup   Phase = "wait_nodegroup"
	PhaseScaleWorkloads  Phase = "scale_workloads"
	PhaseDrain           Phase = "drain"
	PhaseStopNodegroup   Phase = "stop_nodegroup"
	PhaseStopDBs         Phase = "stop_dbs"
)

// Event is one recorded step in a Trace.
type Event struct {
	Phase   Phase
	At      time.Time
	Detail  string
	Warning bool
}

// Trace is the ordered phase log an orchestrator run produces. It exists
// purely for observability and testing; it carries no control-flow
// semantics of its own.
type Trace struct {
	Events []Event
}

// Record appends an informational event for phase.
func (t *Trace) Record(phase Phase, detail string) {
	t.Events = append(t.Events, Event{Phase: phase, At: time.Now().UTC(), Detail: detail})
}

// Warn appends a warning event for phase (e.g. a missing nodegroup, or a
// shared DB left running because a co-tenant is still up).
func (t *Trace) Warn(phase Phase, detail string) {
	t.Events = append(t.Events, Event{Phase: phase, At: time.Now().UTC(), Detail: detail, Warning: true})
}

// Warnings returns the detail strings of every warning event, in order.
func (t *Trace) Warnings() []string {
	var out []string
	for _, e := range t.Events {
		if e.Warning {
			out = append(out, e.Detail)
		}
	}
	return out
}

// PhaseOrder returns the distinct phases in the order they first appear,
// used by tests to assert phase ordering without caring about repeat
// events within a phase (e.g. multiple VM-start events while starting DBs).
func (t *Trace) PhaseOrder() []Phase {
	seen := map[Phase]bool{}
	var out []Phase
	for _, e := range t.Events {
		if !seen[e.Phase] {
			seen[e.Phase] = true
			out = append(out, e.Phase)
		}
	}
	return out
}
