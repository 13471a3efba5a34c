// Package registry holds the keyed application metadata store: namespace,
// hostnames, backing-DB endpoints, nodegroup assignment, and the advisory
// component-state hints that orchestrators write and the status aggregator
// always reconciles against live probes.
package registry

import "time"

// ComponentState is an advisory hint for a component's last-observed state.
// Persisted hints are never authoritative — every status read reconciles
// against the cloud adapter instead of trusting the hint.
type ComponentState string

const (
	StateRunning  ComponentState = "running"
	StateStopped  ComponentState = "stopped"
	StateStarting ComponentState = "starting"
	StateScaling  ComponentState = "scaling"
	StateReady    ComponentState = "ready"
	StateUnknown  ComponentState = "unknown"
)

// NodegroupAssignment is read from immutable configuration; live
// discovered or cached capacity never overwrites it.
type NodegroupAssignment struct {
	Name    string `json:"name"`
	Desired int    `json:"desired"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
}

// Application is the primary registry record, keyed by Name (a DNS-style
// hostname).
type Application struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`

	// Hostnames is ordered; index 0 is the probe target. At least one entry
	// is required for the record to be accepted on write.
	Hostnames []string `json:"hostnames"`

	PostgresHost *string `json:"postgres_host,omitempty"`
	PostgresPort *int    `json:"postgres_port,omitempty"`
	PostgresDB   *string `json:"postgres_db,omitempty"`
	PostgresUser *string `json:"postgres_user,omitempty"`

	Neo4jHost     *string `json:"neo4j_host,omitempty"`
	Neo4jPort     *int    `json:"neo4j_port,omitempty"`
	Neo4jUsername *string `json:"neo4j_username,omitempty"`

	NodegroupAssignment *NodegroupAssignment `json:"nodegroup_assignment,omitempty"`

	// Persisted hints, advisory only.
	Status          ComponentState `json:"status"`
	PostgresState   ComponentState `json:"postgres_state"`
	Neo4jState      ComponentState `json:"neo4j_state"`
	NodegroupState  ComponentState `json:"nodegroup_state"`

	Labels   Attrs `json:"labels,omitempty"`
	Metadata Attrs `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PrimaryHostname returns the probe target (index 0 of Hostnames). Callers
// should only invoke this after a successful registry write, which
// guarantees at least one entry exists.
func (a *Application) PrimaryHostname() string {
	if len(a.Hostnames) == 0 {
		return ""
	}
	return a.Hostnames[0]
}

// HasPostgres reports whether the application has a dedicated or shared
// postgres endpoint configured.
func (a *Application) HasPostgres() bool {
	return a.PostgresHost != nil && *a.PostgresHost != ""
}

// HasNeo4j reports whether the application has a neo4j endpoint configured.
func (a *Application) HasNeo4j() bool {
	return a.Neo4jHost != nil && *a.Neo4jHost != ""
}

// Schedule is the per-application schedule override, a 1:1 record keyed by
// app name.
type Schedule struct {
	AppName string `json:"app_name"`
	Enabled bool   `json:"enabled"`
}

// Weekday is a lower-case three letter weekday code, e.g. "mon".
type Weekday string

const (
	Mon Weekday = "mon"
	Tue Weekday = "tue"
	Wed Weekday = "wed"
	Thu Weekday = "thu"
	Fri Weekday = "fri"
	Sat Weekday = "sat"
	Sun Weekday = "sun"
)

// GlobalSchedule is the single process-wide schedule record consulted by
// the scheduler on every tick.
type GlobalSchedule struct {
	Timezone        string    `json:"timezone"`
	WeekdaysStart   []Weekday `json:"weekdays_start"`
	WeekdaysStop    []Weekday `json:"weekdays_stop"`
	StartTime       string    `json:"start_time"` // "HH:MM"
	StopTime        string    `json:"stop_time"`  // "HH:MM"
	WeekendShutdown bool      `json:"weekend_shutdown"`
}

// ContainsWeekday reports whether w is present in the list.
func ContainsWeekday(list []Weekday, w Weekday) bool {
	for _, d := range list {
		if d == w {
			return true
		}
	}
	return false
}

// WeekdayFromTime converts a time.Weekday to the three-letter Weekday code.
func WeekdayFromTime(t time.Weekday) Weekday {
	return [...]Weekday{Sun, Mon, Tue, Wed, Thu, Fri, Sat}[t]
}
