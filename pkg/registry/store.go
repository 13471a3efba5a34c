package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a keyed lookup finds no record.
var ErrNotFound = errors.New("registry: not found")

// ErrInvalidApplication is returned by PutApplication when the record
// violates a registry invariant: at least one hostname is required.
var ErrInvalidApplication = errors.New("registry: application invalid")

// Store is the Postgres-backed application registry. Queries are
// hand-written against pgx directly, in the same style as incident.Store
// — a thin wrapper over *pgxpool.Pool with no ORM or generated query
// layer.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Registry Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetApplication fetches one application record by name.
func (s *Store) GetApplication(ctx context.Context, name string) (*Application, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, namespace, hostnames,
		       postgres_host, postgres_port, postgres_db, postgres_user,
		       neo4j_host, neo4j_port, neo4j_username,
		       nodegroup_assignment,
		       status, postgres_state, neo4j_state, nodegroup_state,
		       labels, metadata, created_at, updated_at
		FROM applications WHERE name = $1`, name)

	app, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching application %q: %w", name, err)
	}
	return app, nil
}

// ListApplications performs a full scan of the registry, ordered by name.
func (s *Store) ListApplications(ctx context.Context) ([]*Application, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, namespace, hostnames,
		       postgres_host, postgres_port, postgres_db, postgres_user,
		       neo4j_host, neo4j_port, neo4j_username,
		       nodegroup_assignment,
		       status, postgres_state, neo4j_state, nodegroup_state,
		       labels, metadata, created_at, updated_at
		FROM applications ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	defer rows.Close()

	var apps []*Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning application row: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	return apps, nil
}

// PutApplication upserts an application record. Writes are last-writer-wins;
// no cross-record transaction is required. Rejects records without at
// least one hostname.
func (s *Store) PutApplication(ctx context.Context, app *Application) error {
	if len(app.Hostnames) == 0 {
		return fmt.Errorf("%w: %q has no hostnames", ErrInvalidApplication, app.Name)
	}

	ngJSON, err := marshalNodegroup(app.NodegroupAssignment)
	if err != nil {
		return err
	}
	labelsJSON, err := MarshalAttrs(app.Labels)
	if err != nil {
		return err
	}
	metaJSON, err := MarshalAttrs(app.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO applications (
			name, namespace, hostnames,
			postgres_host, postgres_port, postgres_db, postgres_user,
			neo4j_host, neo4j_port, neo4j_username,
			nodegroup_assignment,
			status, postgres_state, neo4j_state, nodegroup_state,
			labels, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
		ON CONFLICT (name) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			hostnames = EXCLUDED.hostnames,
			postgres_host = EXCLUDED.postgres_host,
			postgres_port = EXCLUDED.postgres_port,
			postgres_db = EXCLUDED.postgres_db,
			postgres_user = EXCLUDED.postgres_user,
			neo4j_host = EXCLUDED.neo4j_host,
			neo4j_port = EXCLUDED.neo4j_port,
			neo4j_username = EXCLUDED.neo4j_username,
			nodegroup_assignment = EXCLUDED.nodegroup_assignment,
			status = EXCLUDED.status,
			postgres_state = EXCLUDED.postgres_state,
			neo4j_state = EXCLUDED.neo4j_state,
			nodegroup_state = EXCLUDED.nodegroup_state,
			labels = EXCLUDED.labels,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		app.Name, app.Namespace, app.Hostnames,
		app.PostgresHost, app.PostgresPort, app.PostgresDB, app.PostgresUser,
		app.Neo4jHost, app.Neo4jPort, app.Neo4jUsername,
		ngJSON,
		defaultState(app.Status), defaultState(app.PostgresState), defaultState(app.Neo4jState), defaultState(app.NodegroupState),
		labelsJSON, metaJSON, now,
	)
	if err != nil {
		return fmt.Errorf("writing application %q: %w", app.Name, err)
	}
	return nil
}

// UpdateHints applies a partial update of the advisory hint fields only
// (status, postgres_state, neo4j_state, nodegroup_state). Orchestrators
// write hints; nothing else may overwrite nodegroup_assignment or the DB
// endpoint fields through this path.
func (s *Store) UpdateHints(ctx context.Context, name string, hints map[string]ComponentState) error {
	if len(hints) == 0 {
		return nil
	}

	set := ""
	args := []any{name}
	for field, value := range hints {
		col, ok := hintColumn(field)
		if !ok {
			return fmt.Errorf("updating hints for %q: unknown hint field %q", name, field)
		}
		args = append(args, value)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", col, len(args))
	}
	set += fmt.Sprintf(", updated_at = $%d", len(args)+1)
	args = append(args, time.Now().UTC())

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE applications SET %s WHERE name = $1`, set), args...)
	if err != nil {
		return fmt.Errorf("updating hints for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// hintColumn maps the public hint field name to its column, rejecting
// anything outside the advisory hint set.
func hintColumn(field string) (string, bool) {
	switch field {
	case "status":
		return "status", true
	case "postgres_state":
		return "postgres_state", true
	case "neo4j_state":
		return "neo4j_state", true
	case "nodegroup_state":
		return "nodegroup_state", true
	default:
		return "", false
	}
}

// GetSchedule returns the per-application schedule override. Missing
// records default to enabled=true.
func (s *Store) GetSchedule(ctx context.Context, appName string) (*Schedule, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `SELECT enabled FROM schedules WHERE app_name = $1`, appName).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Schedule{AppName: appName, Enabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching schedule for %q: %w", appName, err)
	}
	return &Schedule{AppName: appName, Enabled: enabled}, nil
}

// PutSchedule upserts a per-application schedule override.
func (s *Store) PutSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (app_name, enabled) VALUES ($1, $2)
		ON CONFLICT (app_name) DO UPDATE SET enabled = EXCLUDED.enabled`,
		sched.AppName, sched.Enabled)
	if err != nil {
		return fmt.Errorf("writing schedule for %q: %w", sched.AppName, err)
	}
	return nil
}

// GetGlobalSchedule returns the single process-wide schedule record. The
// scheduler aborts its tick if it is absent.
func (s *Store) GetGlobalSchedule(ctx context.Context) (*GlobalSchedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT timezone, weekdays_start, weekdays_stop, start_time, stop_time, weekend_shutdown
		FROM global_schedule WHERE id = 1`)

	var (
		tz, startTime, stopTime   string
		weekdaysStart, weekdaysStop []string
		weekendShutdown           bool
	)
	if err := row.Scan(&tz, &weekdaysStart, &weekdaysStop, &startTime, &stopTime, &weekendShutdown); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching global schedule: %w", err)
	}

	return &GlobalSchedule{
		Timezone:        tz,
		WeekdaysStart:   toWeekdays(weekdaysStart),
		WeekdaysStop:    toWeekdays(weekdaysStop),
		StartTime:       startTime,
		StopTime:        stopTime,
		WeekendShutdown: weekendShutdown,
	}, nil
}

// PutGlobalSchedule replaces the single global schedule record.
func (s *Store) PutGlobalSchedule(ctx context.Context, g *GlobalSchedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_schedule (id, timezone, weekdays_start, weekdays_stop, start_time, stop_time, weekend_shutdown)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			weekdays_start = EXCLUDED.weekdays_start,
			weekdays_stop = EXCLUDED.weekdays_stop,
			start_time = EXCLUDED.start_time,
			stop_time = EXCLUDED.stop_time,
			weekend_shutdown = EXCLUDED.weekend_shutdown`,
		g.Timezone, fromWeekdays(g.WeekdaysStart), fromWeekdays(g.WeekdaysStop), g.StartTime, g.StopTime, g.WeekendShutdown)
	if err != nil {
		return fmt.Errorf("writing global schedule: %w", err)
	}
	return nil
}

// FindByDBHost scans the registry for applications referencing the given
// DB endpoint (kind ∈ {postgres, neo4j}), excluding excludeName. Used by
// the resource-share resolver. A DB endpoint may be referenced by multiple
// applications: this is a filtered query on the host column (indexed by
// migrations/0001) that returns every match.
func (s *Store) FindByDBHost(ctx context.Context, kind, host, excludeName string) ([]*Application, error) {
	col, ok := dbHostColumn(kind)
	if !ok {
		return nil, fmt.Errorf("finding co-tenants: unknown db kind %q", kind)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT name, namespace, hostnames,
		       postgres_host, postgres_port, postgres_db, postgres_user,
		       neo4j_host, neo4j_port, neo4j_username,
		       nodegroup_assignment,
		       status, postgres_state, neo4j_state, nodegroup_state,
		       labels, metadata, created_at, updated_at
		FROM applications WHERE %s = $1 AND name != $2`, col), host, excludeName)
	if err != nil {
		return nil, fmt.Errorf("finding co-tenants for %s host %q: %w", kind, host, err)
	}
	defer rows.Close()

	var apps []*Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning co-tenant row: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func dbHostColumn(kind string) (string, bool) {
	switch kind {
	case "postgres":
		return "postgres_host", true
	case "neo4j":
		return "neo4j_host", true
	default:
		return "", false
	}
}

func defaultState(s ComponentState) ComponentState {
	if s == "" {
		return StateUnknown
	}
	return s
}

func marshalNodegroup(ng *NodegroupAssignment) ([]byte, error) {
	if ng == nil {
		return nil, nil
	}
	b, err := json.Marshal(ng)
	if err != nil {
		return nil, fmt.Errorf("marshaling nodegroup assignment: %w", err)
	}
	return b, nil
}

func toWeekdays(ss []string) []Weekday {
	out := make([]Weekday, len(ss))
	for i, s := range ss {
		out[i] = Weekday(s)
	}
	return out
}

func fromWeekdays(ws []Weekday) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = string(w)
	}
	return out
}

// row is the minimal interface shared by pgx.Row and pgx.Rows, letting
// scanApplication serve both GetApplication and the list queries.
type row interface {
	Scan(dest ...any) error
}

func scanApplication(r row) (*Application, error) {
	var (
		app                         Application
		pgHost, pgDB, pgUser        *string
		pgPort                      *int
		neo4jHost, neo4jUser        *string
		neo4jPort                   *int
		ngJSON, labelsJSON, metaJSON []byte
	)

	if err := r.Scan(
		&app.Name, &app.Namespace, &app.Hostnames,
		&pgHost, &pgPort, &pgDB, &pgUser,
		&neo4jHost, &neo4jPort, &neo4jUser,
		&ngJSON,
		&app.Status, &app.PostgresState, &app.Neo4jState, &app.NodegroupState,
		&labelsJSON, &metaJSON, &app.CreatedAt, &app.UpdatedAt,
	); err != nil {
		return nil, err
	}

	app.PostgresHost, app.PostgresPort, app.PostgresDB, app.PostgresUser = pgHost, pgPort, pgDB, pgUser
	app.Neo4jHost, app.Neo4jPort, app.Neo4jUsername = neo4jHost, neo4jPort, neo4jUser

	if len(ngJSON) > 0 {
		var ng NodegroupAssignment
		if err := json.Unmarshal(ngJSON, &ng); err != nil {
			return nil, fmt.Errorf("decoding nodegroup assignment: %w", err)
		}
		app.NodegroupAssignment = &ng
	}

	labels, err := UnmarshalAttrs(labelsJSON)
	if err != nil {
		return nil, err
	}
	app.Labels = labels

	meta, err := UnmarshalAttrs(metaJSON)
	if err != nil {
		return nil, err
	}
	app.Metadata = meta

	return &app, nil
}
