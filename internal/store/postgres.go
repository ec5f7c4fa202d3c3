package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

//go:embed schema.sql
var schema string

// NotifyChannel is the LISTEN/NOTIFY channel fed by the trips trigger.
const NotifyChannel = "trip_changes"

const tripColumns = `id, rider_id, rider_name, rider_phone, origin, destination,
	distance_km, fare_total, platform_commission, driver_earnings, estimated_duration, fare_id,
	status, driver_id, driver_name, driver_phone, driver_location, rider_location,
	created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	arrival_message, cancelled_by`

// Postgres is a trip store over lib/pq. Guarded updates are a single
// conditional UPDATE; change feeds come from a pq.Listener.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *hub
	logger   *logger.Logger
	done     chan struct{}
}

var _ trip.Store = (*Postgres)(nil)

// NewPostgres creates the store and starts listening on NotifyChannel.
// dsn must point at the same database as db.
func NewPostgres(db *sql.DB, dsn string, log *logger.Logger) (*Postgres, error) {
	p := &Postgres{
		db:     db,
		hub:    newHub(),
		logger: log.Named("trip_store"),
		done:   make(chan struct{}),
	}

	p.listener = pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("trip listener event", logger.Int("event", int(ev)), logger.Err(err))
		}
	})
	if err := p.listener.Listen(NotifyChannel); err != nil {
		p.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go p.listen()
	return p, nil
}

// EnsureSchema creates the trips table and notify trigger if missing
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply trip schema: %w", err)
	}
	return nil
}

// Create inserts t and returns its id
func (p *Postgres) Create(ctx context.Context, t *trip.Trip) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	driverLoc, err := encodeLocation(t.DriverLocation)
	if err != nil {
		return "", err
	}
	riderLoc, err := encodeLocation(t.RiderLocation)
	if err != nil {
		return "", err
	}

	query := `INSERT INTO trips (` + tripColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`
	_, err = p.db.ExecContext(ctx, query,
		id, t.RiderID, t.RiderName, t.RiderPhone, t.Origin, t.Destination,
		t.DistanceKm, t.FareTotal, t.PlatformCommission, t.DriverEarnings, t.EstimatedDuration, t.FareID,
		string(t.Status), t.DriverID, t.DriverName, t.DriverPhone, driverLoc, riderLoc,
		t.CreatedAt, t.AcceptedAt, t.ArrivedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.ArrivalMessage, t.CancelledBy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
			return "", fmt.Errorf("%w: %s", trip.ErrInvalidTrip, pqErr.Message)
		}
		return "", fmt.Errorf("failed to insert trip: %w", err)
	}
	return id, nil
}

// Get loads one trip
func (p *Postgres) Get(ctx context.Context, id string) (*trip.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trip.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return t, nil
}

// Update applies patch in one statement guarded by status = ANY(expected)
func (p *Postgres) Update(ctx context.Context, id string, patch trip.Patch, expected ...trip.Status) (*trip.Trip, error) {
	sets, args, err := patchAssignments(patch)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: empty patch", trip.ErrInvalidTrip)
	}

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if len(expected) > 0 {
		args = append(args, pq.Array(statusStrings(expected)))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `UPDATE trips SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + tripColumns
	t, err := scanTrip(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.guardFailure(ctx, id, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update trip: %w", err)
	}
	return t, nil
}

// guardFailure tells a missing row apart from a failed status guard
func (p *Postgres) guardFailure(ctx context.Context, id string, expected []trip.Status) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read trip status: %w", err)
	}
	return &trip.StaleStateError{TripID: id, Expected: expected, Actual: trip.Status(status)}
}

// ListByOwner returns the owner's trips, newest first
func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, role user.Role) ([]*trip.Trip, error) {
	column, err := ownerColumn(role)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE `+column+` = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	return collect(rows)
}

// SubscribeOne watches a single trip
func (p *Postgres) SubscribeOne(ctx context.Context, id string, fn func(trip.Change)) (trip.Unsubscribe, error) {
	return p.hub.subscribe(matchID(id), fn, func() ([]*trip.Trip, error) {
		t, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*trip.Trip{t}, nil
	})
}

// SubscribeByStatus watches every trip currently in status
func (p *Postgres) SubscribeByStatus(ctx context.Context, status trip.Status, fn func(trip.Change)) (trip.Unsubscribe, error) {
	return p.hub.subscribe(matchStatus(status), fn, func() ([]*trip.Trip, error) {
		rows, err := p.db.QueryContext(ctx,
			`SELECT `+tripColumns+` FROM trips WHERE status = $1 ORDER BY created_at`, string(status))
		if err != nil {
			return nil, fmt.Errorf("failed to load trips by status: %w", err)
		}
		return collect(rows)
	})
}

// SubscribeByOwner watches every trip owned by ownerID in role
func (p *Postgres) SubscribeByOwner(ctx context.Context, ownerID string, role user.Role, fn func(trip.Change)) (trip.Unsubscribe, error) {
	return p.hub.subscribe(matchOwner(ownerID, role), fn, func() ([]*trip.Trip, error) {
		return p.ListByOwner(ctx, ownerID, role)
	})
}

// Close stops the listener and cancels all subscriptions
func (p *Postgres) Close() error {
	close(p.done)
	p.hub.closeAll()
	return p.listener.Close()
}

type notification struct {
	ID          string  `json:"id"`
	OldStatus   *string `json:"old_status"`
	OldDriverID *string `json:"old_driver_id"`
}

func (p *Postgres) listen() {
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications sent while disconnected are lost.
				p.logger.Warn("trip listener reconnected, changes may have been missed")
				continue
			}
			p.dispatch(n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Warn("trip listener ping failed", logger.Err(err))
				}
			}()
		}
	}
}

func (p *Postgres) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		p.logger.Error("invalid trip notification", logger.String("payload", payload), logger.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cur, err := p.Get(ctx, n.ID)
	if err != nil {
		p.logger.Error("failed to load changed trip", logger.TripID(n.ID), logger.Err(err))
		return
	}

	var prev *trip.Trip
	if n.OldStatus != nil {
		prev = cur.Clone()
		prev.Status = trip.Status(*n.OldStatus)
		if n.OldDriverID != nil {
			prev.DriverID = *n.OldDriverID
		}
	}
	p.hub.publish(prev, cur)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*trip.Trip, error) {
	var (
		t                                   trip.Trip
		status                              string
		driverLoc, riderLoc                 []byte
		acceptedAt, arrivedAt               sql.NullTime
		startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.RiderID, &t.RiderName, &t.RiderPhone, &t.Origin, &t.Destination,
		&t.DistanceKm, &t.FareTotal, &t.PlatformCommission, &t.DriverEarnings, &t.EstimatedDuration, &t.FareID,
		&status, &t.DriverID, &t.DriverName, &t.DriverPhone, &driverLoc, &riderLoc,
		&t.CreatedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&t.ArrivalMessage, &t.CancelledBy,
	)
	if err != nil {
		return nil, err
	}
	t.Status = trip.Status(status)
	if t.DriverLocation, err = decodeLocation(driverLoc); err != nil {
		return nil, err
	}
	if t.RiderLocation, err = decodeLocation(riderLoc); err != nil {
		return nil, err
	}
	t.AcceptedAt = nullTime(acceptedAt)
	t.ArrivedAt = nullTime(arrivedAt)
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(cancelledAt)
	return &t, nil
}

func collect(rows *sql.Rows) ([]*trip.Trip, error) {
	defer rows.Close()
	var out []*trip.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// patchAssignments turns the non-nil fields of patch into SET clauses
func patchAssignments(patch trip.Patch) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.DriverID != nil {
		add("driver_id", *patch.DriverID)
	}
	if patch.DriverName != nil {
		add("driver_name", *patch.DriverName)
	}
	if patch.DriverPhone != nil {
		add("driver_phone", *patch.DriverPhone)
	}
	if patch.DriverLocation != nil {
		b, err := encodeLocation(patch.DriverLocation)
		if err != nil {
			return nil, nil, err
		}
		add("driver_location", b)
	}
	if patch.RiderLocation != nil {
		b, err := encodeLocation(patch.RiderLocation)
		if err != nil {
			return nil, nil, err
		}
		add("rider_location", b)
	}
	if patch.AcceptedAt != nil {
		add("accepted_at", *patch.AcceptedAt)
	}
	if patch.ArrivedAt != nil {
		add("arrived_at", *patch.ArrivedAt)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}
	if patch.ArrivalMessage != nil {
		add("arrival_message", *patch.ArrivalMessage)
	}
	if patch.CancelledBy != nil {
		add("cancelled_by", *patch.CancelledBy)
	}
	return sets, args, nil
}

func ownerColumn(role user.Role) (string, error) {
	switch role {
	case user.RoleRider:
		return "rider_id", nil
	case user.RoleDriver:
		return "driver_id", nil
	}
	return "", user.ErrInvalidRole
}

func statusStrings(statuses []trip.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// encodeLocation returns a JSON string for jsonb columns, or nil for NULL.
// lib/pq sends []byte as bytea, which does not cast to jsonb.
func encodeLocation(loc *trip.Location) (any, error) {
	if loc == nil {
		return nil, nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode location: %w", err)
	}
	return string(b), nil
}

func decodeLocation(b []byte) (*trip.Location, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var loc trip.Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &loc, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
