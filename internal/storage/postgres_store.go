package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ems-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideCols = `id, number, priority, status, origin_address, origin_lat, origin_lon,
	dest_address, dest_lat, dest_lon, driver_id, vehicle_id, requested_at, assigned_at,
	accepted_at, started_at, arrived_origin_at, onboard_at, arrived_dest_at, completed_at,
	cancelled_at, cancel_reason, cancelled_by, actual_duration_s, notes, created_by, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		r.ID, r.Number, r.Priority, r.Status,
		r.Origin.Address, r.Origin.Lat, r.Origin.Lon,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lon,
		nullStr(r.DriverID), nullStr(r.VehicleID), r.RequestedAt, r.AssignedAt,
		r.AcceptedAt, r.StartedAt, r.ArrivedOriginAt, r.OnboardAt, r.ArrivedDestAt, r.CompletedAt,
		r.CancelledAt, r.CancelReason, r.CancelledBy, int64(r.ActualDuration.Seconds()), r.Notes, r.CreatedBy, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, driver_id=$2, vehicle_id=$3,
		assigned_at=$4, accepted_at=$5, started_at=$6, arrived_origin_at=$7, onboard_at=$8,
		arrived_dest_at=$9, completed_at=$10, cancelled_at=$11, cancel_reason=$12, cancelled_by=$13,
		actual_duration_s=$14, notes=$15, updated_at=$16 WHERE id=$17`,
		r.Status, nullStr(r.DriverID), nullStr(r.VehicleID),
		r.AssignedAt, r.AcceptedAt, r.StartedAt, r.ArrivedOriginAt, r.OnboardAt,
		r.ArrivedDestAt, r.CompletedAt, r.CancelledAt, r.CancelReason, r.CancelledBy,
		int64(r.ActualDuration.Seconds()), r.Notes, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRideNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) PendingUnassigned(ctx context.Context) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE status='pending' AND driver_id IS NULL
		ORDER BY CASE priority WHEN 'emergency' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		requested_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) UpdatedSince(ctx context.Context, t time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides WHERE updated_at > $1 ORDER BY updated_at ASC`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) VehicleBusy(ctx context.Context, vehicleID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rides WHERE vehicle_id=$1 AND status NOT IN ('completed','cancelled')`, vehicleID).Scan(&n)
	return n > 0, err
}

func (p *PostgresStore) NextNumber(ctx context.Context, day time.Time) (string, error) {
	key := day.Format("20060102")
	var n int
	err := p.db.QueryRowContext(ctx, `INSERT INTO ride_sequences(day, counter) VALUES($1, 1)
		ON CONFLICT (day) DO UPDATE SET counter = ride_sequences.counter + 1
		RETURNING counter`, key).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EMS-%s-%04d", key, n), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, vehicleID sql.NullString
	var durS int64
	err := s.Scan(&r.ID, &r.Number, &r.Priority, &r.Status,
		&r.Origin.Address, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&driverID, &vehicleID, &r.RequestedAt, &r.AssignedAt,
		&r.AcceptedAt, &r.StartedAt, &r.ArrivedOriginAt, &r.OnboardAt, &r.ArrivedDestAt, &r.CompletedAt,
		&r.CancelledAt, &r.CancelReason, &r.CancelledBy, &durS, &r.Notes, &r.CreatedBy, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.VehicleID = vehicleID.String
	r.ActualDuration = time.Duration(durS) * time.Second
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
