package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore keeps the indexed fields in columns and the whole aggregate
// (offers, events, payment, summary) as a JSONB document.
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

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.RideRequest) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, passenger_id, driver_id, status, version, doc, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.PassengerID, nullString(r.DriverID), string(r.Status), r.Version, doc, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == passengerActiveIndex {
		return ErrPassengerActive
	}
	return err
}

const (
	uniqueViolation      = "23505"
	passengerActiveIndex = "rides_passenger_one_active_idx"
)

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	var doc []byte
	var version int
	err := p.db.QueryRowContext(ctx, `SELECT doc, version FROM rides WHERE id=$1`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc, version)
}

func (p *PostgresStore) Update(ctx context.Context, r *models.RideRequest, expectVersion int) error {
	now := time.Now()
	next := r.Clone()
	next.Version = expectVersion + 1
	next.UpdatedAt = now
	doc, err := json.Marshal(next)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, version=version+1, doc=$3, updated_at=$4 WHERE id=$5 AND version=$6`,
		nullString(r.DriverID), string(r.Status), doc, now, r.ID, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, r.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}
	r.Version = next.Version
	r.UpdatedAt = now
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*models.RideRequest, error) {
	return p.list(ctx, `SELECT doc, version FROM rides WHERE status='PENDING' ORDER BY created_at`)
}

func (p *PostgresStore) ListActiveByDriver(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	return p.list(ctx, `SELECT doc, version FROM rides WHERE driver_id=$1 AND status NOT IN ('COMPLETED','CANCELLED') ORDER BY created_at`, driverID)
}

func (p *PostgresStore) HasActiveByPassenger(ctx context.Context, passengerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE passenger_id=$1 AND status NOT IN ('COMPLETED','CANCELLED'))`, passengerID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) list(ctx context.Context, q string, args ...any) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		var doc []byte
		var version int
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		r, err := decode(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decode(doc []byte, version int) (*models.RideRequest, error) {
	var r models.RideRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride: %w", err)
	}
	r.Version = version
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
