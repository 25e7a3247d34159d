package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/geo"
)

const schema = `
CREATE TABLE IF NOT EXISTS parking_spots (
	id         BIGSERIAL PRIMARY KEY,
	lat        DOUBLE PRECISION NOT NULL,
	lng        DOUBLE PRECISION NOT NULL,
	address    VARCHAR(200) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS parking_spots_lat_lng_idx ON parking_spots (lat, lng);
CREATE TABLE IF NOT EXISTS parking_reservations (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	spot_id    BIGINT REFERENCES parking_spots (id) ON DELETE SET NULL,
	start_ts   TIMESTAMPTZ NOT NULL,
	end_ts     TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CHECK (end_ts > start_ts)
);
CREATE INDEX IF NOT EXISTS parking_reservations_spot_idx ON parking_reservations (spot_id, start_ts, end_ts);
CREATE INDEX IF NOT EXISTS parking_reservations_user_idx ON parking_reservations (user_id);
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresRepository stores spots and reservations in PostgreSQL. When an
// outbox topic is configured every admitted reservation also writes a
// ReservationCreated event to the outbox table in the same transaction.
type PostgresRepository struct {
	db          *sql.DB
	outboxTopic string
}

func NewPostgresRepository(db *sql.DB, outboxTopic string) *PostgresRepository {
	return &PostgresRepository{db: db, outboxTopic: outboxTopic}
}

// Migrate creates the tables when missing.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresRepository) CreateSpot(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO parking_spots (lat, lng, address) VALUES ($1, $2, $3) RETURNING id, created_at`,
		spot.Location.Lat, spot.Location.Lng, spot.Address)
	if err := row.Scan(&spot.ID, &spot.CreatedAt); err != nil {
		return domain.Spot{}, fmt.Errorf("insert spot: %w", err)
	}
	return spot, nil
}

func (p *PostgresRepository) GetSpot(ctx context.Context, id int64) (domain.Spot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, lat, lng, address, created_at FROM parking_spots WHERE id = $1`, id)
	spot, err := scanSpot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Spot{}, domain.ErrSpotNotFound
	}
	if err != nil {
		return domain.Spot{}, fmt.Errorf("select spot: %w", err)
	}
	return spot, nil
}

func (p *PostgresRepository) GetSpots(ctx context.Context, ids []int64) ([]domain.Spot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, lat, lng, address, created_at FROM parking_spots WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("select spots: %w", err)
	}
	return collectSpots(rows)
}

// ListSpots returns every spot, used to rebuild external indexes.
func (p *PostgresRepository) ListSpots(ctx context.Context) ([]domain.Spot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, lat, lng, address, created_at FROM parking_spots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list spots: %w", err)
	}
	return collectSpots(rows)
}

// DeleteSpot removes the spot; the foreign key nulls spot_id on its
// reservations.
func (p *PostgresRepository) DeleteSpot(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM parking_spots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete spot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete spot: %w", err)
	}
	if n == 0 {
		return domain.ErrSpotNotFound
	}
	return nil
}

// CandidatesWithin selects spots inside the bounding box of the circle.
func (p *PostgresRepository) CandidatesWithin(ctx context.Context, center domain.GeoPoint, radiusMeters float64) ([]domain.Spot, error) {
	box := geo.BoundingBox(center, radiusMeters)
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, lat, lng, address, created_at FROM parking_spots
		 WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4 ORDER BY id`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return collectSpots(rows)
}

// CreateReservation locks the spot row, checks for an overlapping
// reservation and inserts in one transaction. Concurrent admissions for the
// same spot queue on the row lock.
func (p *PostgresRepository) CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM parking_spots WHERE id = $1 FOR UPDATE`, r.SpotID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrSpotNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("lock spot: %w", err)
	}

	var overlapping bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM parking_reservations WHERE spot_id = $1 AND start_ts < $3 AND end_ts > $2)`,
		r.SpotID, r.Start, r.End).Scan(&overlapping)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("check overlap: %w", err)
	}
	if overlapping {
		return domain.Reservation{}, domain.ErrOverlap
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO parking_reservations (user_id, spot_id, start_ts, end_ts, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.UserID, r.SpotID, r.Start, r.End, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if p.outboxTopic != "" {
		payload, err := json.Marshal(domain.NewReservationCreated(r))
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, p.outboxTopic, payload); err != nil {
			return domain.Reservation{}, fmt.Errorf("insert outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, spot_id, start_ts, end_ts, created_at FROM parking_reservations
		 WHERE user_id = $1 ORDER BY start_ts, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()
	var res []domain.Reservation
	for rows.Next() {
		var (
			r      domain.Reservation
			spotID sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &spotID, &r.Start, &r.End, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.SpotID = spotID.Int64
		r.Start, r.End, r.CreatedAt = r.Start.UTC(), r.End.UTC(), r.CreatedAt.UTC()
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return res, nil
}

func (p *PostgresRepository) BusySpots(ctx context.Context, window domain.TimeWindow, spotIDs []int64) (map[int64]struct{}, error) {
	busy := make(map[int64]struct{})
	if len(spotIDs) == 0 {
		return busy, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT spot_id FROM parking_reservations
		 WHERE spot_id = ANY($1) AND start_ts < $3 AND end_ts > $2`,
		spotIDs, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("select busy spots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan busy spot: %w", err)
		}
		busy[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate busy spots: %w", err)
	}
	return busy, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpot(row rowScanner) (domain.Spot, error) {
	var s domain.Spot
	if err := row.Scan(&s.ID, &s.Location.Lat, &s.Location.Lng, &s.Address, &s.CreatedAt); err != nil {
		return domain.Spot{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func collectSpots(rows *sql.Rows) ([]domain.Spot, error) {
	defer rows.Close()
	var spots []domain.Spot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spot: %w", err)
		}
		spots = append(spots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spots: %w", err)
	}
	return spots, nil
}
