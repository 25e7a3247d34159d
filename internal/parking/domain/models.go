package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MaxAddressLength mirrors the width of the address column.
const MaxAddressLength = 200

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Spot struct {
	ID        int64
	Location  GeoPoint
	Address   string
	CreatedAt time.Time
}

// Reservation is a user's claim on a spot for [Start, End). SpotID is zero
// once the referenced spot has been deleted.
type Reservation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	SpotID    int64     `json:"spot_id"`
	Start     time.Time `json:"start_ts"`
	End       time.Time `json:"end_ts"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Reservation) Window() TimeWindow {
	return TimeWindow{Start: r.Start, End: r.End}
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window has a positive duration.
func (w TimeWindow) Valid() bool {
	return w.End.After(w.Start)
}

// Overlaps reports whether the two windows share at least one instant.
// Touching endpoints do not overlap.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

func (w TimeWindow) UTC() TimeWindow {
	return TimeWindow{Start: w.Start.UTC(), End: w.End.UTC()}
}

type ReservationEventType string

const (
	EventReservationCreated ReservationEventType = "ReservationCreated"
)

type ReservationEvent struct {
	ID          uuid.UUID            `json:"id"`
	Type        ReservationEventType `json:"type"`
	Reservation Reservation          `json:"reservation"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

func NewReservationCreated(r Reservation) ReservationEvent {
	return ReservationEvent{
		ID:          uuid.New(),
		Type:        EventReservationCreated,
		Reservation: r,
		OccurredAt:  r.CreatedAt,
	}
}

// SpotRepository persists parking spots. CandidatesWithin may return a
// superset of the spots inside the radius; callers apply the exact distance
// check.
type SpotRepository interface {
	CreateSpot(ctx context.Context, spot Spot) (Spot, error)
	GetSpot(ctx context.Context, id int64) (Spot, error)
	GetSpots(ctx context.Context, ids []int64) ([]Spot, error)
	CandidatesWithin(ctx context.Context, center GeoPoint, radiusMeters float64) ([]Spot, error)
	// DeleteSpot removes the spot. Its reservations are kept with SpotID 0.
	DeleteSpot(ctx context.Context, id int64) error
}

// ReservationRepository persists reservations. CreateReservation must check
// for an overlapping reservation on the same spot and insert as one atomic
// step, returning ErrOverlap when the window is taken.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, r Reservation) (Reservation, error)
	ListByUser(ctx context.Context, userID int64) ([]Reservation, error)
	BusySpots(ctx context.Context, window TimeWindow, spotIDs []int64) (map[int64]struct{}, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// SpotLocker serializes admissions per spot. The returned function releases
// the lock.
type SpotLocker interface {
	Lock(ctx context.Context, spotID int64) (func(), error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event ReservationEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
