package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/spotlock"
)

// Scheduler admits reservations, keeping reservations on one spot free of
// overlap.
type Scheduler struct {
	spots        domain.SpotRepository
	reservations domain.ReservationRepository
	locker       domain.SpotLocker
	events       domain.EventPublisher
	clock        domain.Clock
	idempotent   domain.IdempotencyRepository
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewScheduler constructs a Scheduler. events and idem may be nil; a nil
// locker falls back to an in-process keyed lock.
func NewScheduler(spots domain.SpotRepository, reservations domain.ReservationRepository, locker domain.SpotLocker, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger) *Scheduler {
	if locker == nil {
		locker = spotlock.NewKeyedLocker(spotlock.DefaultTimeout)
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		spots:        spots,
		reservations: reservations,
		locker:       locker,
		events:       events,
		clock:        clock,
		idempotent:   idem,
		logger:       logger,
		tracer:       otel.Tracer("parking.scheduler"),
	}
}

// ReserveRequest contains the request payload for reserving a spot.
type ReserveRequest struct {
	UserID int64
	SpotID int64
	Start  time.Time
	End    time.Time
}

// ReservationResult returns the admitted reservation with the spot it holds.
type ReservationResult struct {
	Spot        domain.Spot        `json:"spot"`
	Reservation domain.Reservation `json:"reservation"`
}

// Reserve validates the request and admits it when the window is free. The
// checks run in order: spot exists, end after start, start not in the past,
// no overlap. A non-empty key returns the cached result of an earlier
// successful call with the same key.
func (s *Scheduler) Reserve(ctx context.Context, key string, req ReserveRequest) (ReservationResult, error) {
	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var res ReservationResult
			if err := json.Unmarshal(cached, &res); err == nil {
				return res, nil
			}
		}
	}

	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.reserve", trace.WithAttributes(
		attribute.Int64("spot.id", req.SpotID),
		attribute.Int64("user.id", req.UserID),
	))
	defer span.End()

	res, err := s.admit(ctx, req)
	result := "admitted"
	if err != nil {
		result = string(domain.KindOf(err))
		span.RecordError(err)
	}
	admissionsTotal.WithLabelValues(result).Inc()
	admissionDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	if err != nil {
		s.logger.Info("reservation rejected",
			zap.Int64("spot_id", req.SpotID),
			zap.Int64("user_id", req.UserID),
			zap.String("kind", result),
			zap.Error(err))
		return ReservationResult{}, err
	}

	s.logger.Info("reservation admitted",
		zap.Int64("reservation_id", res.Reservation.ID),
		zap.Int64("spot_id", res.Spot.ID),
		zap.Int64("user_id", res.Reservation.UserID))

	if s.events != nil {
		if err := s.events.Publish(ctx, domain.NewReservationCreated(res.Reservation)); err != nil {
			s.logger.Warn("publish reservation event", zap.Error(err), zap.Int64("reservation_id", res.Reservation.ID))
		}
	}

	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(res); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	return res, nil
}

func (s *Scheduler) admit(ctx context.Context, req ReserveRequest) (ReservationResult, error) {
	spot, err := s.spots.GetSpot(ctx, req.SpotID)
	if errors.Is(err, domain.ErrSpotNotFound) {
		return ReservationResult{}, domain.WrapError(domain.KindNotFound, "Parking spot not available.", err)
	}
	if err != nil {
		return ReservationResult{}, domain.WrapError(domain.KindStoreUnavailable, "spot lookup failed", err)
	}

	window := domain.TimeWindow{Start: req.Start, End: req.End}.UTC()
	if !window.Valid() {
		return ReservationResult{}, domain.NewError(domain.KindInvalidInterval, "end_ts must be after start_ts")
	}
	now := s.clock.Now().UTC()
	if window.Start.Before(now) {
		return ReservationResult{}, domain.NewError(domain.KindInvalidInterval, "start_ts is in the past")
	}

	unlock, err := s.locker.Lock(ctx, spot.ID)
	if err != nil {
		return ReservationResult{}, domain.WrapError(domain.KindStoreUnavailable, "spot is busy, try again", err)
	}
	defer unlock()

	created, err := s.reservations.CreateReservation(ctx, domain.Reservation{
		UserID:    req.UserID,
		SpotID:    spot.ID,
		Start:     window.Start,
		End:       window.End,
		CreatedAt: now,
	})
	switch {
	case errors.Is(err, domain.ErrOverlap):
		return ReservationResult{}, domain.WrapError(domain.KindConflict, "Reservation not available.", err)
	case errors.Is(err, domain.ErrSpotNotFound):
		return ReservationResult{}, domain.WrapError(domain.KindNotFound, "Parking spot not available.", err)
	case err != nil:
		return ReservationResult{}, domain.WrapError(domain.KindStoreUnavailable, "create reservation failed", err)
	}
	return ReservationResult{Spot: spot, Reservation: created}, nil
}

// ListReservations returns every reservation held by the user.
func (s *Scheduler) ListReservations(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	res, err := s.reservations.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list reservations failed", err)
	}
	return res, nil
}

// BusySpots is the availability predicate consulted by SpotIndex.
func (s *Scheduler) BusySpots(ctx context.Context, window domain.TimeWindow, spotIDs []int64) (map[int64]struct{}, error) {
	busy, err := s.reservations.BusySpots(ctx, window, spotIDs)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "availability lookup failed", fmt.Errorf("busy spots: %w", err))
	}
	return busy, nil
}
