package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/geo"
)

// Availability reports which of the given spots hold a reservation that
// overlaps the window.
type Availability interface {
	BusySpots(ctx context.Context, window domain.TimeWindow, spotIDs []int64) (map[int64]struct{}, error)
}

// SpotIndex answers proximity searches over stored parking spots.
type SpotIndex struct {
	spots        domain.SpotRepository
	availability Availability
	clock        domain.Clock
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewSpotIndex constructs a SpotIndex. availability may be nil when window
// filtering is not needed.
func NewSpotIndex(spots domain.SpotRepository, availability Availability, clock domain.Clock, logger *zap.Logger) *SpotIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &SpotIndex{
		spots:        spots,
		availability: availability,
		clock:        clock,
		logger:       logger,
		tracer:       otel.Tracer("parking.spotindex"),
	}
}

// NearbyQuery describes a proximity search. Window is optional.
type NearbyQuery struct {
	Center       domain.GeoPoint
	RadiusMeters float64
	Offset       int
	PageSize     int
	Window       *domain.TimeWindow
}

type SpotHit struct {
	Spot           domain.Spot
	DistanceMeters float64
}

// NearbyResult carries the page of matches and the total before paging.
type NearbyResult struct {
	Total  int
	Offset int
	Spots  []SpotHit
}

// FindNearby returns spots within the radius ordered by distance, then id.
// With a window only spots free for all of it are returned.
func (s *SpotIndex) FindNearby(ctx context.Context, q NearbyQuery) (NearbyResult, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "spotindex.find_nearby")
	defer span.End()

	if err := validateQuery(q); err != nil {
		return NearbyResult{}, err
	}
	filtered := q.Window != nil
	defer func() {
		searchDuration.WithLabelValues(strconv.FormatBool(filtered)).Observe(time.Since(started).Seconds())
	}()

	candidates, err := s.spots.CandidatesWithin(ctx, q.Center, q.RadiusMeters)
	if err != nil {
		return NearbyResult{}, domain.WrapError(domain.KindStoreUnavailable, "spot lookup failed", err)
	}

	hits := make([]SpotHit, 0, len(candidates))
	for _, spot := range candidates {
		d := geo.Distance(q.Center, spot.Location)
		if d <= q.RadiusMeters {
			hits = append(hits, SpotHit{Spot: spot, DistanceMeters: d})
		}
	}

	if filtered && len(hits) > 0 {
		if s.availability == nil {
			return NearbyResult{}, domain.NewError(domain.KindStoreUnavailable, "availability filter not configured")
		}
		ids := make([]int64, len(hits))
		for i, h := range hits {
			ids[i] = h.Spot.ID
		}
		busy, err := s.availability.BusySpots(ctx, q.Window.UTC(), ids)
		if err != nil {
			return NearbyResult{}, storeError("availability lookup failed", err)
		}
		free := hits[:0]
		for _, h := range hits {
			if _, taken := busy[h.Spot.ID]; !taken {
				free = append(free, h)
			}
		}
		hits = free
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].Spot.ID < hits[j].Spot.ID
	})

	total := len(hits)
	span.SetAttributes(attribute.Int("spots.total", total), attribute.Bool("spots.filtered", filtered))
	s.logger.Debug("nearby search",
		zap.Float64("lat", q.Center.Lat),
		zap.Float64("lng", q.Center.Lng),
		zap.Float64("radius_m", q.RadiusMeters),
		zap.Bool("filtered", filtered),
		zap.Int("total", total))

	start := min(q.Offset, total)
	end := total
	if q.PageSize < total-start {
		end = start + q.PageSize
	}
	return NearbyResult{Total: total, Offset: q.Offset, Spots: append([]SpotHit(nil), hits[start:end]...)}, nil
}

// CreateSpot validates and stores a new spot.
func (s *SpotIndex) CreateSpot(ctx context.Context, location domain.GeoPoint, address string) (domain.Spot, error) {
	if !geo.ValidPoint(location) {
		return domain.Spot{}, domain.NewError(domain.KindInvalidArgument, "lat/lng must be finite coordinates in range")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.Spot{}, domain.NewError(domain.KindInvalidArgument, "address is required")
	}
	if len(address) > domain.MaxAddressLength {
		return domain.Spot{}, domain.NewError(domain.KindInvalidArgument, "address is too long")
	}
	spot, err := s.spots.CreateSpot(ctx, domain.Spot{Location: location, Address: address, CreatedAt: s.clock.Now()})
	if err != nil {
		return domain.Spot{}, storeError("create spot failed", err)
	}
	s.logger.Info("spot created", zap.Int64("spot_id", spot.ID))
	return spot, nil
}

// GetSpot retrieves a spot by identifier.
func (s *SpotIndex) GetSpot(ctx context.Context, id int64) (domain.Spot, error) {
	spot, err := s.spots.GetSpot(ctx, id)
	if errors.Is(err, domain.ErrSpotNotFound) {
		return domain.Spot{}, domain.WrapError(domain.KindNotFound, "Parking spot not available.", err)
	}
	if err != nil {
		return domain.Spot{}, domain.WrapError(domain.KindStoreUnavailable, "spot lookup failed", err)
	}
	return spot, nil
}

func validateQuery(q NearbyQuery) error {
	if !geo.ValidPoint(q.Center) {
		return domain.NewError(domain.KindInvalidArgument, "lat/lng must be finite coordinates in range")
	}
	if math.IsNaN(q.RadiusMeters) || math.IsInf(q.RadiusMeters, 0) || q.RadiusMeters < 0 {
		return domain.NewError(domain.KindInvalidArgument, "radius must be a non-negative number")
	}
	if q.Offset < 0 || q.PageSize < 0 {
		return domain.NewError(domain.KindInvalidArgument, "offset and pagesize must be non-negative")
	}
	if q.Window != nil && !q.Window.Valid() {
		return domain.NewError(domain.KindInvalidArgument, "end_ts must be after start_ts")
	}
	return nil
}

// storeError keeps the kind of an already classified error and reports
// anything else as StoreUnavailable.
func storeError(message string, err error) error {
	var kinded *domain.Error
	if errors.As(err, &kinded) {
		return err
	}
	return domain.WrapError(domain.KindStoreUnavailable, message, err)
}
