package geoindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/parkspot/internal/parking/domain"
)

// radiusSlack widens the Redis query so its distance model never drops a
// spot the exact check would keep.
const radiusSlack = 1.01

// MaxLatitude is the largest absolute latitude Redis GEO commands accept.
const MaxLatitude = 85.05112878

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisGeoIndex wraps a SpotRepository and mirrors spot locations into a
// Redis GEO set. Radius candidates come from GEORADIUS; all other calls go to
// the wrapped repository.
type RedisGeoIndex struct {
	domain.SpotRepository
	client redis.Cmdable
	key    string
	logger *zap.Logger
}

// NewRedisGeoIndex constructs a Redis-backed geo index.
func NewRedisGeoIndex(spots domain.SpotRepository, client redis.Cmdable, key string, logger *zap.Logger) *RedisGeoIndex {
	if key == "" {
		key = "parking:spots:locs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGeoIndex{SpotRepository: spots, client: client, key: key, logger: logger}
}

// CreateSpot stores the spot and indexes its location. A spot that cannot be
// indexed is removed again so storage and index stay in step.
func (r *RedisGeoIndex) CreateSpot(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	if !Indexable(spot.Location) {
		return domain.Spot{}, domain.NewError(domain.KindInvalidArgument,
			fmt.Sprintf("lat must be within [-%v, %v]", MaxLatitude, MaxLatitude))
	}
	created, err := r.SpotRepository.CreateSpot(ctx, spot)
	if err != nil {
		return domain.Spot{}, err
	}
	if err := r.add(ctx, created); err != nil {
		if delErr := r.SpotRepository.DeleteSpot(context.WithoutCancel(ctx), created.ID); delErr != nil {
			r.logger.Error("orphaned spot after geoadd failure",
				zap.Int64("spot_id", created.ID), zap.Error(delErr))
		}
		return domain.Spot{}, err
	}
	return created, nil
}

// DeleteSpot removes the spot from storage and from the index.
func (r *RedisGeoIndex) DeleteSpot(ctx context.Context, id int64) error {
	if err := r.SpotRepository.DeleteSpot(ctx, id); err != nil {
		return err
	}
	if err := r.client.ZRem(ctx, r.key, strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Sync indexes spots that already exist in the wrapped repository and
// returns how many were indexed. Spots Redis cannot index are logged and
// skipped.
func (r *RedisGeoIndex) Sync(ctx context.Context, spots []domain.Spot) (int, error) {
	indexed := 0
	for _, spot := range spots {
		if !Indexable(spot.Location) {
			r.logger.Warn("spot outside geo index range",
				zap.Int64("spot_id", spot.ID), zap.Float64("lat", spot.Location.Lat))
			continue
		}
		if err := r.add(ctx, spot); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// Indexable reports whether Redis GEO can store the point.
func Indexable(p domain.GeoPoint) bool {
	return p.Lat >= -MaxLatitude && p.Lat <= MaxLatitude
}

// CandidatesWithin returns spots near the point sorted by distance.
func (r *RedisGeoIndex) CandidatesWithin(ctx context.Context, center domain.GeoPoint, radiusMeters float64) ([]domain.Spot, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis geo index not configured")
	}

	results, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusMeters*radiusSlack + 1,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	ids := make([]int64, 0, len(results))
	for _, res := range results {
		id, err := strconv.ParseInt(res.Name, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.SpotRepository.GetSpots(ctx, ids)
}

func (r *RedisGeoIndex) add(ctx context.Context, spot domain.Spot) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      strconv.FormatInt(spot.ID, 10),
		Longitude: spot.Location.Lng,
		Latitude:  spot.Location.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}
