package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/geo"
)

// MemoryRepository provides an in-memory implementation of both spot and
// reservation storage, suitable for tests and local demos.
type MemoryRepository struct {
	mu           sync.RWMutex
	spots        map[int64]domain.Spot
	order        []int64
	reservations map[int64][]domain.Reservation
	byUser       map[int64][]domain.Reservation
	nextSpotID   int64
	nextResID    int64
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		spots:        make(map[int64]domain.Spot),
		reservations: make(map[int64][]domain.Reservation),
		byUser:       make(map[int64][]domain.Reservation),
	}
}

// CreateSpot stores the spot under a fresh identifier.
func (m *MemoryRepository) CreateSpot(_ context.Context, spot domain.Spot) (domain.Spot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSpotID++
	spot.ID = m.nextSpotID
	m.spots[spot.ID] = spot
	m.order = append(m.order, spot.ID)
	return spot, nil
}

// GetSpot retrieves a spot.
func (m *MemoryRepository) GetSpot(_ context.Context, id int64) (domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spot, ok := m.spots[id]
	if !ok {
		return domain.Spot{}, domain.ErrSpotNotFound
	}
	return spot, nil
}

// GetSpots returns the known spots among ids, skipping unknown ones.
func (m *MemoryRepository) GetSpots(_ context.Context, ids []int64) ([]domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Spot, 0, len(ids))
	for _, id := range ids {
		if spot, ok := m.spots[id]; ok {
			res = append(res, spot)
		}
	}
	return res, nil
}

// DeleteSpot removes the spot and detaches its reservations.
func (m *MemoryRepository) DeleteSpot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spots[id]; !ok {
		return domain.ErrSpotNotFound
	}
	delete(m.spots, id)
	delete(m.reservations, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for user, list := range m.byUser {
		for i := range list {
			if list[i].SpotID == id {
				list[i].SpotID = 0
			}
		}
		m.byUser[user] = list
	}
	return nil
}

// CandidatesWithin returns spots inside the bounding box of the search circle.
func (m *MemoryRepository) CandidatesWithin(_ context.Context, center domain.GeoPoint, radiusMeters float64) ([]domain.Spot, error) {
	box := geo.BoundingBox(center, radiusMeters)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Spot
	for _, id := range m.order {
		spot := m.spots[id]
		if box.Contains(spot.Location) {
			res = append(res, spot)
		}
	}
	return res, nil
}

// CreateReservation checks the spot's reservations for overlap and inserts
// under the same write lock.
func (m *MemoryRepository) CreateReservation(_ context.Context, r domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spots[r.SpotID]; !ok {
		return domain.Reservation{}, domain.ErrSpotNotFound
	}
	window := r.Window()
	for _, existing := range m.reservations[r.SpotID] {
		if existing.Window().Overlaps(window) {
			return domain.Reservation{}, domain.ErrOverlap
		}
	}
	m.nextResID++
	r.ID = m.nextResID
	m.reservations[r.SpotID] = append(m.reservations[r.SpotID], r)
	m.byUser[r.UserID] = append(m.byUser[r.UserID], r)
	return r, nil
}

// ListByUser returns the user's reservations ordered by start time.
func (m *MemoryRepository) ListByUser(_ context.Context, userID int64) ([]domain.Reservation, error) {
	m.mu.RLock()
	res := append([]domain.Reservation(nil), m.byUser[userID]...)
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Start.Equal(res[j].Start) {
			return res[i].Start.Before(res[j].Start)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// BusySpots returns the spots among spotIDs with a reservation overlapping window.
func (m *MemoryRepository) BusySpots(_ context.Context, window domain.TimeWindow, spotIDs []int64) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	busy := make(map[int64]struct{})
	for _, id := range spotIDs {
		for _, existing := range m.reservations[id] {
			if existing.Window().Overlaps(window) {
				busy[id] = struct{}{}
				break
			}
		}
	}
	return busy, nil
}
