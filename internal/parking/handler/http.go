package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/parkspot/internal/auth"
	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/service"
)

const defaultPageSize = 10

// HTTP exposes the parking search and reservation endpoints.
type HTTP struct {
	index     *service.SpotIndex
	scheduler *service.Scheduler
	logger    *zap.Logger
	spotAdmin func(http.Handler) http.Handler
}

// NewHTTP constructs a handler.
func NewHTTP(index *service.SpotIndex, scheduler *service.Scheduler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{index: index, scheduler: scheduler, logger: logger}
}

// GuardSpotWrites wraps spot registration with mw, typically
// auth.RequireRole.
func (h *HTTP) GuardSpotWrites(mw func(http.Handler) http.Handler) *HTTP {
	h.spotAdmin = mw
	return h
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Get("/v1/parking_spots/available", h.available)
	r.Post("/v1/parking_spots/reserve", h.reserve)
	if h.spotAdmin != nil {
		r.With(h.spotAdmin).Post("/v1/parking_spots", h.createSpot)
	} else {
		r.Post("/v1/parking_spots", h.createSpot)
	}
	r.Get("/v1/parking_spots/{id}", h.getSpot)
	r.Get("/v1/users/{user_id}/reservations", h.listReservations)
	return r
}

type spotJSON struct {
	ID      int64   `json:"id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type reservationJSON struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	ParkingSpot *int64    `json:"parkingspot"`
	Start       time.Time `json:"start_ts"`
	End         time.Time `json:"end_ts"`
	CreateDate  time.Time `json:"create_date"`
}

type hitsJSON struct {
	Offset   int `json:"offset"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

type availableResponse struct {
	Hits   hitsJSON   `json:"hits"`
	Result []spotJSON `json:"result"`
}

type reserveRequest struct {
	UserID        *int64 `json:"user_id"`
	ParkingSpotID *int64 `json:"parkingspot_id"`
	StartTS       string `json:"start_ts"`
	EndTS         string `json:"end_ts"`
}

type reserveResponse struct {
	ParkingSpot            spotJSON        `json:"parkingspot"`
	ParkingSpotReservation reservationJSON `json:"parkingspot_reservation"`
}

type createSpotRequest struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
}

func (h *HTTP) available(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := requiredFloat(q.Get("lat"), "lat")
	if err != nil {
		writeError(w, err)
		return
	}
	lng, err := requiredFloat(q.Get("lng"), "lng")
	if err != nil {
		writeError(w, err)
		return
	}
	radius, err := requiredFloat(q.Get("radius"), "radius")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := optionalInt(q.Get("offset"), "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := optionalInt(q.Get("pagesize"), "pagesize", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	query := service.NearbyQuery{
		Center:       domain.GeoPoint{Lat: lat, Lng: lng},
		RadiusMeters: radius,
		Offset:       offset,
		PageSize:     pageSize,
	}
	startRaw, endRaw := q.Get("start_ts"), q.Get("end_ts")
	switch {
	case startRaw != "" && endRaw != "":
		start, err := parseTimestamp(startRaw, "start_ts", domain.KindInvalidArgument)
		if err != nil {
			writeError(w, err)
			return
		}
		end, err := parseTimestamp(endRaw, "end_ts", domain.KindInvalidArgument)
		if err != nil {
			writeError(w, err)
			return
		}
		query.Window = &domain.TimeWindow{Start: start, End: end}
	case startRaw != "" || endRaw != "":
		writeError(w, domain.NewError(domain.KindInvalidArgument, "start_ts and end_ts must be given together"))
		return
	}

	res, err := h.index.FindNearby(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	out := availableResponse{
		Hits:   hitsJSON{Offset: res.Offset, PageSize: len(res.Spots), Total: res.Total},
		Result: make([]spotJSON, 0, len(res.Spots)),
	}
	for _, hit := range res.Spots {
		out.Result = append(out.Result, toSpotJSON(hit.Spot))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) reserve(w http.ResponseWriter, r *http.Request) {
	var payload reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, domain.WrapError(domain.KindInvalidArgument, "invalid request body", err))
		return
	}
	if payload.UserID == nil || payload.ParkingSpotID == nil {
		writeError(w, domain.NewError(domain.KindInvalidArgument, "user_id and parkingspot_id are required"))
		return
	}
	start, err := parseTimestamp(payload.StartTS, "start_ts", domain.KindInvalidInterval)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseTimestamp(payload.EndTS, "end_ts", domain.KindInvalidInterval)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.scheduler.Reserve(r.Context(), r.Header.Get("Idempotency-Key"), service.ReserveRequest{
		UserID: *payload.UserID,
		SpotID: *payload.ParkingSpotID,
		Start:  start,
		End:    end,
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindStoreUnavailable {
			h.logger.Error("reserve failed", zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResponse{
		ParkingSpot:            toSpotJSON(res.Spot),
		ParkingSpotReservation: toReservationJSON(res.Reservation),
	})
}

func (h *HTTP) createSpot(w http.ResponseWriter, r *http.Request) {
	var payload createSpotRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, domain.WrapError(domain.KindInvalidArgument, "invalid request body", err))
		return
	}
	if payload.Lat == nil || payload.Lng == nil {
		writeError(w, domain.NewError(domain.KindInvalidArgument, "lat and lng are required"))
		return
	}
	spot, err := h.index.CreateSpot(r.Context(), domain.GeoPoint{Lat: *payload.Lat, Lng: *payload.Lng}, payload.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		h.logger.Info("spot registered", zap.Int64("spot_id", spot.ID), zap.String("operator", claims.Subject))
	}
	writeJSON(w, http.StatusCreated, toSpotJSON(spot))
}

func (h *HTTP) getSpot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, domain.NewError(domain.KindInvalidArgument, "invalid id"))
		return
	}
	spot, err := h.index.GetSpot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpotJSON(spot))
}

func (h *HTTP) listReservations(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		writeError(w, domain.NewError(domain.KindInvalidArgument, "invalid user_id"))
		return
	}
	reservations, err := h.scheduler.ListReservations(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]reservationJSON, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, toReservationJSON(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func toSpotJSON(s domain.Spot) spotJSON {
	return spotJSON{ID: s.ID, Lat: s.Location.Lat, Lng: s.Location.Lng, Address: s.Address}
}

func toReservationJSON(r domain.Reservation) reservationJSON {
	out := reservationJSON{ID: r.ID, UserID: r.UserID, Start: r.Start, End: r.End, CreateDate: r.CreatedAt}
	if r.SpotID != 0 {
		spotID := r.SpotID
		out.ParkingSpot = &spotID
	}
	return out
}

func requiredFloat(raw, name string) (float64, error) {
	if raw == "" {
		return 0, domain.NewError(domain.KindInvalidArgument, name+" is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, domain.NewError(domain.KindInvalidArgument, name+" must be a number")
	}
	return v, nil
}

func optionalInt(raw, name string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError(domain.KindInvalidArgument, name+" must be an integer")
	}
	return v, nil
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

// parseTimestamp accepts RFC 3339; a timestamp without zone is read as UTC.
func parseTimestamp(raw, name string, kind domain.Kind) (time.Time, error) {
	if raw == "" {
		return time.Time{}, domain.NewError(kind, name+" is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.NewError(kind, fmt.Sprintf("%s must be an ISO-8601 timestamp", name))
}

// statusFor keeps the historical mapping of Conflict to 404.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument, domain.KindInvalidInterval:
		return http.StatusBadRequest
	case domain.KindNotFound, domain.KindConflict:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	var kinded *domain.Error
	message := "internal error"
	if errors.As(err, &kinded) {
		message = kinded.Message
	}
	writeJSON(w, statusFor(domain.KindOf(err)), map[string]string{"exception": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
