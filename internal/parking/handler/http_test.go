package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/parkspot/internal/auth"
	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/handler"
	"github.com/example/parkspot/internal/parking/repository"
	"github.com/example/parkspot/internal/parking/service"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var now = time.Date(2018, 10, 3, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*httptest.Server, domain.Spot) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	scheduler := service.NewScheduler(repo, repo, nil, nil, stubClock{t: now}, repository.NewMemoryIdempotencyRepo(), nil)
	index := service.NewSpotIndex(repo, scheduler, stubClock{t: now}, nil)
	spot, err := index.CreateSpot(context.Background(), domain.GeoPoint{Lat: 37.781533, Lng: -122.39661}, "Townsend St")
	require.NoError(t, err)

	srv := httptest.NewServer(handler.NewHTTP(index, scheduler, nil).Router())
	t.Cleanup(srv.Close)
	return srv, spot
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func reserve(t *testing.T, srv *httptest.Server, body string, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/parking_spots/reserve", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAvailableEmpty(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/v1/parking_spots/available?lat=1&lng=2&radius=3")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	require.Equal(t, map[string]any{"offset": float64(0), "page_size": float64(0), "total": float64(0)}, body["hits"])
	require.Empty(t, body["result"])
}

func TestAvailableFindsSpot(t *testing.T) {
	srv, spot := newServer(t)
	resp, err := http.Get(srv.URL + "/v1/parking_spots/available?lat=37.7815&lng=-122.3966&radius=100")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	result := body["result"].([]any)
	require.Len(t, result, 1)
	first := result[0].(map[string]any)
	require.Equal(t, float64(spot.ID), first["id"])
	require.Equal(t, 37.781533, first["lat"])
	require.Equal(t, -122.39661, first["lng"])
	require.Equal(t, "Townsend St", first["address"])
}

func TestAvailableValidation(t *testing.T) {
	srv, _ := newServer(t)
	for _, query := range []string{
		"lng=2&radius=3",
		"lat=x&lng=2&radius=3",
		"lat=1&lng=2&radius=-3",
		"lat=1&lng=2&radius=3&offset=-1",
		"lat=1&lng=2&radius=3&start_ts=2018-10-03T19:00:00Z",
		"lat=1&lng=2&radius=3&start_ts=soon&end_ts=later",
	} {
		resp, err := http.Get(srv.URL + "/v1/parking_spots/available?" + query)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		require.Contains(t, decode(t, resp), "exception")
	}
}

func TestAvailableWindowFilter(t *testing.T) {
	srv, spot := newServer(t)
	resp := reserve(t, srv, fmt.Sprintf(`{"user_id":1,"parkingspot_id":%d,"start_ts":"2018-10-03T19:00:00Z","end_ts":"2018-10-03T20:00:00Z"}`, spot.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/parking_spots/available?lat=37.781533&lng=-122.39661&radius=10&start_ts=2018-10-03T19:30:00Z&end_ts=2018-10-03T21:00:00Z")
	require.NoError(t, err)
	body := decode(t, resp)
	require.Empty(t, body["result"])

	resp, err = http.Get(srv.URL + "/v1/parking_spots/available?lat=37.781533&lng=-122.39661&radius=10&start_ts=2018-10-03T20:00:00Z&end_ts=2018-10-03T21:00:00Z")
	require.NoError(t, err)
	body = decode(t, resp)
	require.Len(t, body["result"], 1)
}

func TestReserveStatusMapping(t *testing.T) {
	srv, spot := newServer(t)

	resp := reserve(t, srv, fmt.Sprintf(`{"user_id":1,"parkingspot_id":%d,"start_ts":"2018-10-03T19:00:00Z","end_ts":"2018-10-03T20:00:00Z"}`, spot.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	require.Equal(t, "Townsend St", body["parkingspot"].(map[string]any)["address"])
	created := body["parkingspot_reservation"].(map[string]any)
	require.Equal(t, float64(1), created["user_id"])
	require.Equal(t, float64(spot.ID), created["parkingspot"])
	require.Equal(t, "2018-10-03T19:00:00Z", created["start_ts"])
	require.Equal(t, "2018-10-03T12:00:00Z", created["create_date"])

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"conflict", fmt.Sprintf(`{"user_id":2,"parkingspot_id":%d,"start_ts":"2018-10-03T18:30:00Z","end_ts":"2018-10-03T19:30:00Z"}`, spot.ID), http.StatusNotFound},
		{"unknown spot", `{"user_id":2,"parkingspot_id":999,"start_ts":"2018-10-03T22:00:00Z","end_ts":"2018-10-03T23:00:00Z"}`, http.StatusNotFound},
		{"reversed", fmt.Sprintf(`{"user_id":2,"parkingspot_id":%d,"start_ts":"2018-10-03T23:00:00Z","end_ts":"2018-10-03T22:00:00Z"}`, spot.ID), http.StatusBadRequest},
		{"past", fmt.Sprintf(`{"user_id":2,"parkingspot_id":%d,"start_ts":"2018-10-02T22:00:00Z","end_ts":"2018-10-02T23:00:00Z"}`, spot.ID), http.StatusBadRequest},
		{"missing user", fmt.Sprintf(`{"parkingspot_id":%d,"start_ts":"2018-10-03T22:00:00Z","end_ts":"2018-10-03T23:00:00Z"}`, spot.ID), http.StatusBadRequest},
		{"bad timestamp", fmt.Sprintf(`{"user_id":2,"parkingspot_id":%d,"start_ts":"tonight","end_ts":"2018-10-03T23:00:00Z"}`, spot.ID), http.StatusBadRequest},
		{"reversed on unknown spot", `{"user_id":2,"parkingspot_id":999,"start_ts":"2018-10-03T23:00:00Z","end_ts":"2018-10-03T22:00:00Z"}`, http.StatusNotFound},
		{"bad timestamp on unknown spot", `{"user_id":2,"parkingspot_id":999,"start_ts":"tonight","end_ts":"2018-10-03T23:00:00Z"}`, http.StatusBadRequest},
		{"malformed", `{"user_id":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := reserve(t, srv, tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			require.NotEmpty(t, decode(t, resp)["exception"])
		})
	}
}

func TestReserveIdempotencyHeader(t *testing.T) {
	srv, spot := newServer(t)
	body := fmt.Sprintf(`{"user_id":1,"parkingspot_id":%d,"start_ts":"2018-10-03 19:00:00","end_ts":"2018-10-03 20:00:00"}`, spot.ID)

	first := decode(t, reserve(t, srv, body, "Idempotency-Key", "abc"))
	resp := reserve(t, srv, body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode(t, resp)
	require.Equal(t, first["parkingspot_reservation"], second["parkingspot_reservation"])
}

func TestListReservations(t *testing.T) {
	srv, spot := newServer(t)
	resp := reserve(t, srv, fmt.Sprintf(`{"user_id":5,"parkingspot_id":%d,"start_ts":"2018-10-03T19:00:00Z","end_ts":"2018-10-03T20:00:00Z"}`, spot.ID))
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/users/5/reservations")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode(t, resp)["result"], 1)

	resp, err = http.Get(srv.URL + "/v1/users/6/reservations")
	require.NoError(t, err)
	require.Empty(t, decode(t, resp)["result"])

	resp, err = http.Get(srv.URL + "/v1/users/abc/reservations")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateAndGetSpot(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/v1/parking_spots", "application/json", bytes.NewBufferString(`{"lat":37.78,"lng":-122.39,"address":"2nd St"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode(t, resp)

	resp, err = http.Get(fmt.Sprintf("%s/v1/parking_spots/%v", srv.URL, created["id"]))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2nd St", decode(t, resp)["address"])

	resp, err = http.Get(srv.URL + "/v1/parking_spots/999")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/parking_spots", "application/json", bytes.NewBufferString(`{"address":"nowhere"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSpotWritesRequireOperator(t *testing.T) {
	secret := []byte("ops-secret")
	repo := repository.NewMemoryRepository()
	scheduler := service.NewScheduler(repo, repo, nil, nil, stubClock{t: now}, nil, nil)
	index := service.NewSpotIndex(repo, scheduler, stubClock{t: now}, nil)
	h := handler.NewHTTP(index, scheduler, nil).GuardSpotWrites(auth.RequireRole(secret, auth.RoleOperator))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	post := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/parking_spots", bytes.NewBufferString(`{"lat":37.78,"lng":-122.39,"address":"2nd St"}`))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	token, err := auth.IssueToken(secret, "ops-1", auth.RoleOperator, time.Minute)
	require.NoError(t, err)
	resp = post(token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/parking_spots/available?lat=37.78&lng=-122.39&radius=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "searches stay public")
	resp.Body.Close()
}
