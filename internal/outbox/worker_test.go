package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/repository"
)

const subject = "reservation.events"

func TestWorkerRelaysAdmittedReservations(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	reservation := admitReservation(t, ctx, db)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected reservation event")
	case msg := <-msgCh:
		var event domain.ReservationEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		require.Equal(t, domain.EventReservationCreated, event.Type)
		require.Equal(t, reservation.ID, event.Reservation.ID)
		require.Equal(t, string(domain.EventReservationCreated), msg.Header.Get("x-event-type"))
		require.Equal(t, "outbox-1", msg.Header.Get(nats.MsgIdHdr))
	}

	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	admitReservation(t, ctx, db)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)

	flaky := &flakyPublisher{base: nc, failFor: 3}
	worker := NewWorker(db, flaky, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})

	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(15 * time.Second):
		t.Fatal("expected retry publish")
	case <-msgCh:
	}

	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&flaky.failFor))
}

func TestWorkerKeepsRowsAfterExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	admitReservation(t, ctx, db)

	worker := NewWorker(db, &flakyPublisher{failFor: 100}, zap.NewNop(), WorkerConfig{RetryMax: 2})
	n, err := worker.processOnce(ctx)
	require.Error(t, err)
	require.Zero(t, n)
	require.False(t, published(t, ctx, db, 1))
}

func TestWorkerRequiresDependencies(t *testing.T) {
	require.Error(t, NewWorker(nil, nil, nil, WorkerConfig{}).Run(context.Background()))
}

func TestEventTypeOf(t *testing.T) {
	require.Equal(t, "ReservationCreated", eventTypeOf([]byte(`{"type":"ReservationCreated"}`)))
	require.Empty(t, eventTypeOf([]byte(`not json`)))
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func admitReservation(t *testing.T, ctx context.Context, db *sql.DB) domain.Reservation {
	t.Helper()
	repo := repository.NewPostgresRepository(db, subject)
	require.NoError(t, repo.Migrate(ctx))
	spot, err := repo.CreateSpot(ctx, domain.Spot{Location: domain.GeoPoint{Lat: 37.781533, Lng: -122.39661}, Address: "Townsend St"})
	require.NoError(t, err)
	start := time.Date(2018, 10, 3, 19, 0, 0, 0, time.UTC)
	r, err := repo.CreateReservation(ctx, domain.Reservation{UserID: 1, SpotID: spot.ID, Start: start, End: start.Add(time.Hour), CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	return r
}

func published(t *testing.T, ctx context.Context, db *sql.DB, id int64) bool {
	var ok bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT published FROM outbox WHERE id = $1`, id).Scan(&ok))
	return ok
}

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("parkspot"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}
