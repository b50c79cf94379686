package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"watchparty/internal/playback"
)

const notifyChannel = "playback_state"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS playback_states (
		room_id TEXT PRIMARY KEY,
		channel TEXT NOT NULL DEFAULT '',
		is_playing BOOLEAN NOT NULL DEFAULT FALSE,
		time DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (time >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 0
	)`,
	`ALTER TABLE playback_states ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
	`CREATE OR REPLACE FUNCTION notify_playback_state() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('playback_state', row_to_json(NEW)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS playback_states_notify ON playback_states`,
	`CREATE TRIGGER playback_states_notify AFTER INSERT OR UPDATE ON playback_states
		FOR EACH ROW EXECUTE FUNCTION notify_playback_state()`,
}

// Concurrent upserts of a room wait on its row lock, so version increases in
// commit order even though now() is the transaction start time.
const postgresUpsert = `
INSERT INTO playback_states (room_id, channel, is_playing, time, updated_at, version)
VALUES ($1, COALESCE($2::text, ''), COALESCE($3::boolean, FALSE), COALESCE($4::double precision, 0), now(), 1)
ON CONFLICT (room_id) DO UPDATE SET
	channel = COALESCE($2::text, playback_states.channel),
	is_playing = COALESCE($3::boolean, playback_states.is_playing),
	time = COALESCE($4::double precision, playback_states.time),
	updated_at = now(),
	version = playback_states.version + 1
RETURNING room_id, channel, is_playing, time, updated_at, version`

// Postgres stores room states in PostgreSQL and delivers changes through
// LISTEN/NOTIFY, so sessions on different servers see each other's writes.
type Postgres struct {
	*Hub

	pool   *pgxpool.Pool
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenPostgres connects, applies the schema and starts the notification listener.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		Hub:    NewHub(),
		pool:   pool,
		logger: logger.With(slog.String("component", "postgres-listener")),
		cancel: cancel,
	}
	listening := make(chan struct{})
	var once sync.Once
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.listen(listenCtx, func() { once.Do(func() { close(listening) }) })
	}()

	// Writes made before the first LISTEN would never reach subscribers.
	select {
	case <-listening:
		return p, nil
	case <-ctx.Done():
		p.Close()
		return nil, fmt.Errorf("start listener: %w", ctx.Err())
	}
}

func (p *Postgres) Upsert(ctx context.Context, roomID string, patch playback.Patch) (playback.State, error) {
	if err := checkWrite(roomID, patch); err != nil {
		return playback.State{}, err
	}
	row := p.pool.QueryRow(ctx, postgresUpsert, roomID, patch.VideoRef, patch.IsPlaying, patch.Position)
	st, err := scanPGState(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code[:2] == "23" {
			return playback.State{}, &Error{Op: "upsert", RoomID: roomID, Kind: KindConstraint, Err: err}
		}
		return playback.State{}, unavailable("upsert", roomID, err)
	}
	// Subscribers are served by the notification listener.
	return st, nil
}

func (p *Postgres) Get(ctx context.Context, roomID string) (playback.State, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT room_id, channel, is_playing, time, updated_at, version FROM playback_states WHERE room_id = $1`, roomID)
	st, err := scanPGState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return playback.State{}, ErrNotFound
	}
	if err != nil {
		return playback.State{}, unavailable("get", roomID, err)
	}
	return st, nil
}

// Close stops the listener and closes the pool.
func (p *Postgres) Close() error {
	p.cancel()
	p.wg.Wait()
	p.Hub.Close()
	p.pool.Close()
	return nil
}

func (p *Postgres) listen(ctx context.Context, onListening func()) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for {
		err := p.listenOnce(ctx, func() {
			bo.Reset()
			onListening()
		})
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		p.logger.Warn("listener disconnected", slog.String("error", err.Error()), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listenOnce holds one connection until it fails. onConnected runs after
// LISTEN succeeded.
func (p *Postgres) listenOnce(ctx context.Context, onConnected func()) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onConnected()
	p.resyncSubscribed(ctx)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		st, err := decodeNotification(n.Payload)
		if err != nil {
			p.logger.Warn("dropping malformed notification", slog.String("error", err.Error()))
			continue
		}
		p.Broadcast(st)
	}
}

// resyncSubscribed re-delivers the current row of every subscribed room, which
// covers notifications missed while the listener was down.
func (p *Postgres) resyncSubscribed(ctx context.Context) {
	for _, roomID := range p.Rooms() {
		st, err := p.Get(ctx, roomID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			p.logger.Warn("resync after reconnect failed", slog.String("room", roomID), slog.String("error", err.Error()))
			continue
		}
		p.Broadcast(st)
	}
}

type notifyRow struct {
	RoomID    string  `json:"room_id"`
	Channel   string  `json:"channel"`
	IsPlaying bool    `json:"is_playing"`
	Time      float64 `json:"time"`
	UpdatedAt string  `json:"updated_at"`
	Version   int64   `json:"version"`
}

func decodeNotification(payload string) (playback.State, error) {
	var row notifyRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return playback.State{}, fmt.Errorf("decode notification: %w", err)
	}
	if row.RoomID == "" {
		return playback.State{}, errors.New("notification without room id")
	}
	st := playback.State{
		RoomID:    row.RoomID,
		VideoRef:  row.Channel,
		IsPlaying: row.IsPlaying,
		Position:  row.Time,
		Version:   row.Version,
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999-07"} {
		if ts, err := time.Parse(layout, row.UpdatedAt); err == nil {
			st.UpdatedAt = ts.UTC()
			break
		}
	}
	return st, nil
}

func scanPGState(row pgx.Row) (playback.State, error) {
	var st playback.State
	if err := row.Scan(&st.RoomID, &st.VideoRef, &st.IsPlaying, &st.Position, &st.UpdatedAt, &st.Version); err != nil {
		return playback.State{}, err
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}
