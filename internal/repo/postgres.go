package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Postgres is the durable repository used when DATABASE_URL is set.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS realtime_calls (
	call_id         TEXT PRIMARY KEY,
	provider        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	agent_id        TEXT NOT NULL DEFAULT '',
	customer_id     TEXT NOT NULL DEFAULT '',
	risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_speaker    TEXT NOT NULL DEFAULT '',
	last_text       TEXT NOT NULL DEFAULT '',
	metadata        JSONB NOT NULL DEFAULT '{}',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS realtime_events (
	id          BIGSERIAL PRIMARY KEY,
	call_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	speaker     TEXT NOT NULL DEFAULT '',
	text        TEXT NOT NULL DEFAULT '',
	sentiment   DOUBLE PRECISION,
	confidence  DOUBLE PRECISION,
	occurred_at TIMESTAMPTZ NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_realtime_events_call ON realtime_events (call_id, id);

CREATE TABLE IF NOT EXISTS realtime_alerts (
	id              BIGSERIAL PRIMARY KEY,
	call_id         TEXT NOT NULL,
	alert_type      TEXT NOT NULL,
	severity        TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	acknowledged    BOOLEAN NOT NULL DEFAULT false,
	acknowledged_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata        JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_realtime_alerts_call ON realtime_alerts (call_id, created_at DESC);
`

// ConnectPostgres opens the pool, pings, and bootstraps the schema.
func ConnectPostgres(ctx context.Context, databaseURL string, log zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &Postgres{pool: pool, log: log}, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// Pool exposes the underlying pool for scrape-time stats.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) UpsertCall(ctx context.Context, m CallMutation) (*Call, error) {
	occurred := m.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return nil, err
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO realtime_calls (
			call_id, provider, status, agent_id, customer_id,
			risk_score, sentiment_score, last_speaker, last_text,
			metadata, started_at, updated_at
		) VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'active'), $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (call_id) DO UPDATE SET
			provider        = CASE WHEN EXCLUDED.provider    <> '' THEN EXCLUDED.provider    ELSE realtime_calls.provider    END,
			status          = CASE WHEN $3 <> ''              THEN $3                        ELSE realtime_calls.status      END,
			agent_id        = CASE WHEN EXCLUDED.agent_id    <> '' THEN EXCLUDED.agent_id    ELSE realtime_calls.agent_id    END,
			customer_id     = CASE WHEN EXCLUDED.customer_id <> '' THEN EXCLUDED.customer_id ELSE realtime_calls.customer_id END,
			risk_score      = EXCLUDED.risk_score,
			sentiment_score = EXCLUDED.sentiment_score,
			last_speaker    = CASE WHEN EXCLUDED.last_speaker <> '' THEN EXCLUDED.last_speaker ELSE realtime_calls.last_speaker END,
			last_text       = CASE WHEN EXCLUDED.last_text    <> '' THEN EXCLUDED.last_text    ELSE realtime_calls.last_text    END,
			metadata        = realtime_calls.metadata || EXCLUDED.metadata,
			updated_at      = now()
		RETURNING call_id, provider, status, agent_id, customer_id,
			risk_score, sentiment_score, last_speaker, last_text,
			metadata, started_at, updated_at
	`, m.CallID, m.Provider, m.Status, m.AgentID, m.CustomerID,
		m.RiskScore, m.SentimentScore, m.LastSpeaker, TruncateText(m.LastText),
		meta, occurred)

	return scanCall(row)
}

func (p *Postgres) AppendEvent(ctx context.Context, callID string, ev Event) (*Event, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return nil, err
	}

	err = p.pool.QueryRow(ctx, `
		INSERT INTO realtime_events (call_id, event_type, speaker, text, sentiment, confidence, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, callID, ev.Type, ev.Speaker, ev.Text, ev.Sentiment, ev.Confidence, ev.OccurredAt, meta).Scan(&ev.ID)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	ev.CallID = callID
	return &ev, nil
}

func (p *Postgres) AppendAlert(ctx context.Context, a Alert) (*Alert, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMeta(a.Metadata)
	if err != nil {
		return nil, err
	}

	err = p.pool.QueryRow(ctx, `
		INSERT INTO realtime_alerts (call_id, alert_type, severity, message, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, a.CallID, a.Type, a.Severity, a.Message, a.CreatedAt, meta).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return &a, nil
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (*Call, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT call_id, provider, status, agent_id, customer_id,
			risk_score, sentiment_score, last_speaker, last_text,
			metadata, started_at, updated_at
		FROM realtime_calls WHERE call_id = $1
	`, callID)
	call, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func (p *Postgres) RecentEvents(ctx context.Context, callID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, call_id, event_type, speaker, text, sentiment, confidence, occurred_at, metadata
		FROM (
			SELECT * FROM realtime_events WHERE call_id = $1 ORDER BY id DESC LIMIT $2
		) latest ORDER BY id ASC
	`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.CallID, &ev.Type, &ev.Speaker, &ev.Text,
			&ev.Sentiment, &ev.Confidence, &ev.OccurredAt, &meta); err != nil {
			return nil, err
		}
		ev.Metadata = unmarshalMeta(meta)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, call_id, alert_type, severity, message, acknowledged, acknowledged_at, created_at, metadata
		FROM realtime_alerts
		WHERE ($1 = '' OR call_id = $1)
		  AND (NOT $2 OR NOT acknowledged)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, q.CallID, q.OpenOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) LastAlertTimes(ctx context.Context, callID string) (map[string]time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT alert_type, max(created_at)
		FROM realtime_alerts WHERE call_id = $1 GROUP BY alert_type
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var alertType string
		var at time.Time
		if err := rows.Scan(&alertType, &at); err != nil {
			return nil, err
		}
		out[alertType] = at
	}
	return out, rows.Err()
}

func (p *Postgres) AckAlert(ctx context.Context, alertID int64, at time.Time) (*Alert, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, call_id, alert_type, severity, message, acknowledged, acknowledged_at, created_at, metadata
		FROM realtime_alerts WHERE id = $1 FOR UPDATE
	`, alertID)
	a, err := scanAlertRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if a.Acknowledged {
		return a, false, tx.Commit(ctx)
	}

	ts := at.UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE realtime_alerts SET acknowledged = true, acknowledged_at = $2 WHERE id = $1
	`, alertID, ts); err != nil {
		return nil, false, fmt.Errorf("ack alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	a.Acknowledged = true
	a.AcknowledgedAt = &ts
	return a, true, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.log.Info().Msg("closing database pool")
	p.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var c Call
	var meta []byte
	err := row.Scan(&c.CallID, &c.Provider, &c.Status, &c.AgentID, &c.CustomerID,
		&c.RiskScore, &c.SentimentScore, &c.LastSpeaker, &c.LastText,
		&meta, &c.StartedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.Metadata = unmarshalMeta(meta)
	return &c, nil
}

func scanAlertRow(row rowScanner) (*Alert, error) {
	var a Alert
	var meta []byte
	if err := row.Scan(&a.ID, &a.CallID, &a.Type, &a.Severity, &a.Message,
		&a.Acknowledged, &a.AcknowledgedAt, &a.CreatedAt, &meta); err != nil {
		return nil, err
	}
	a.Metadata = unmarshalMeta(meta)
	return &a, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMeta(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
