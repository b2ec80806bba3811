package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatchcore/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres keeps routes and journeys as versioned JSONB documents. Every mutation reads the
// current row with FOR UPDATE inside one transaction.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() { p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

// withTx runs fn in a transaction, rolling back on error or panic.
func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback tx: %w (original error: %s)", rbErr, err.Error())
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r = r.Clone()
	r.Renumber()
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var prev int
		err := tx.QueryRow(ctx, `SELECT version FROM routes WHERE id=$1 FOR UPDATE`, r.ID).Scan(&prev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			r.Version = 1
		case err != nil:
			return fmt.Errorf("lock route: %w", err)
		default:
			r.Version = prev + 1
		}
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO routes (id, version, doc) VALUES ($1,$2,$3)
			ON CONFLICT (id) DO UPDATE SET version=EXCLUDED.version, doc=EXCLUDED.doc, updated_at=now()`, r.ID, r.Version, doc)
		return err
	})
	if err != nil {
		return model.Route{}, fmt.Errorf("save route %s: %w", r.ID, err)
	}
	return r, nil
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	return scanRoute(p.db.QueryRow(ctx, `SELECT doc FROM routes WHERE id=$1`, id), id)
}

func (p *Postgres) ApplyRoutePlan(ctx context.Context, plan model.RoutePlan) (model.Route, error) {
	var out model.Route
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		r, err := scanRoute(tx.QueryRow(ctx, `SELECT doc FROM routes WHERE id=$1 FOR UPDATE`, plan.RouteID), plan.RouteID)
		if err != nil {
			return err
		}
		if err := r.ApplyPlan(plan); err != nil {
			return err
		}
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE routes SET version=$2, doc=$3, updated_at=now() WHERE id=$1`, r.ID, r.Version, doc); err != nil {
			return fmt.Errorf("update route: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return model.Route{}, err
	}
	return out, nil
}

func (p *Postgres) CreateJourney(ctx context.Context, j model.Journey) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `INSERT INTO journeys (id, route_id, driver_id, status, doc, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		j.ID, j.RouteID, j.DriverID, string(j.Status), doc, j.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("journey %s: %w", j.ID, ErrConflict)
		case "23503":
			return fmt.Errorf("route %s: %w", j.RouteID, ErrNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	return nil
}

func (p *Postgres) GetJourney(ctx context.Context, id string) (model.Journey, error) {
	return scanJourney(p.db.QueryRow(ctx, `SELECT doc FROM journeys WHERE id=$1`, id), id)
}

func (p *Postgres) UpdateJourney(ctx context.Context, id string, fn func(j *model.Journey) error) (model.Journey, error) {
	var out model.Journey
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJourney(tx.QueryRow(ctx, `SELECT doc FROM journeys WHERE id=$1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		doc, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE journeys SET status=$2, doc=$3, updated_at=now() WHERE id=$1`, id, string(j.Status), doc); err != nil {
			return fmt.Errorf("update journey: %w", err)
		}
		out = j
		return nil
	})
	if err != nil {
		return model.Journey{}, err
	}
	return out, nil
}

func (p *Postgres) DeleteJourney(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM journeys WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete journey: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journey %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := p.db.Exec(ctx, `INSERT INTO webhook_deliveries (id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,now())`, id, eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.Query(ctx, `SELECT id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.Exec(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(),
			response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.Exec(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3,
		updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`, id, nullIfEmpty(lastError), next, responseCode, latencyMs)
	return err
}

// FailWebhookDelivery marks the delivery failed and copies it to the dead-letter table in one transaction.
func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(),
			response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO webhook_dlq (id, delivery_id, event_type, url, payload, attempts, last_error)
			SELECT gen_random_uuid(), id, event_type, url, payload, attempts, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
		return err
	})
}

func scanRoute(row pgx.Row, id string) (model.Route, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		return model.Route{}, fmt.Errorf("load route %s: %w", id, err)
	}
	var r model.Route
	if err := json.Unmarshal(doc, &r); err != nil {
		return model.Route{}, fmt.Errorf("decode route %s: %w", id, err)
	}
	return r, nil
}

func scanJourney(row pgx.Row, id string) (model.Journey, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Journey{}, fmt.Errorf("journey %s: %w", id, ErrNotFound)
		}
		return model.Journey{}, fmt.Errorf("load journey %s: %w", id, err)
	}
	var j model.Journey
	if err := json.Unmarshal(doc, &j); err != nil {
		return model.Journey{}, fmt.Errorf("decode journey %s: %w", id, err)
	}
	return j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
