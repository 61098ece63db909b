package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/factory-events-service/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer for events.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The caller keeps ownership
// of the pool's lifecycle.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction.
func (p *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LookupFingerprint(ctx context.Context, eventID string) (Fingerprint, error) {
	var fp Fingerprint
	err := t.tx.QueryRow(ctx, `
		SELECT payload_hash, received_time
		FROM events
		WHERE event_id = $1
	`, eventID).Scan(&fp.PayloadHash, &fp.ReceivedTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fingerprint{}, ErrNotFound
	}
	if err != nil {
		return Fingerprint{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	fp.ReceivedTime = fp.ReceivedTime.UTC()
	return fp, nil
}

// Insert persists a new event and reports ErrDuplicateEvent when it lost a race.
//
// ON CONFLICT DO NOTHING waits for a concurrent inserter of the same event_id
// and then returns no row, leaving this transaction usable.
func (t *postgresTx) Insert(ctx context.Context, e models.Event) error {
	var one int
	err := t.tx.QueryRow(ctx, `
		INSERT INTO events(event_id, event_time, received_time, machine_id, line_id,
		                   factory_id, duration_ms, defect_count, payload_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING 1
	`, e.EventID, e.EventTime, e.ReceivedTime, e.MachineID, e.LineID,
		e.FactoryID, e.DurationMs, e.DefectCount, e.PayloadHash).Scan(&one)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *postgresTx) Replace(ctx context.Context, e models.Event) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE events
		SET event_time = $2,
		    received_time = $3,
		    machine_id = $4,
		    line_id = $5,
		    factory_id = $6,
		    duration_ms = $7,
		    defect_count = $8,
		    payload_hash = $9,
		    updated_at = now()
		WHERE event_id = $1
		  AND received_time < $3
	`, e.EventID, e.EventTime, e.ReceivedTime, e.MachineID, e.LineID,
		e.FactoryID, e.DurationMs, e.DefectCount, e.PayloadHash)
	if err != nil {
		return fmt.Errorf("replace event: %w", err)
	}
	// Under READ COMMITTED a blocked UPDATE re-checks its WHERE against the
	// row the other transaction committed, so a later stamp wins here.
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replace event %q: %w", e.EventID, ErrStaleUpdate)
	}
	return nil
}

// MachineTotals counts events for machineID in the window [start,end).
// Negative defect counts are unknown and contribute zero to the sum.
func (p *PostgresStore) MachineTotals(ctx context.Context, machineID string, start, end time.Time) (MachineTotals, error) {
	var totals MachineTotals
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN defect_count >= 0 THEN defect_count ELSE 0 END), 0)::BIGINT
		FROM events
		WHERE machine_id = $1
		  AND event_time >= $2
		  AND event_time <  $3
	`, machineID, start, end).Scan(&totals.EventsCount, &totals.DefectsCount)
	if err != nil {
		return MachineTotals{}, fmt.Errorf("machine totals: %w", err)
	}
	return totals, nil
}

// LineTotals groups a factory's lined events in [from,to) by line, ordered by
// total defects descending and then line id in byte order.
func (p *PostgresStore) LineTotals(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]LineTotals, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT line_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN defect_count >= 0 THEN defect_count ELSE 0 END), 0)::BIGINT AS total_defects
		FROM events
		WHERE factory_id = $1
		  AND line_id IS NOT NULL
		  AND event_time >= $2
		  AND event_time <  $3
		GROUP BY line_id
		ORDER BY total_defects DESC, line_id COLLATE "C" ASC
		LIMIT $4
	`, factoryID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("line totals: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LineTotals, error) {
		var lt LineTotals
		err := row.Scan(&lt.LineID, &lt.EventCount, &lt.TotalDefects)
		return lt, err
	})
	if err != nil {
		return nil, fmt.Errorf("line totals: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	var e models.Event
	err := p.pool.QueryRow(ctx, `
		SELECT event_id, event_time, received_time, machine_id, line_id,
		       factory_id, duration_ms, defect_count, payload_hash
		FROM events
		WHERE event_id = $1
	`, eventID).Scan(&e.EventID, &e.EventTime, &e.ReceivedTime, &e.MachineID, &e.LineID,
		&e.FactoryID, &e.DurationMs, &e.DefectCount, &e.PayloadHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	e.EventTime = e.EventTime.UTC()
	e.ReceivedTime = e.ReceivedTime.UTC()
	return e, nil
}
