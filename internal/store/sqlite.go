package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/PratikDhanave/factory-events-service/internal/models"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// MemoryPath opens a private in-memory database. Nothing survives Close.
const MemoryPath = ":memory:"

// SQLiteStore is the embedded single-node event store.
//
// Writes go through one connection, so batch transactions are serialized and
// a batch never observes another batch's uncommitted writes. File databases
// run in WAL mode and serve aggregate and point reads from a separate
// read-only pool that never waits for an open batch. An in-memory database
// exists only on its own connection, so there reads share the writer.
type SQLiteStore struct {
	db    *sql.DB
	reads *sql.DB
}

// readPoolSize bounds concurrent readers on a file database.
const readPoolSize = 4

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// NewSQLiteStore opens path (or an in-memory database for MemoryPath or "").
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	memory := path == "" || path == MemoryPath

	var dsn string
	if memory {
		dsn = MemoryPath
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			filepath.Clean(path))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if !memory {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if memory {
		return &SQLiteStore{db: db, reads: db}, nil
	}

	// The writer's Ping created the file and switched it to WAL.
	reads, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)", filepath.Clean(path)))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite readers: %w", err)
	}
	reads.SetMaxOpenConns(readPoolSize)
	reads.SetMaxIdleConns(readPoolSize)
	reads.SetConnMaxIdleTime(5 * time.Minute)
	if err := reads.Ping(); err != nil {
		_ = reads.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite readers: %w", err)
	}
	return &SQLiteStore{db: db, reads: reads}, nil
}

// EnsureSchema creates the events table and its indexes if missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchemaSQL)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.reads.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var readErr error
	if s.reads != nil && s.reads != s.db {
		readErr = s.reads.Close()
	}
	return errors.Join(s.db.Close(), readErr)
}

// WithinTx runs fn inside one SQLite transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LookupFingerprint(ctx context.Context, eventID string) (Fingerprint, error) {
	var (
		fp       Fingerprint
		received int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT payload_hash, received_time FROM events WHERE event_id = ?`,
		eventID,
	).Scan(&fp.PayloadHash, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return Fingerprint{}, ErrNotFound
	}
	if err != nil {
		return Fingerprint{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	fp.ReceivedTime = fromMicros(received)
	return fp, nil
}

func (t *sqliteTx) Insert(ctx context.Context, e models.Event) error {
	now := toMicros(time.Now())
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (event_id, event_time, received_time, machine_id, line_id,
		                    factory_id, duration_ms, defect_count, payload_hash,
		                    created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID,
		toMicros(e.EventTime),
		toMicros(e.ReceivedTime),
		e.MachineID,
		nullString(e.LineID),
		nullString(e.FactoryID),
		e.DurationMs,
		e.DefectCount,
		e.PayloadHash,
		now,
		now,
	)
	if err != nil {
		// A failed statement is rolled back on its own; the transaction stays usable.
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *sqliteTx) Replace(ctx context.Context, e models.Event) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE events
		SET event_time = ?,
		    received_time = ?,
		    machine_id = ?,
		    line_id = ?,
		    factory_id = ?,
		    duration_ms = ?,
		    defect_count = ?,
		    payload_hash = ?,
		    updated_at = ?
		WHERE event_id = ?
		  AND received_time < ?`,
		toMicros(e.EventTime),
		toMicros(e.ReceivedTime),
		e.MachineID,
		nullString(e.LineID),
		nullString(e.FactoryID),
		e.DurationMs,
		e.DefectCount,
		e.PayloadHash,
		toMicros(time.Now()),
		e.EventID,
		toMicros(e.ReceivedTime),
	)
	if err != nil {
		return fmt.Errorf("replace event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace event: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("replace event %q: %w", e.EventID, ErrStaleUpdate)
	}
	return nil
}

func (s *SQLiteStore) MachineTotals(ctx context.Context, machineID string, start, end time.Time) (MachineTotals, error) {
	var totals MachineTotals
	err := s.reads.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN defect_count >= 0 THEN defect_count ELSE 0 END), 0)
		FROM events
		WHERE machine_id = ?
		  AND event_time >= ?
		  AND event_time <  ?`,
		machineID, toMicros(start), toMicros(end),
	).Scan(&totals.EventsCount, &totals.DefectsCount)
	if err != nil {
		return MachineTotals{}, fmt.Errorf("machine totals: %w", err)
	}
	return totals, nil
}

func (s *SQLiteStore) LineTotals(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]LineTotals, error) {
	rows, err := s.reads.QueryContext(ctx, `
		SELECT line_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN defect_count >= 0 THEN defect_count ELSE 0 END), 0) AS total_defects
		FROM events
		WHERE factory_id = ?
		  AND line_id IS NOT NULL
		  AND event_time >= ?
		  AND event_time <  ?
		GROUP BY line_id
		ORDER BY total_defects DESC, line_id ASC
		LIMIT ?`,
		factoryID, toMicros(from), toMicros(to), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("line totals: %w", err)
	}
	defer rows.Close()

	out := []LineTotals{}
	for rows.Next() {
		var lt LineTotals
		if err := rows.Scan(&lt.LineID, &lt.EventCount, &lt.TotalDefects); err != nil {
			return nil, fmt.Errorf("scan line totals: %w", err)
		}
		out = append(out, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("line totals: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (models.Event, error) {
	var (
		e                   models.Event
		eventTime, received int64
		lineID, factoryID   sql.NullString
	)
	err := s.reads.QueryRowContext(ctx, `
		SELECT event_id, event_time, received_time, machine_id, line_id,
		       factory_id, duration_ms, defect_count, payload_hash
		FROM events
		WHERE event_id = ?`,
		eventID,
	).Scan(&e.EventID, &eventTime, &received, &e.MachineID, &lineID,
		&factoryID, &e.DurationMs, &e.DefectCount, &e.PayloadHash)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	e.EventTime = fromMicros(eventTime)
	e.ReceivedTime = fromMicros(received)
	if lineID.Valid {
		e.LineID = &lineID.String
	}
	if factoryID.Valid {
		e.FactoryID = &factoryID.String
	}
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "events.event_id")
}
