package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PratikDhanave/factory-events-service/internal/models"
)

var (
	// ErrNotFound is returned when no event is stored under an eventId.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicateEvent is returned by Tx.Insert when another transaction
	// created the same eventId first.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrStaleUpdate is returned by Tx.Replace when the stored copy already
	// carries a receivedTime at or after the replacement's.
	ErrStaleUpdate = errors.New("stale event update")
)

// Fingerprint is the slice of a stored event needed to reconcile a resubmission.
type Fingerprint struct {
	PayloadHash  string
	ReceivedTime time.Time
}

// MachineTotals are raw sums over one machine's events in a window.
type MachineTotals struct {
	EventsCount  int64
	DefectsCount int64
}

// LineTotals are raw sums over one production line's events in a window.
type LineTotals struct {
	LineID       string
	EventCount   int64
	TotalDefects int64
}

// Tx is the set of writes and point reads available inside one atomic unit.
type Tx interface {
	// LookupFingerprint returns ErrNotFound when eventID is not stored.
	LookupFingerprint(ctx context.Context, eventID string) (Fingerprint, error)

	// Insert returns ErrDuplicateEvent when eventID already exists.
	Insert(ctx context.Context, e models.Event) error

	// Replace overwrites every stored field of e.EventID, but only while the
	// stored receivedTime is strictly older than e.ReceivedTime. A concurrent
	// batch that committed a later stamp first yields ErrStaleUpdate.
	Replace(ctx context.Context, e models.Event) error
}

// Store is the durable event collection shared by ingestion and analytics.
//
// WithinTx commits only when fn returns nil; any error rolls back every write
// fn made. Window arguments are half-open: [start, end).
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	MachineTotals(ctx context.Context, machineID string, start, end time.Time) (MachineTotals, error)
	LineTotals(ctx context.Context, factoryID string, from, to time.Time, limit int) ([]LineTotals, error)
	GetEvent(ctx context.Context, eventID string) (models.Event, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and tunes a Store backend.
type Options struct {
	Driver string

	// URL is the PostgreSQL connection string.
	URL string
	// Path is the SQLite database file, or ":memory:".
	Path string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open connects the configured backend and ensures its schema exists.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverPostgres:
		st, err := NewPostgresStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return st, nil
	case DriverSQLite, "":
		st, err := NewSQLiteStore(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure sqlite schema: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
