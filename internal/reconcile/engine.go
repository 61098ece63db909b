// Package reconcile ingests batches of machine events: each record is
// validated, fingerprinted and compared with the stored copy inside a single
// store transaction per batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/factory-events-service/internal/events"
	"github.com/PratikDhanave/factory-events-service/internal/models"
	"github.com/PratikDhanave/factory-events-service/internal/store"
)

// Outcome is the terminal state of one record within a batch.
type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeDeduped
	OutcomeUpdated
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeduped:
		return "deduped"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Transactor is the part of store.Store the engine needs.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// Options configures an Engine.
type Options struct {
	// FutureHorizon bounds how far ahead of server time eventTime may be.
	// Zero selects events.DefaultFutureHorizon.
	FutureHorizon time.Duration

	// Now is the server clock. Defaults to time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// Engine reconciles incoming batches against the event store. It is safe for
// concurrent use; cross-batch conflicts are resolved by the store.
type Engine struct {
	store   Transactor
	horizon time.Duration
	now     func() time.Time
	stamps  *receivedClock
	log     *zap.Logger
}

// New returns an Engine writing to st.
func New(st Transactor, opts Options) *Engine {
	if opts.FutureHorizon <= 0 {
		opts.FutureHorizon = events.DefaultFutureHorizon
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:   st,
		horizon: opts.FutureHorizon,
		now:     opts.Now,
		stamps:  &receivedClock{now: opts.Now},
		log:     opts.Logger,
	}
}

// ProcessBatch applies every record of raws in one transaction and reports
// per-outcome counts. Invalid records never fail the batch; only a store
// fault does, in which case nothing from the batch is persisted.
func (e *Engine) ProcessBatch(ctx context.Context, raws []events.Raw) (models.BatchResult, error) {
	result := newResult()
	if len(raws) == 0 {
		return result, nil
	}

	batchID := uuid.NewString()
	started := time.Now()

	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		result = newResult()
		for _, raw := range raws {
			outcome, reason, err := e.reconcile(ctx, tx, raw)
			if err != nil {
				return fmt.Errorf("event %q: %w", events.EventID(raw), err)
			}
			tally(&result, outcome, raw, reason)
		}
		return nil
	})
	if err != nil {
		e.log.Error("batch rolled back",
			zap.String("batch_id", batchID),
			zap.Int("size", len(raws)),
			zap.Error(err),
		)
		return models.BatchResult{}, fmt.Errorf("process batch: %w", err)
	}

	e.log.Info("batch processed",
		zap.String("batch_id", batchID),
		zap.Int("size", len(raws)),
		zap.Int("accepted", result.Accepted),
		zap.Int("deduped", result.Deduped),
		zap.Int("updated", result.Updated),
		zap.Int("rejected", result.Rejected),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

// reconcile runs validate → stamp → fingerprint → compare for one record.
// A non-nil error is a store fault and aborts the batch.
func (e *Engine) reconcile(ctx context.Context, tx store.Tx, raw events.Raw) (Outcome, events.Reason, error) {
	ev, reason := events.Validate(raw, e.now(), e.horizon)
	if reason != events.ReasonNone {
		return OutcomeRejected, reason, nil
	}

	ev.ReceivedTime = e.stamps.Stamp()
	ev.PayloadHash = events.Fingerprint(ev)

	existing, err := tx.LookupFingerprint(ctx, ev.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return e.insert(ctx, tx, ev)
	}
	if err != nil {
		return 0, "", err
	}

	if existing.PayloadHash == ev.PayloadHash {
		return OutcomeDeduped, "", nil
	}

	// Equal received times keep the stored copy.
	if !ev.ReceivedTime.After(existing.ReceivedTime) {
		return OutcomeDeduped, "", nil
	}

	err = tx.Replace(ctx, ev)
	switch {
	case err == nil:
		return OutcomeUpdated, "", nil
	case errors.Is(err, store.ErrStaleUpdate):
		// A concurrent batch committed a later copy after our lookup.
		e.log.Debug("update lost race", zap.String("event_id", ev.EventID))
		return OutcomeDeduped, "", nil
	default:
		return 0, "", err
	}
}

// insert stores a new event. Losing the unique-key race to a concurrent batch
// means that batch already holds this eventId, so the record is a duplicate.
// There is no retry: the winner's copy is reconciled by the next submission.
func (e *Engine) insert(ctx context.Context, tx store.Tx, ev models.Event) (Outcome, events.Reason, error) {
	err := tx.Insert(ctx, ev)
	switch {
	case err == nil:
		return OutcomeAccepted, "", nil
	case errors.Is(err, store.ErrDuplicateEvent):
		e.log.Debug("insert lost race", zap.String("event_id", ev.EventID))
		return OutcomeDeduped, "", nil
	default:
		return 0, "", err
	}
}

func newResult() models.BatchResult {
	return models.BatchResult{Rejections: []models.Rejection{}}
}

func tally(r *models.BatchResult, o Outcome, raw events.Raw, reason events.Reason) {
	switch o {
	case OutcomeAccepted:
		r.Accepted++
	case OutcomeDeduped:
		r.Deduped++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeRejected:
		r.Rejected++
		r.Rejections = append(r.Rejections, models.Rejection{
			EventID: events.EventID(raw),
			Reason:  string(reason),
		})
	}
}

// receivedClock hands out strictly increasing receivedTime stamps at the
// precision the stores keep.
type receivedClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *receivedClock) Stamp() time.Time {
	t := events.Normalize(c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
