// Package idempotency decides, for every inbound event, whether it is being
// seen for the first time. It combines a fast TTL-bounded index with the
// durable admission table:
//
//  1. fast index hit           -> duplicate
//  2. durable record (fresh)   -> duplicate, fast index backfilled
//  3. durable insert succeeds  -> new
//  4. durable insert conflicts -> duplicate (another admitter won)
//
// A failure of the durable tier aborts admission with ErrStorage; the event
// is never treated as new without a durable record. Fast index failures are
// logged and otherwise ignored because that tier is only an optimization.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/cache"
	"github.com/tbourn/go-natal-bot/internal/repo"
)

// ErrStorage marks a failure of the durable admission tier.
var ErrStorage = errors.New("admission storage failure")

// ErrEmptyKey is returned when the user id or event id is blank.
var ErrEmptyKey = errors.New("user id and event id are required")

const (
	// DefaultFastTTL is how long the fast index remembers an event.
	DefaultFastTTL = 24 * time.Hour
	// DefaultRetention is how long durable admission records are kept.
	DefaultRetention = 7 * 24 * time.Hour
)

// Status is the outcome of Admit.
type Status int

const (
	StatusNew Status = iota + 1
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Tier names which check produced a duplicate verdict.
type Tier string

const (
	TierFast    Tier = "fast"
	TierDurable Tier = "durable"
	TierRace    Tier = "race"
)

// Admission is the verdict for one (user, event) pair.
type Admission struct {
	Status Status
	// Tier is set for duplicates.
	Tier Tier
	// ReplyOwed is true when a durable duplicate was found whose reply was
	// never delivered.
	ReplyOwed bool
}

// Store implements two-tier admission. It is safe for concurrent use.
type Store struct {
	db        *gorm.DB
	fast      cache.FastIndex
	locks     *cache.KeyedMutex
	retention time.Duration
	now       func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithRetention sets the durable retention horizon.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over db using fast as the first tier.
func New(db *gorm.DB, fast cache.FastIndex, opts ...Option) *Store {
	s := &Store{
		db:        db,
		fast:      fast,
		locks:     cache.NewKeyedMutex(),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Admit decides whether (userID, eventID) is new. Concurrent calls for the
// same pair within the process are serialized so at most one sees
// StatusNew; across processes the unique index decides.
func (s *Store) Admit(ctx context.Context, userID, eventID, text string) (Admission, error) {
	if userID == "" || eventID == "" {
		return Admission{}, ErrEmptyKey
	}

	ctx, span := otel.Tracer("idempotency/Store").Start(ctx, "Admit")
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("event.id", eventID))
	defer span.End()

	release, err := s.locks.Acquire(ctx, userID+"\x00"+eventID)
	if err != nil {
		return Admission{}, err
	}
	defer release()

	lg := log.With().Str("user_id", userID).Str("event_id", eventID).Logger()

	if hit, err := s.fast.Contains(ctx, userID, eventID); err != nil {
		lg.Warn().Err(err).Msg("fast index lookup failed, checking durable tier")
	} else if hit {
		span.SetAttributes(attribute.String("admission", "duplicate_fast"))
		return Admission{Status: StatusDuplicate, Tier: TierFast}, nil
	}

	now := s.now().UTC()
	rec, err := repo.GetAdmission(ctx, s.db, userID, eventID)
	switch {
	case err == nil && now.Sub(rec.AdmittedAt) < s.retention:
		s.backfill(ctx, lg, userID, eventID)
		span.SetAttributes(attribute.String("admission", "duplicate_durable"))
		return Admission{Status: StatusDuplicate, Tier: TierDurable, ReplyOwed: !rec.ReplySent}, nil
	case err == nil:
		// Past the retention horizon: the sweeper simply has not run yet.
		if err := repo.DeleteAdmission(ctx, s.db, rec.ID); err != nil {
			return s.storageFailure(span, "delete expired", err)
		}
	case !errors.Is(err, repo.ErrNotFound):
		return s.storageFailure(span, "lookup", err)
	}

	if _, err := repo.CreateAdmission(ctx, s.db, userID, eventID, text, now); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			s.backfill(ctx, lg, userID, eventID)
			span.SetAttributes(attribute.String("admission", "duplicate_race"))
			return Admission{Status: StatusDuplicate, Tier: TierRace}, nil
		}
		return s.storageFailure(span, "insert", err)
	}

	s.backfill(ctx, lg, userID, eventID)
	span.SetAttributes(attribute.String("admission", "new"))
	return Admission{Status: StatusNew}, nil
}

func (s *Store) backfill(ctx context.Context, lg zerolog.Logger, userID, eventID string) {
	if err := s.fast.Mark(ctx, userID, eventID); err != nil {
		lg.Warn().Err(err).Msg("fast index mark failed")
	}
}

func (s *Store) storageFailure(span trace.Span, op string, err error) (Admission, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return Admission{}, fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// MarkReplied records that a reply covering eventIDs was delivered.
func (s *Store) MarkReplied(ctx context.Context, userID string, eventIDs []string) error {
	if _, err := repo.MarkAdmissionsReplied(ctx, s.db, userID, eventIDs, s.now()); err != nil {
		return fmt.Errorf("%w: mark replied: %v", ErrStorage, err)
	}
	return nil
}

// SweepResult reports what one retention sweep removed.
type SweepResult struct {
	Durable int64
	Fast    int
}

// Sweep purges durable records older than the retention horizon and expired
// fast index entries.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := repo.PurgeAdmissions(ctx, s.db, s.now().Add(-s.retention))
	if err != nil {
		return res, fmt.Errorf("%w: purge: %v", ErrStorage, err)
	}
	res.Durable = n
	if res.Fast, err = s.fast.Purge(ctx); err != nil {
		log.Warn().Err(err).Msg("fast index purge failed")
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("admission sweep failed")
				continue
			}
			if res.Durable > 0 || res.Fast > 0 {
				log.Info().Int64("durable", res.Durable).Int("fast", res.Fast).Msg("admission sweep")
			}
		}
	}
}

// Stats is a snapshot of both tiers.
type Stats struct {
	FastEntries    int           `json:"fast_entries"`
	DurableTotal   int64         `json:"durable_total"`
	PendingReplies int64         `json:"pending_replies"`
	Retention      time.Duration `json:"retention_ns"`
}

// Stats returns counts for the admin API.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	d, err := repo.CountAdmissions(ctx, s.db)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrStorage, err)
	}
	return Stats{
		FastEntries:    s.fast.Len(ctx),
		DurableTotal:   d.Total,
		PendingReplies: d.PendingReplies,
		Retention:      s.retention,
	}, nil
}
