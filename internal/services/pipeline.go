package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-natal-bot/internal/cache"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/idempotency"
	"github.com/tbourn/go-natal-bot/internal/ledger"
	"github.com/tbourn/go-natal-bot/internal/repo"
	"github.com/tbourn/go-natal-bot/internal/throttle"
)

const (
	// DefaultTurnTimeout bounds how long one user's processing lock is held.
	DefaultTurnTimeout = 30 * time.Second

	// DefaultDeliverTimeout is the budget for sending a reply after the turn
	// deadline passed.
	DefaultDeliverTimeout = 10 * time.Second
)

// Outcome says what happened to one inbound event.
type Outcome string

const (
	// OutcomeProcessed means the event was released and at least one turn ran.
	OutcomeProcessed Outcome = "processed"
	// OutcomeBuffered means the event waits behind an outstanding reply.
	OutcomeBuffered Outcome = "buffered"
	// OutcomeDuplicate means the event was admitted before and was dropped.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is returned by Pipeline.Handle.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Turns is the number of turns run, including released follow-ups.
	Turns int `json:"turns,omitempty"`
	// Delivered is false when the last reply could not be sent.
	Delivered bool `json:"delivered,omitempty"`
	// ReplyOwed is set for durable duplicates whose reply was never sent.
	ReplyOwed bool `json:"reply_owed,omitempty"`
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	DB        *gorm.DB
	Admission *idempotency.Store
	Throttle  *throttle.Coalescer
	Ledger    *ledger.Ledger
	Machine   *conversation.Machine
	Deliverer conversation.Deliverer

	// TurnTimeout defaults to DefaultTurnTimeout.
	TurnTimeout    time.Duration
	// DeliverTimeout defaults to DefaultDeliverTimeout.
	DeliverTimeout time.Duration
}

// Pipeline runs inbound events through admission, the throttle and the state
// machine. Different users proceed in parallel; one user's turns run one at a
// time in admission order.
type Pipeline struct {
	db             *gorm.DB
	admission      *idempotency.Store
	throttle       *throttle.Coalescer
	ledger         *ledger.Ledger
	machine        *conversation.Machine
	deliverer      conversation.Deliverer
	turnTimeout    time.Duration
	deliverTimeout time.Duration

	admitLocks *cache.KeyedMutex
	turnLocks  *cache.KeyedMutex
	now        func() time.Time
}

// NewPipeline builds a Pipeline from d.
func NewPipeline(d Deps) *Pipeline {
	timeout := d.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	deliver := d.DeliverTimeout
	if deliver <= 0 {
		deliver = DefaultDeliverTimeout
	}
	return &Pipeline{
		db:             d.DB,
		admission:      d.Admission,
		throttle:       d.Throttle,
		ledger:         d.Ledger,
		machine:        d.Machine,
		deliverer:      d.Deliverer,
		turnTimeout:    timeout,
		deliverTimeout: deliver,
		admitLocks:     cache.NewKeyedMutex(),
		turnLocks:      cache.NewKeyedMutex(),
		now:            time.Now,
	}
}

// Handle processes one inbound event. The only error that signals a failed
// delivery to the platform is idempotency.ErrStorage; everything else that
// goes wrong inside a turn is turned into a reply to the user.
//
// Turn processing is detached from ctx cancellation so a client that gives
// up does not abort a half-finished turn; each turn is bounded by the turn
// timeout instead.
func (p *Pipeline) Handle(ctx context.Context, ev domain.InboundEvent) (Result, error) {
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("user.id", ev.UserID),
			attribute.String("event.id", ev.EventID),
		),
	)
	defer span.End()

	if ev.UserID == "" || ev.EventID == "" || strings.TrimSpace(ev.Text) == "" {
		return Result{}, ErrEmptyEvent
	}
	lg := log.With().Str("user_id", ev.UserID).Str("event_id", ev.EventID).Logger()

	turn, res, err := p.admit(ctx, lg, ev)
	if err != nil || res.Outcome != OutcomeProcessed {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		return res, err
	}

	var requeued bool
	res.Turns, res.Delivered, requeued = p.run(context.WithoutCancel(ctx), lg, turn)
	if requeued {
		res.Outcome = OutcomeBuffered
	}
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("turns", res.Turns),
		attribute.Bool("delivered", res.Delivered),
	)
	return res, nil
}

// admit records the event and enters it into the user's window. Both happen
// under the user's admission lock so window order equals admission order.
func (p *Pipeline) admit(ctx context.Context, lg zerolog.Logger, ev domain.InboundEvent) (throttle.Turn, Result, error) {
	release, err := p.admitLocks.Acquire(ctx, ev.UserID)
	if err != nil {
		return throttle.Turn{}, Result{}, err
	}
	defer release()

	adm, err := p.admission.Admit(ctx, ev.UserID, ev.EventID, ev.Text)
	if err != nil {
		ingestEvents.WithLabelValues("storage_error").Inc()
		lg.Error().Err(err).Msg("admission failed")
		return throttle.Turn{}, Result{}, err
	}
	if adm.Status == idempotency.StatusDuplicate {
		ingestEvents.WithLabelValues("duplicate").Inc()
		lg.Info().Str("tier", string(adm.Tier)).Bool("reply_owed", adm.ReplyOwed).Msg("duplicate event dropped")
		return throttle.Turn{}, Result{Outcome: OutcomeDuplicate, ReplyOwed: adm.ReplyOwed}, nil
	}

	turn, released := p.throttle.Admit(ev.UserID, ev.EventID, ev.Text)
	if !released {
		ingestEvents.WithLabelValues("buffered").Inc()
		lg.Debug().Msg("event buffered behind outstanding reply")
		return throttle.Turn{}, Result{Outcome: OutcomeBuffered}, nil
	}
	ingestEvents.WithLabelValues("new").Inc()
	return turn, Result{Outcome: OutcomeProcessed}, nil
}

// run processes turn and every follow-up the throttle releases after each
// successful delivery. It holds the user's processing lock throughout. When
// the lock cannot be had within the turn timeout the turn goes back into the
// user's window and requeued is true.
func (p *Pipeline) run(ctx context.Context, lg zerolog.Logger, turn throttle.Turn) (turns int, delivered, requeued bool) {
	lctx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	release, err := p.turnLocks.Acquire(lctx, turn.UserID)
	cancel()
	if err != nil {
		ingestTurns.WithLabelValues("requeued").Inc()
		lg.Warn().Err(err).Strs("event_ids", turn.EventIDs).Msg("user turn lock busy, turn requeued")
		p.throttle.Requeue(turn)
		return 0, false, true
	}
	defer release()

	for {
		turns++
		if delivered = p.process(ctx, lg, turn); !delivered {
			// The window stays outstanding; the sweeper reopens it.
			return turns, false, false
		}
		next, ok := p.throttle.MarkReplied(turn.UserID)
		if !ok {
			return turns, true, false
		}
		lg.Info().Int("parts", next.Parts).Msg("releasing buffered follow-up")
		turn = next
	}
}

// Sweep releases windows whose reply outlived the watchdog and runs the
// turns waiting in them. It blocks until those turns finish and returns how
// many were started.
func (p *Pipeline) Sweep(ctx context.Context) int {
	turns := p.throttle.Sweep()
	var wg sync.WaitGroup
	for _, t := range turns {
		wg.Add(1)
		go func(t throttle.Turn) {
			defer wg.Done()
			lg := log.With().Str("user_id", t.UserID).Strs("event_ids", t.EventIDs).Logger()
			lg.Warn().Int("parts", t.Parts).Msg("watchdog released buffered turn")
			p.run(context.WithoutCancel(ctx), lg, t)
		}(t)
	}
	wg.Wait()
	return len(turns)
}

// process runs one turn end to end under the turn timeout and reports
// whether its reply was delivered.
func (p *Pipeline) process(ctx context.Context, lg zerolog.Logger, turn throttle.Turn) bool {
	ctx, cancelTurn := context.WithTimeout(ctx, p.turnTimeout)
	defer cancelTurn()
	ctx, span := otel.Tracer("services/Pipeline").Start(ctx, "process",
		trace.WithAttributes(
			attribute.String("user.id", turn.UserID),
			attribute.Int("parts", turn.Parts),
		),
	)
	defer span.End()
	start := p.now()

	reply, committed := p.reply(ctx, lg, turn)
	if !committed && ctx.Err() != nil {
		ingestTurns.WithLabelValues("timeout").Inc()
		lg.Warn().Dur("timeout", p.turnTimeout).Msg("turn timed out")
		reply = conversation.ReplyUnavailable()
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deliverTimeout)
	defer cancel()
	if err := p.deliverer.Deliver(dctx, turn.UserID, reply); err != nil {
		ingestTurns.WithLabelValues("delivery_failed").Inc()
		span.RecordError(err)
		lg.Error().Err(err).Msg("reply delivery failed")
		return false
	}
	if err := p.admission.MarkReplied(dctx, turn.UserID, turn.EventIDs); err != nil {
		lg.Error().Err(err).Strs("event_ids", turn.EventIDs).Msg("could not flag admissions as replied")
	}
	ingestTurns.WithLabelValues("delivered").Inc()
	ingestTurnSeconds.Observe(p.now().Sub(start).Seconds())
	return true
}

// reply computes and persists the outcome of one turn and returns the text
// to send. committed is false when nothing was written; failures then
// become apologies and the stored state is unchanged.
func (p *Pipeline) reply(ctx context.Context, lg zerolog.Logger, turn throttle.Turn) (text string, committed bool) {
	st, err := repo.GetOrCreateState(ctx, p.db, turn.UserID)
	if err != nil {
		lg.Error().Err(err).Msg("load conversation state")
		return conversation.ReplyApology(), false
	}
	lg = lg.With().Str("state", string(st.State)).Logger()

	if turn.Parts == 1 {
		if cmd, args, ok := conversation.ParseCommandArgs(turn.Text); ok {
			return p.command(ctx, lg, st, cmd, args)
		}
	}

	in, err := p.input(ctx, st, turn.Text)
	if err != nil {
		lg.Error().Err(err).Msg("load turn context")
		return conversation.ReplyApology(), false
	}
	out := p.machine.Transition(ctx, in)
	if out.Err != nil {
		lg.Warn().Err(out.Err).Str("intent", string(out.Intent)).Msg("collaborator failure")
		return out.Reply, false
	}
	if err := p.commit(ctx, st, turn.Text, out); err != nil {
		lg.Error().Err(err).Msg("persist turn")
		return conversation.ReplyApology(), false
	}
	lg.Info().Str("next", string(out.Next.State)).Str("intent", string(out.Intent)).Msg("turn committed")
	return out.Reply, true
}

func (p *Pipeline) input(ctx context.Context, st *domain.ConversationState, text string) (conversation.Input, error) {
	in := conversation.Input{State: *st, Text: text}
	if !st.State.HasChart() {
		return in, nil
	}
	if st.ActiveProfileID != nil {
		prof, err := repo.GetProfile(ctx, p.db, *st.ActiveProfileID, st.UserID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return in, err
		}
		in.Profile = prof
	}
	profiles, err := repo.ListProfiles(ctx, p.db, st.UserID)
	if err != nil {
		return in, err
	}
	in.Profiles = profiles
	if st.State == domain.StateChatting {
		if in.History, err = p.ledger.Read(ctx, st.UserID); err != nil {
			return in, err
		}
	}
	return in, nil
}

// commit writes the next state, a new profile for a committed chart and the
// ledger entries of a recorded exchange in one transaction.
func (p *Pipeline) commit(ctx context.Context, prev *domain.ConversationState, text string, out conversation.Outcome) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next := out.Next
		if out.Chart != nil {
			prof := &domain.Profile{
				UserID:        prev.UserID,
				Kind:          domain.ProfileSelf,
				Birth:         prev.Pending,
				ChartID:       out.Chart.ID,
				ChartData:     out.Chart.Data,
				EngineVersion: out.Chart.EngineVersion,
			}
			if err := repo.CreateProfile(ctx, tx, prof); err != nil {
				return err
			}
			next.ActiveProfileID = &prof.ID
		}
		if err := repo.SaveState(ctx, tx, &next); err != nil {
			return err
		}
		if !out.Record {
			return nil
		}
		l := p.ledger.WithDB(tx)
		if _, err := l.Append(ctx, prev.UserID, domain.RoleUser, text); err != nil {
			return skipFull(err)
		}
		_, err := l.Append(ctx, prev.UserID, domain.RoleAssistant, out.Reply)
		return skipFull(err)
	})
}

// skipFull lets a turn commit when the ledger is entirely pinned.
func skipFull(err error) error {
	if errors.Is(err, ledger.ErrLedgerFull) {
		log.Warn().Msg("ledger full of pinned entries, exchange not recorded")
		return nil
	}
	return err
}
