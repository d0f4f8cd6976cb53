package conversation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// Input is one merged turn for a user together with the context the
// machine may need.
type Input struct {
	State    domain.ConversationState
	Text     string
	Profile  *domain.Profile
	Profiles []domain.Profile
	History  []domain.LedgerEntry
}

// Outcome is the result of a transition. Next is the full state to persist;
// when Chart is non-nil the caller stores it as a profile and points
// Next.ActiveProfileID at it in the same write.
type Outcome struct {
	Next   domain.ConversationState
	Reply  string
	Chart  *Chart
	Intent Intent
	// Record asks the caller to append the turn and reply to the ledger.
	Record bool
	// Err is a collaborator failure that was absorbed into Reply.
	Err error
}

// Machine is stateless and safe for concurrent use.
type Machine struct {
	extractor  Extractor
	classifier Classifier
	charts     ChartGenerator
	responder  Responder
}

// NewMachine wires the collaborators.
func NewMachine(e Extractor, c Classifier, g ChartGenerator, r Responder) *Machine {
	return &Machine{extractor: e, classifier: c, charts: g, responder: r}
}

// Transition computes the next state and reply for one turn.
func (m *Machine) Transition(ctx context.Context, in Input) Outcome {
	ctx, span := otel.Tracer("conversation/Machine").Start(ctx, "Transition")
	span.SetAttributes(attribute.String("user.id", in.State.UserID), attribute.String("state.from", string(in.State.State)))
	defer span.End()

	var out Outcome
	switch in.State.State {
	case domain.StateCollecting, domain.StateClarifying:
		out = m.collect(ctx, in)
	case domain.StateConfirming:
		out = m.confirm(ctx, in)
	case domain.StateReady, domain.StateChatting:
		out = m.chat(ctx, in)
	default:
		// Unknown state values cannot be stored, but a zero value can be passed in.
		log.Warn().Str("user_id", in.State.UserID).Str("state", string(in.State.State)).Msg("unknown state, restarting collection")
		in.State = restart(in.State)
		out = m.collect(ctx, in)
	}

	span.SetAttributes(attribute.String("state.to", string(out.Next.State)))
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	return out
}

// Edit is the explicit edit trigger. With a chart it reopens collection in
// CLARIFYING with every field missing; elsewhere it restarts collection.
func (m *Machine) Edit(st domain.ConversationState) Outcome {
	if st.State.HasChart() {
		next := st
		next.State = domain.StateClarifying
		next.Pending = domain.BirthData{}
		next.MissingFields = append([]domain.Field(nil), domain.AllFields...)
		return Outcome{Next: next, Reply: replyEdit}
	}
	return Outcome{Next: restart(st), Reply: replyEdit}
}

func (m *Machine) collect(ctx context.Context, in Input) Outcome {
	found, err := m.extractor.Extract(ctx, in.Text, in.State.Pending)
	if err != nil {
		return failed(in.State, "extract", err)
	}
	return withData(in.State, in.State.Pending.Merge(found))
}

func (m *Machine) confirm(ctx context.Context, in Input) Outcome {
	switch ParseAnswer(in.Text) {
	case AnswerAccept:
		chart, err := m.charts.Generate(ctx, in.State.Pending)
		if err != nil {
			out := failed(in.State, "chart", err)
			out.Reply = replyChartFailed
			return out
		}
		next := in.State
		next.State = domain.StateReady
		next.Pending = domain.BirthData{}
		next.MissingFields = nil
		return Outcome{Next: next, Reply: chartReady(in.State.Pending), Chart: &chart}
	case AnswerReject:
		return Outcome{Next: restart(in.State), Reply: replyStartOver}
	default:
		return Outcome{Next: in.State, Reply: confirmPrompt(in.State.Pending)}
	}
}

func (m *Machine) chat(ctx context.Context, in Input) Outcome {
	cls, err := m.classifier.Classify(ctx, in.Text)
	if err != nil {
		return failed(in.State, "classify", err)
	}

	if cls.Intent == IntentProvideData {
		found, err := m.extractor.Extract(ctx, in.Text, domain.BirthData{})
		if err != nil {
			out := failed(in.State, "extract", err)
			out.Intent = cls.Intent
			return out
		}
		out := withData(in.State, found)
		out.Intent = cls.Intent
		if out.Next.State == domain.StateCollecting {
			// Nothing usable was found; ask for everything without dropping the chart.
			out.Next.State = domain.StateClarifying
			out.Next.MissingFields = append([]domain.Field(nil), domain.AllFields...)
		}
		return out
	}

	req := ResponseRequest{
		UserID:   in.State.UserID,
		Intent:   cls.Intent,
		Text:     in.Text,
		Profile:  in.Profile,
		Profiles: in.Profiles,
	}
	if in.State.State == domain.StateChatting {
		req.History = in.History
	}
	answer, err := m.responder.Respond(ctx, req)
	if err != nil {
		out := failed(in.State, "respond", err)
		out.Intent = cls.Intent
		return out
	}

	next := in.State
	next.State = domain.StateChatting
	return Outcome{Next: next, Reply: answer, Intent: cls.Intent, Record: true}
}

// withData moves collection forward with the merged birth data.
func withData(st domain.ConversationState, data domain.BirthData) Outcome {
	next := st
	next.Pending = data
	switch {
	case data.Complete():
		next.State = domain.StateConfirming
		next.MissingFields = nil
		return Outcome{Next: next, Reply: confirmPrompt(data)}
	case data.IsZero():
		next.State = domain.StateCollecting
		next.MissingFields = nil
		return Outcome{Next: next, Reply: askAll()}
	default:
		next.State = domain.StateClarifying
		next.MissingFields = data.Missing()
		return Outcome{Next: next, Reply: askFor(next.MissingFields)}
	}
}

func restart(st domain.ConversationState) domain.ConversationState {
	next := st
	next.State = domain.StateCollecting
	next.Pending = domain.BirthData{}
	next.MissingFields = nil
	return next
}

func failed(st domain.ConversationState, op string, err error) Outcome {
	return Outcome{
		Next:  st,
		Reply: replyApology,
		Err:   fmt.Errorf("%w: %s: %v", ErrCollaborator, op, err),
	}
}
