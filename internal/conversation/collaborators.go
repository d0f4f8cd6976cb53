// Package conversation implements the per-user conversation state machine
// and the narrow contracts of the external collaborators it drives
// (extractor, classifier, chart generator, responder, deliverer).
//
// Transition is a pure decision over the current ConversationState and the
// turn text: it calls collaborators, but persistence of the returned state,
// profile and ledger entries is left to the caller, which writes them in one
// transaction. A collaborator failure never changes state; the outcome then
// carries an apology reply and an error wrapping ErrCollaborator.
package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// ErrCollaborator wraps transient failures of external collaborators.
var ErrCollaborator = errors.New("collaborator failure")

// Intent is the classifier's verdict for a message sent after a chart exists.
type Intent string

const (
	IntentProvideData   Intent = "provide_birth_data"
	IntentAskChart      Intent = "ask_about_chart"
	IntentSwitchProfile Intent = "change_profile"
	IntentOther         Intent = "other"
)

// ParseIntent maps classifier labels onto the closed Intent set. The
// finer-grained labels some classifiers emit all collapse into IntentOther.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentProvideData:
		return IntentProvideData
	case IntentAskChart:
		return IntentAskChart
	case IntentSwitchProfile:
		return IntentSwitchProfile
	}
	return IntentOther
}

// Classification is a classifier result.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Chart is an opaque chart produced by a ChartGenerator.
type Chart struct {
	ID            string
	Data          string
	EngineVersion string
}

// ResponseRequest carries everything a Responder may use to answer.
type ResponseRequest struct {
	UserID   string
	Intent   Intent
	Text     string
	Profile  *domain.Profile
	Profiles []domain.Profile
	// History is only attached in CHATTING.
	History []domain.LedgerEntry
}

// Extractor pulls birth data out of free text. It returns only the fields
// it found; known is passed as context and must not be echoed back as new.
type Extractor interface {
	Extract(ctx context.Context, text string, known domain.BirthData) (domain.BirthData, error)
}

// Classifier labels messages sent after a chart exists.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ChartGenerator builds a chart from complete birth data.
type ChartGenerator interface {
	Generate(ctx context.Context, birth domain.BirthData) (Chart, error)
}

// Responder produces a free-text answer about a chart.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (string, error)
}

// Deliverer sends a reply to the user on the messaging platform.
type Deliverer interface {
	Deliver(ctx context.Context, userID, text string) error
}
