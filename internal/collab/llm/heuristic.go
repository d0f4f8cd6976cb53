package llm

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tbourn/go-natal-bot/internal/collab/extract"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

var (
	profileWords = []string{"profile", "switch to", "another person", "my partner", "профиль", "переключ", "другого человека"}
	chartWords   = []string{
		"chart", "sign", "sun", "moon", "rising", "ascendant", "house", "planet", "aspect", "venus", "mars", "mercury",
		"jupiter", "saturn", "карт", "знак", "солнц", "лун", "асцендент", "дом", "планет", "аспект",
	}
)

// Heuristic classifies by keywords and by running the rule extractor. It is
// used when no model is configured.
type Heuristic struct {
	rules *extract.Rules
}

// NewHeuristic returns a keyword classifier.
func NewHeuristic() *Heuristic { return &Heuristic{rules: extract.New()} }

// Classify implements conversation.Classifier. It never fails.
func (h *Heuristic) Classify(ctx context.Context, text string) (conversation.Classification, error) {
	got, err := h.rules.Extract(ctx, text, domain.BirthData{})
	if err != nil {
		return conversation.Classification{}, err
	}
	if got.Date != "" || (got.Time != "" && got.Place != "") {
		return conversation.Classification{Intent: conversation.IntentProvideData, Confidence: 0.8}, nil
	}

	t := cases.Fold().String(text)
	switch {
	case containsAny(t, profileWords):
		return conversation.Classification{Intent: conversation.IntentSwitchProfile, Confidence: 0.6}, nil
	case containsAny(t, chartWords), strings.Contains(t, "?"):
		return conversation.Classification{Intent: conversation.IntentAskChart, Confidence: 0.5}, nil
	}
	return conversation.Classification{Intent: conversation.IntentOther, Confidence: 0.3}, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
