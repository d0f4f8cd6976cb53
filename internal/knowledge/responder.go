package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbourn/go-natal-bot/internal/collab/chart"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

// bodyStems maps folded stems found in questions to chart body names.
var bodyStems = []struct{ stem, body string }{
	{"sun", "Sun"}, {"солнц", "Sun"},
	{"moon", "Moon"}, {"лун", "Moon"},
	{"mercury", "Mercury"}, {"меркур", "Mercury"},
	{"venus", "Venus"}, {"венер", "Venus"},
	{"mars", "Mars"}, {"марс", "Mars"},
	{"jupiter", "Jupiter"}, {"юпитер", "Jupiter"},
	{"saturn", "Saturn"}, {"сатурн", "Saturn"},
	{"uranus", "Uranus"}, {"уран", "Uranus"},
	{"neptune", "Neptune"}, {"нептун", "Neptune"},
	{"pluto", "Pluto"}, {"плутон", "Pluto"},
}

const (
	noChartReply = "I don't have a chart for you yet. Send your birth date, time and place and I'll build one."
	fallbackHint = "I can tell you about the planets, signs, houses and aspects in your chart. Try asking about your Sun, Moon or Venus."
)

// Responder answers chart questions from the primer without a language
// model. Answers are deterministic for a given chart and question.
type Responder struct {
	idx *Index
	k   int
}

// NewResponder answers from idx, quoting up to two sections.
func NewResponder(idx *Index) *Responder { return &Responder{idx: idx, k: 2} }

// Respond implements conversation.Responder.
func (r *Responder) Respond(ctx context.Context, req conversation.ResponseRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Intent == conversation.IntentSwitchProfile {
		return listProfiles(req.Profiles), nil
	}
	if req.Profile == nil {
		return noChartReply, nil
	}
	data, err := chart.Decode(req.Profile.ChartData)
	if err != nil {
		return "", err
	}

	q := fold(req.Text)
	var lines []string
	query := []string{req.Text}
	seen := map[string]bool{}
	for _, bs := range bodyStems {
		if seen[bs.body] || !strings.Contains(q, bs.stem) {
			continue
		}
		seen[bs.body] = true
		if p, ok := position(data, bs.body); ok {
			lines = append(lines, fmt.Sprintf("Your %s is in %s (%.1f°).", p.Body, p.Sign, p.Degree))
			query = append(query, p.Sign)
		}
	}
	if len(lines) == 0 && req.Intent == conversation.IntentAskChart {
		if sun, ok := data.Sun(); ok {
			lines = append(lines, fmt.Sprintf("Your Sun is in %s (%.1f°).", sun.Sign, sun.Degree))
			query = append(query, "Sun", sun.Sign)
		}
	}

	for _, res := range r.idx.TopK(strings.Join(query, " "), r.k) {
		lines = append(lines, res.Snippet)
	}
	if len(lines) == 0 {
		return fallbackHint, nil
	}
	return strings.Join(lines, "\n\n"), nil
}

func position(d chart.Data, body string) (chart.Position, bool) {
	for _, p := range d.Positions {
		if p.Body == body {
			return p, true
		}
	}
	return chart.Position{}, false
}

func listProfiles(ps []domain.Profile) string {
	if len(ps) == 0 {
		return "You have no saved profiles yet. Send birth date, time and place to create one."
	}
	var b strings.Builder
	b.WriteString("Your saved profiles:\n")
	for i, p := range ps {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, p.DisplayName(), p.Birth.Summary())
	}
	b.WriteString("Send /profile N to switch, or new birth data to add another person.")
	return b.String()
}
