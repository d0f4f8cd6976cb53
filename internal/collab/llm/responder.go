package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-natal-bot/internal/conversation"
	"github.com/tbourn/go-natal-bot/internal/domain"
)

const personaPrompt = `You are a warm, concise astrologer chatting on Telegram.
Answer in the language the user writes in. Ground every statement in the natal chart below; if the chart
does not cover the question, say so. Keep answers under 200 words and avoid markdown headings.`

// Responder answers questions about the active chart with a chat model.
type Responder struct {
	model generator
}

// NewResponder wraps a chat model.
func NewResponder(m generator) *Responder { return &Responder{model: m} }

// Respond implements conversation.Responder.
func (r *Responder) Respond(ctx context.Context, req conversation.ResponseRequest) (string, error) {
	ctx, span := otel.Tracer("llm/Responder").Start(ctx, "Respond")
	span.SetAttributes(
		attribute.String("intent", string(req.Intent)),
		attribute.Int("history", len(req.History)),
	)
	defer span.End()

	answer, err := complete(ctx, r.model, buildMessages(req))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("respond: %w", err)
	}
	return answer, nil
}

func buildMessages(req conversation.ResponseRequest) []*schema.Message {
	var sys strings.Builder
	sys.WriteString(personaPrompt)
	sys.WriteString("\n\n")
	if req.Profile != nil {
		fmt.Fprintf(&sys, "Active profile: %s (%s), born %s.\n", req.Profile.DisplayName(), req.Profile.Kind, req.Profile.Birth.Summary())
		fmt.Fprintf(&sys, "Natal chart JSON:\n%s\n", req.Profile.ChartData)
	} else {
		sys.WriteString("No active profile.\n")
	}
	if req.Intent == conversation.IntentSwitchProfile {
		sys.WriteString("\nThe user wants to switch profiles. Stored profiles:\n")
		if len(req.Profiles) == 0 {
			sys.WriteString("(none)\n")
		}
		for i, p := range req.Profiles {
			fmt.Fprintf(&sys, "%d. %s, born %s\n", i+1, p.DisplayName(), p.Birth.Summary())
		}
		sys.WriteString("List them, explain that /profile N makes one active and that new birth data creates a new profile.\n")
	}

	msgs := make([]*schema.Message, 0, len(req.History)+2)
	msgs = append(msgs, schema.SystemMessage(sys.String()))
	for _, e := range req.History {
		switch e.Role {
		case domain.RoleUser:
			msgs = append(msgs, schema.UserMessage(e.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(e.Content, nil))
		}
	}
	return append(msgs, schema.UserMessage(req.Text))
}
