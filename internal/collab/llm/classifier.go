package llm

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-natal-bot/internal/conversation"
)

const classifyPrompt = `You classify messages sent to an astrology bot by a user who already has a natal chart.
Answer with a single JSON object and nothing else: {"intent": "<label>", "confidence": <0..1>}.
Labels:
- provide_birth_data: the user sends new or corrected birth date, time or place
- ask_about_chart: a question about their chart, planets, signs, houses or aspects
- change_profile: the user wants to switch to another stored person or profile
- other: anything else (greetings, small talk, meta questions)`

// classificationTemperature keeps labels stable across retries.
const classificationTemperature = float32(0.1)

// Classifier labels post-chart messages with a chat model.
type Classifier struct {
	model generator
}

// NewClassifier wraps a chat model.
func NewClassifier(m generator) *Classifier { return &Classifier{model: m} }

// Classify returns the intent of text. Transport failures are errors;
// output that does not parse is IntentOther with zero confidence.
func (c *Classifier) Classify(ctx context.Context, text string) (conversation.Classification, error) {
	ctx, span := otel.Tracer("llm/Classifier").Start(ctx, "Classify")
	defer span.End()

	raw, err := complete(ctx, c.model, []*schema.Message{
		schema.SystemMessage(classifyPrompt),
		schema.UserMessage(text),
	}, model.WithTemperature(classificationTemperature))
	if err != nil {
		span.RecordError(err)
		return conversation.Classification{}, fmt.Errorf("classify: %w", err)
	}

	cls := parseClassification(raw)
	span.SetAttributes(attribute.String("intent", string(cls.Intent)))
	return cls, nil
}

func parseClassification(raw string) conversation.Classification {
	var v struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := sonic.UnmarshalString(stripFences(raw), &v); err != nil {
		log.Warn().Err(err).Int("len", len(raw)).Msg("unparseable classification")
		return conversation.Classification{Intent: conversation.IntentOther}
	}
	intent := conversation.ParseIntent(v.Intent)
	conf := v.Confidence
	if intent == conversation.IntentOther && v.Intent != string(conversation.IntentOther) {
		log.Debug().Str("label", v.Intent).Msg("intent folded into other")
	}
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return conversation.Classification{Intent: intent, Confidence: conf}
}
