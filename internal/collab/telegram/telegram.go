// Package telegram converts webhook updates into inbound events and delivers
// replies through the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// MaxChunk keeps each sent message under the Bot API limit of 4096 characters.
const MaxChunk = 3500

// ErrInvalidUser is returned when a user id is not a Telegram chat id.
var ErrInvalidUser = errors.New("invalid telegram user id")

// sender is the part of *tgbotapi.BotAPI the deliverer needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Deliverer sends replies to private chats, where chat id equals user id.
type Deliverer struct {
	bot sender
}

// New connects to the Bot API. endpoint may be empty for the public API.
func New(token, endpoint string, timeout time.Duration) (*Deliverer, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")
	return &Deliverer{bot: bot}, nil
}

// Deliver implements conversation.Deliverer.
func (d *Deliverer) Deliver(ctx context.Context, userID, text string) error {
	ctx, span := otel.Tracer("telegram/Deliverer").Start(ctx, "Deliver")
	span.SetAttributes(attribute.String("user.id", userID))
	defer span.End()

	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	for _, chunk := range Chunks(text, MaxChunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			span.RecordError(err)
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// LogDeliverer writes replies to the log instead of sending them. It is used
// when no bot token is configured.
type LogDeliverer struct{}

// Deliver implements conversation.Deliverer.
func (LogDeliverer) Deliver(_ context.Context, userID, text string) error {
	log.Info().Str("user_id", userID).Int("len", len(text)).Msg("reply (log-only delivery)")
	log.Debug().Str("user_id", userID).Str("text", text).Msg("reply body")
	return nil
}

// Chunks splits text into pieces of at most max runes, preferring to cut at
// a newline or space.
func Chunks(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	rs := []rune(text)
	for len(rs) > 0 {
		if len(rs) <= max {
			out = append(out, string(rs))
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			if rs[i] == '\n' || rs[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(rs[:cut])))
		rs = []rune(strings.TrimSpace(string(rs[cut:])))
	}
	return out
}

// EventFromUpdate extracts a text message event. ok is false for updates
// the bot does not act on (edits, callbacks, stickers, channel posts).
func EventFromUpdate(u tgbotapi.Update, received time.Time) (domain.InboundEvent, bool) {
	m := u.Message
	if m == nil || m.From == nil || strings.TrimSpace(m.Text) == "" {
		return domain.InboundEvent{}, false
	}
	return domain.InboundEvent{
		UserID:     strconv.FormatInt(m.From.ID, 10),
		EventID:    strconv.Itoa(m.MessageID),
		Text:       m.Text,
		ReceivedAt: received,
	}, true
}
