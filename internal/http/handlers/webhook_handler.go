// Telegram webhook handler.
//
//	POST /webhook
//
// The handler decodes one Update, turns it into an inbound event and runs it
// through the ingestion pipeline. Telegram retries every update that is not
// answered with 2xx, so only a failed durable admission returns an error
// status; everything else is acknowledged.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-natal-bot/internal/collab/telegram"
	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/http/middleware"
	"github.com/tbourn/go-natal-bot/internal/idempotency"
	"github.com/tbourn/go-natal-bot/internal/services"
)

// Ingester runs one inbound event through admission, throttling and the
// conversation. *services.Pipeline implements it.
type Ingester interface {
	Handle(ctx context.Context, ev domain.InboundEvent) (services.Result, error)
}

// WebhookResponse is the body of every acknowledged update.
type WebhookResponse struct {
	OK        bool   `json:"ok"`
	Skipped   string `json:"skipped,omitempty"`
	Throttled bool   `json:"throttled,omitempty"`
}

// Webhook serves the Telegram webhook.
type Webhook struct {
	ingest Ingester
	now    func() time.Time
}

// NewWebhook returns a Webhook feeding updates to ingest.
func NewWebhook(ingest Ingester) *Webhook {
	return &Webhook{ingest: ingest, now: time.Now}
}

// Handle answers:
//   - 200 {"ok":true} when the update produced a turn;
//   - 200 {"ok":true,"skipped":"duplicate"} for an already admitted update;
//   - 200 {"ok":true,"throttled":true} when it was buffered behind a reply;
//   - 200 {"ok":true,"skipped":"unsupported"} for updates without text;
//   - 400 for an undecodable body, 503 when admission storage failed.
func (h *Webhook) Handle(c *gin.Context) {
	var u tgbotapi.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		middleware.ObserveWebhook("bad_request")
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid update body")
		return
	}
	lg := middleware.LoggerFrom(c).With().Int("update_id", u.UpdateID).Logger()

	ev, supported := telegram.EventFromUpdate(u, h.now())
	if !supported {
		middleware.ObserveWebhook("skipped")
		lg.Debug().Msg("update without text message skipped")
		ok(c, http.StatusOK, WebhookResponse{OK: true, Skipped: "unsupported"})
		return
	}

	res, err := h.ingest.Handle(c.Request.Context(), ev)
	switch {
	case errors.Is(err, idempotency.ErrStorage):
		middleware.ObserveWebhook("storage_error")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "admission storage unavailable, retry later")
		return
	case errors.Is(err, services.ErrEmptyEvent):
		middleware.ObserveWebhook("skipped")
		ok(c, http.StatusOK, WebhookResponse{OK: true, Skipped: "empty"})
		return
	case err != nil:
		middleware.ObserveWebhook("error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "update processing failed")
		return
	}

	switch res.Outcome {
	case services.OutcomeDuplicate:
		middleware.ObserveWebhook("duplicate")
		ok(c, http.StatusOK, WebhookResponse{OK: true, Skipped: "duplicate"})
	case services.OutcomeBuffered:
		middleware.ObserveWebhook("throttled")
		ok(c, http.StatusOK, WebhookResponse{OK: true, Throttled: true})
	default:
		middleware.ObserveWebhook("processed")
		lg.Debug().Int("turns", res.Turns).Bool("delivered", res.Delivered).Msg("update processed")
		ok(c, http.StatusOK, WebhookResponse{OK: true})
	}
}
