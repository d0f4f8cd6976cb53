// Admin API handlers.
//
//	GET    /users/{id}/state     conversation state
//	GET    /users/{id}/profiles  stored chart profiles
//	GET    /users/{id}/ledger    history entries + summary (weak ETag)
//	DELETE /users/{id}/ledger    reset history, returns {"removed": n}
//	GET    /stats                admission and throttle counters
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/http/middleware"
	"github.com/tbourn/go-natal-bot/internal/idempotency"
	"github.com/tbourn/go-natal-bot/internal/ledger"
	"github.com/tbourn/go-natal-bot/internal/repo"
	"github.com/tbourn/go-natal-bot/internal/throttle"
	"github.com/tbourn/go-natal-bot/internal/utils"
)

const (
	defaultLedgerLimit = 50
	maxUserIDLen       = 64
)

// AdmissionStats is implemented by *idempotency.Store.
type AdmissionStats interface {
	Stats(ctx context.Context) (idempotency.Stats, error)
}

// WindowStats is implemented by *throttle.Coalescer.
type WindowStats interface {
	Stats() throttle.Stats
}

// History is implemented by *ledger.Ledger.
type History interface {
	Read(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
	Reset(ctx context.Context, userID string) (int64, error)
	Summarize(entries []domain.LedgerEntry) ledger.Summary
}

// Admin serves the diagnostics API.
type Admin struct {
	db         *gorm.DB
	admissions AdmissionStats
	windows    WindowStats
	history    History
}

// NewAdmin wires the admin handlers.
func NewAdmin(db *gorm.DB, admissions AdmissionStats, windows WindowStats, history History) *Admin {
	return &Admin{db: db, admissions: admissions, windows: windows, history: history}
}

// LedgerResponse is one page of a user's ledger plus a summary of all of it.
type LedgerResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Summary ledger.Summary       `json:"summary"`
	Offset  int                  `json:"offset"`
	Limit   int                  `json:"limit"`
}

// StatsResponse combines the fast/durable admission tiers and the throttle.
type StatsResponse struct {
	Admissions idempotency.Stats `json:"admissions"`
	Throttle   throttle.Stats    `json:"throttle"`
}

// userParam validates the :id path parameter.
func userParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || len(id) > maxUserIDLen {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be 1-64 characters")
		return "", false
	}
	return id, true
}

// State returns the user's conversation state.
func (h *Admin) State(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		return
	}
	st, err := repo.GetState(c.Request.Context(), h.db, uid)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation state not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// Profiles lists the user's stored chart profiles.
func (h *Admin) Profiles(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		return
	}
	profiles, err := repo.ListProfiles(c.Request.Context(), h.db, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if profiles == nil {
		profiles = []domain.Profile{}
	}
	ok(c, http.StatusOK, gin.H{"profiles": profiles})
}

// Ledger returns a page of entries (offset, limit query params) in seq
// order and the summary of the whole ledger. The weak ETag changes with
// every append and eviction.
func (h *Admin) Ledger(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()

	count, maxSeq, newest, err := repo.LedgerStats(ctx, h.db, uid)
	if err == nil {
		var ts int64
		if newest != nil {
			ts = newest.UnixNano()
		}
		if notModified(c, fmt.Sprintf(`W/"ledger:%s:%d:%d:%d"`, uid, count, maxSeq, ts)) {
			return
		}
	}

	entries, err := h.history.Read(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	offset := utils.AtoiDefault(c.Query("offset"), 0)
	limit := utils.AtoiDefault(c.Query("limit"), defaultLedgerLimit)
	start, end := utils.Window(len(entries), offset, limit)

	page := entries[start:end]
	if page == nil {
		page = []domain.LedgerEntry{}
	}
	ok(c, http.StatusOK, LedgerResponse{
		Entries: page,
		Summary: h.history.Summarize(entries),
		Offset:  start,
		Limit:   end - start,
	})
}

// ResetLedger deletes the user's history and reports how many entries went.
func (h *Admin) ResetLedger(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		return
	}
	n, err := h.history.Reset(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	middleware.LoggerFrom(c).Info().Str("user_id", uid).Int64("removed", n).Msg("ledger reset via admin api")
	ok(c, http.StatusOK, gin.H{"removed": n})
}

// Stats reports admission and throttle counters.
func (h *Admin) Stats(c *gin.Context) {
	adm, err := h.admissions.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, StatsResponse{Admissions: adm, Throttle: h.windows.Stats()})
}
