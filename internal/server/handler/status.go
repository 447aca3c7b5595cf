package handler

import (
	"log/slog"
	"net/http"
	"time"

	"krakenbot/internal/bot"
	"krakenbot/internal/domain"
)

// StatusSource exposes the scheduler snapshot.
type StatusSource interface {
	Status() bot.Status
}

// StatusHandler serves the bot status snapshot: scheduler state, recent
// signals, and the tail of the audit log.
type StatusHandler struct {
	source  StatusSource
	signals domain.SignalStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

func NewStatusHandler(source StatusSource, signals domain.SignalStore, audit domain.AuditStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		source:  source,
		signals: signals,
		audit:   audit,
		logger:  logger,
	}
}

type signalView struct {
	ID         string    `json:"id"`
	PairID     string    `json:"pair_id"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	EntryPrice float64   `json:"entry_price"`
	Target     float64   `json:"target_price"`
	StopLoss   float64   `json:"stop_loss_price"`
	SizePct    float64   `json:"size_pct"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
}

type auditView struct {
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type statusResponse struct {
	Bot           bot.Status   `json:"bot"`
	RecentSignals []signalView `json:"recent_signals"`
	RecentAudit   []auditView  `json:"recent_audit"`
}

// GetStatus returns the scheduler snapshot plus the last day of signals and
// the audit tail.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := limitParam(r, 10, 100)

	signals, err := h.signals.ListRecent(ctx, time.Now().UTC().Add(-24*time.Hour), limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "handler: list signals failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load signals")
		return
	}
	entries, err := h.audit.List(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "handler: list audit failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load audit log")
		return
	}

	resp := statusResponse{
		Bot:           h.source.Status(),
		RecentSignals: make([]signalView, 0, len(signals)),
		RecentAudit:   make([]auditView, 0, len(entries)),
	}
	for _, s := range signals {
		resp.RecentSignals = append(resp.RecentSignals, signalView{
			ID:         s.ID,
			PairID:     s.PairID,
			Type:       string(s.Type),
			Confidence: s.Confidence,
			EntryPrice: s.EntryPrice,
			Target:     s.TargetPrice,
			StopLoss:   s.StopLossPrice,
			SizePct:    s.SizePct,
			CreatedAt:  s.CreatedAt,
			ExpiresAt:  s.ExpiresAt,
			Consumed:   s.Consumed(),
		})
	}
	for _, e := range entries {
		resp.RecentAudit = append(resp.RecentAudit, auditView{
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
