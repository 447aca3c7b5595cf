package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"krakenbot/internal/domain"
)

// PositionCloser flattens an open position on demand.
type PositionCloser interface {
	ClosePosition(ctx context.Context, positionID, reason string) error
}

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	positions domain.PositionStore
	pairs     domain.PairStore
	closer    PositionCloser
	logger    *slog.Logger
}

func NewPositionHandler(positions domain.PositionStore, pairs domain.PairStore, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, pairs: pairs, closer: closer, logger: logger}
}

type positionView struct {
	ID              string   `json:"id"`
	Pair            string   `json:"pair"`
	Side            string   `json:"side"`
	Amount          float64  `json:"amount"`
	RemainingAmount float64  `json:"remaining_amount"`
	EntryPrice      float64  `json:"entry_price"`
	CurrentPrice    *float64 `json:"current_price,omitempty"`

	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TotalFees     float64 `json:"total_fees"`

	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`

	OpenedAt time.Time `json:"opened_at"`
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns all open positions with their pair names resolved.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := h.positions.ListOpen(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "handler: list positions failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	resp := listPositionsResponse{Positions: make([]positionView, 0, len(open))}
	for _, pos := range open {
		name := pos.PairID
		if pair, err := h.pairs.GetByID(ctx, pos.PairID); err == nil {
			name = pair.DisplayName
		}
		resp.Positions = append(resp.Positions, positionView{
			ID:              pos.ID,
			Pair:            name,
			Side:            string(pos.Side),
			Amount:          pos.Amount,
			RemainingAmount: pos.RemainingAmount,
			EntryPrice:      pos.EntryPrice,
			CurrentPrice:    pos.CurrentPrice,
			UnrealizedPnL:   pos.UnrealizedPnL,
			RealizedPnL:     pos.RealizedPnL,
			TotalFees:       pos.TotalFees,
			StopLossPrice:   pos.StopLossPrice,
			TakeProfitPrice: pos.TakeProfitPrice,
			OpenedAt:        pos.OpenedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type closePositionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ClosePosition flattens one open position at market.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.closer.ClosePosition(ctx, id, "manual"); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrPositionClosed):
			writeError(w, http.StatusConflict, "position already closed")
		default:
			h.logger.ErrorContext(ctx, "handler: close position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}

	writeJSON(w, http.StatusOK, closePositionResponse{ID: id, Status: "closed"})
}
