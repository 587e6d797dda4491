package notify

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rotafood/rotafood/internal/platform/httpx"
)

// Handler exposes the outbox so the admin panel can open the wa.me links.
type Handler struct {
	logger      *slog.Logger
	store       Store
	requireUser func(http.Handler) http.Handler
}

// NewHandler creates a new handler.
func NewHandler(logger *slog.Logger, store Store, requireUser func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if requireUser == nil {
		requireUser = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{logger: logger, store: store, requireUser: requireUser}
}

// MountRoutes registers routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.requireUser).Get("/notifications", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: order_id is required", httpx.ErrValidation))
		return
	}
	msgs, err := h.store.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("list notifications failed", slog.String("order_id", orderID), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnavailable, err))
		return
	}
	httpx.JSON(w, http.StatusOK, msgs)
}
