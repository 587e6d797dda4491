package settlement

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/platform/httpx"
	"github.com/rotafood/rotafood/internal/shared"
)

// Handler manages balance, vale and settlement endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	requireUser func(http.Handler) http.Handler
}

// NewHandler creates a new handler.
func NewHandler(logger *slog.Logger, service *Service, requireUser func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if requireUser == nil {
		requireUser = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		logger:      logger,
		service:     service,
		validator:   validator.New(),
		requireUser: requireUser,
	}
}

// MountRoutes registers routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/drivers/{id}/balance", h.balance)
		r.Get("/drivers/{id}/vales", h.listVales)
		r.Post("/drivers/{id}/vales", h.createVale)
		r.Get("/drivers/{id}/settlements", h.listSettlements)
		r.Post("/drivers/{id}/settlements", h.finalize)
		r.Get("/drivers/{id}/settlements.csv", h.exportCSV)
		r.Get("/settlements/{id}", h.getSettlement)
	})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) listVales(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "since must be RFC3339")
			return
		}
		since = &t
	}
	vales, err := h.service.ListVales(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		h.fail(w, r, "list vales", err)
		return
	}
	httpx.JSON(w, http.StatusOK, vales)
}

func (h *Handler) createVale(w http.ResponseWriter, r *http.Request) {
	var req CreateValeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	vale, err := h.service.CreateVale(r.Context(), chi.URLParam(r, "id"), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "create vale", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, vale)
}

func (h *Handler) listSettlements(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListSettlements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "list settlements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	settlement, err := h.service.Finalize(r.Context(), req.toCommand(chi.URLParam(r, "id")),
		shared.ActorFromContext(r.Context()), r.Header.Get(delivery.IdempotencyHeader))
	if err != nil {
		h.fail(w, r, "finalize settlement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, settlement)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="settlements-%s.csv"`, driverID))
	if err := h.service.ExportSettlementsCSV(r.Context(), driverID, w); err != nil {
		w.Header().Del("Content-Disposition")
		h.fail(w, r, "export settlements", err)
	}
}

func (h *Handler) getSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.GetSettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get settlement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, s)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	mapped := MapError(err)
	if errors.Is(mapped, httpx.ErrUnavailable) || errors.Is(err, mapped) {
		h.logger.Error(op+" failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// MapError wraps settlement errors with the matching httpx sentinel.
func MapError(err error) error {
	switch {
	case errors.Is(err, delivery.ErrDriverNotFound), errors.Is(err, ErrSettlementNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrStaleBalance),
		errors.Is(err, ErrSettlementInProgress), errors.Is(err, ErrSettlementConflict):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, ErrStoreUnavailable):
		return fmt.Errorf("%w: %w", httpx.ErrUnavailable, err)
	default:
		return err
	}
}
