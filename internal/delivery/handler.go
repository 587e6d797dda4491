package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rotafood/rotafood/internal/platform/httpx"
	"github.com/rotafood/rotafood/internal/shared"
)

// IdempotencyHeader carries an optional client key for lifecycle commands.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages order and driver HTTP endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	requireUser func(http.Handler) http.Handler
}

// NewHandler creates a new handler. requireUser guards every route except checkout.
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
	// Customer checkout is anonymous.
	r.Post("/orders", h.createOrder)

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Patch("/orders/{id}", h.updateOrder)
		r.Delete("/orders/{id}", h.deleteOrder)

		r.Post("/orders/{id}/prepare", h.prepare)
		r.Post("/orders/{id}/ready", h.markReady)
		r.Post("/orders/{id}/assign", h.assign)
		r.Post("/orders/{id}/accept", h.accept)
		r.Post("/orders/{id}/complete", h.complete)
		r.Post("/orders/{id}/revert", h.revert)
		r.Post("/orders/{id}/cancel", h.cancel)

		r.Get("/drivers", h.listDrivers)
		r.Post("/drivers", h.createDriver)
		r.Get("/drivers/{id}", h.getDriver)
		r.Patch("/drivers/{id}", h.updateDriver)
		r.Post("/drivers/{id}/availability", h.setAvailability)
		r.Post("/drivers/{id}/location", h.updateLocation)
	})
}

// ============================================================================
// ORDERS
// ============================================================================

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.CreateOrder(r.Context(), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := shared.PageParams(r)
	filter := ListFilter{
		DriverID: r.URL.Query().Get("driver_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := OrderStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("unknown status %q", s))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for param, target := range map[string]**time.Time{"from": &filter.CreatedFrom, "to": &filter.CreatedTo} {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", param+" must be RFC3339")
			return
		}
		*target = &t
	}

	orders, total, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, OrderListResponse{
		Orders:     orders,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		Pagination: shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.UpdateOrderDetails(r.Context(), chi.URLParam(r, "id"), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "update order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOrder(r.Context(), chi.URLParam(r, "id"), shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, "delete order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// LIFECYCLE COMMANDS
// ============================================================================

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, Prepare{OrderID: chi.URLParam(r, "id")})
}

func (h *Handler) markReady(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, MarkReady{OrderID: chi.URLParam(r, "id")})
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req DriverCommandRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DriverID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "driver_id is required")
		return
	}
	h.execute(w, r, Assign{OrderID: chi.URLParam(r, "id"), DriverID: req.DriverID})
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	var req DriverCommandRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.execute(w, r, Accept{OrderID: chi.URLParam(r, "id"), DriverID: req.DriverID})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req DriverCommandRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.execute(w, r, Complete{OrderID: chi.URLParam(r, "id"), DriverID: req.DriverID})
}

func (h *Handler) revert(w http.ResponseWriter, r *http.Request) {
	var req RevertRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.execute(w, r, Revert{OrderID: chi.URLParam(r, "id"), To: req.To})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.execute(w, r, Cancel{OrderID: chi.URLParam(r, "id"), Reason: req.Reason})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd Command) {
	meta := Meta{
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}
	out, err := h.service.Execute(r.Context(), cmd, meta)
	if err != nil {
		h.fail(w, r, cmd.Name(), err)
		return
	}
	httpx.JSON(w, http.StatusOK, TransitionResponse{Order: out.Order, Driver: out.Driver, From: out.From, At: out.Order.UpdatedAt})
}

// ============================================================================
// DRIVERS
// ============================================================================

func (h *Handler) listDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.service.ListDrivers(r.Context())
	if err != nil {
		h.fail(w, r, "list drivers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, drivers)
}

func (h *Handler) createDriver(w http.ResponseWriter, r *http.Request) {
	var req CreateDriverRequest
	if !h.decode(w, r, &req) {
		return
	}
	driver, err := h.service.CreateDriver(r.Context(), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "create driver", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, driver)
}

func (h *Handler) getDriver(w http.ResponseWriter, r *http.Request) {
	driver, err := h.service.GetDriver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get driver", err)
		return
	}
	httpx.JSON(w, http.StatusOK, driver)
}

func (h *Handler) updateDriver(w http.ResponseWriter, r *http.Request) {
	var req UpdateDriverRequest
	if !h.decode(w, r, &req) {
		return
	}
	driver, err := h.service.UpdateDriver(r.Context(), chi.URLParam(r, "id"), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "update driver", err)
		return
	}
	httpx.JSON(w, http.StatusOK, driver)
}

func (h *Handler) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	driver, err := h.service.SetDriverAvailability(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.fail(w, r, "set availability", err)
		return
	}
	httpx.JSON(w, http.StatusOK, driver)
}

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.UpdateDriverLocation(r.Context(), chi.URLParam(r, "id"), req.Lat, req.Lng); err != nil {
		h.fail(w, r, "update location", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body for commands whose fields are all optional.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, target)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	mapped := MapError(err)
	if errors.Is(mapped, httpx.ErrUnavailable) || !isKnown(mapped) {
		h.logger.Error(op+" failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// MapError wraps lifecycle errors with the matching httpx sentinel.
func MapError(err error) error {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDriverNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidAssignment),
		errors.Is(err, ErrMissingDriver), errors.Is(err, ErrDriverBusy):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, shared.ErrIdempotencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, ErrStoreUnavailable):
		return fmt.Errorf("%w: %w", httpx.ErrUnavailable, err)
	default:
		return err
	}
}

func isKnown(err error) bool {
	return errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrConflict) ||
		errors.Is(err, httpx.ErrDuplicate) || errors.Is(err, httpx.ErrValidation)
}
