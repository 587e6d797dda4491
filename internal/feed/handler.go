package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rotafood/rotafood/internal/platform/httpx"
)

// Handler serves snapshot streams and the dashboard.
type Handler struct {
	hub         *Hub
	logger      *slog.Logger
	requireUser func(http.Handler) http.Handler
	upgrader    websocket.Upgrader
}

// NewHandler creates a new handler. allowedOrigins limits websocket upgrades;
// an empty list only accepts same-host origins.
func NewHandler(hub *Hub, logger *slog.Logger, requireUser func(http.Handler) http.Handler, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if requireUser == nil {
		requireUser = func(next http.Handler) http.Handler { return next }
	}
	h := &Handler{hub: hub, logger: logger, requireUser: requireUser}
	h.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return h
}

// MountRoutes registers streams and the dashboard on one router.
func (h *Handler) MountRoutes(r chi.Router) {
	h.MountStreams(r)
	h.MountDashboard(r)
}

// MountStreams registers the long-lived SSE and websocket routes.
func (h *Handler) MountStreams(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)
		r.Get("/stream/{collection}", h.stream)
		r.Get("/ws/{collection}", h.websocket)
	})
}

// MountDashboard registers GET /dashboard.
func (h *Handler) MountDashboard(r chi.Router) {
	r.With(h.requireUser).Get("/dashboard", h.dashboardView)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if _, ok := h.hub.source(collection); !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, collection))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusInternalServerError, "Streaming Unsupported", "")
		return
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(s Snapshot) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", s.Event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.hub.Watch(r.Context(), collection, send, ping); err != nil && r.Context().Err() == nil {
		h.logger.Warn("feed stream ended", slog.String("collection", collection), slog.Any("error", err))
	}
}

func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if _, ok := h.hub.source(collection); !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, collection))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.logger.Debug("websocket upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients only listen; a read error means they went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(s Snapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(s)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
	if err := h.hub.Watch(ctx, collection, send, ping); err != nil && ctx.Err() == nil {
		h.logger.Warn("feed websocket ended", slog.String("collection", collection), slog.Any("error", err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Handler) dashboardView(w http.ResponseWriter, r *http.Request) {
	data, err := h.hub.Dashboard(r.Context())
	if err != nil {
		h.logger.Error("dashboard failed", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnavailable, err))
		return
	}
	httpx.JSON(w, http.StatusOK, data)
}
