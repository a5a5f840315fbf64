package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/shared/auth"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler provides HTTP handlers for notifications and alerts
type Handler struct {
	service  *Service
	alerts   *alert.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new notification handler. allowedOrigins limits
// websocket upgrades; "*" accepts any origin.
func NewHandler(service *Service, alerts *alert.Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		alerts:  alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Routes registers the notification routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles("citizen", "admin"))
		r.Get("/", h.ListNotifications)
		r.Get("/unread-count", h.UnreadCount)
		r.Post("/read-all", h.MarkAllRead)
		r.Post("/{notificationID}/read", h.MarkRead)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Use(auth.RequireRoles("citizen", "admin"))
		r.Get("/", h.ListAlerts)
		r.Post("/{alertID}/dismiss", h.DismissAlert)
		r.Get("/ws", h.StreamAlerts)
	})

	return r
}

// visible returns the notifications the caller may see: admins see every
// notification, citizens their own.
func (h *Handler) visible(user *auth.User) []Notification {
	if user.IsAdmin() {
		return h.service.List()
	}
	return h.service.ForUser(user.ID)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications := h.visible(auth.GetUser(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"total":         len(notifications),
	})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	count := h.service.UnreadCountFor(user.ID)
	if user.IsAdmin() {
		count = h.service.UnreadCount()
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationID")
	user := auth.GetUser(r.Context())

	n, ok := h.service.Get(id)
	if !ok || (!user.IsAdmin() && n.UserID != user.ID) {
		writeError(w, apperrors.NotFound("notification", id))
		return
	}
	h.service.MarkRead(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	var changed int
	if user.IsAdmin() {
		changed = h.service.MarkAllRead()
	} else {
		changed = h.service.MarkAllReadFor(user.ID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": changed})
}

func visibleAlert(user *auth.User, a alert.Alert) bool {
	return a.VisibleTo(user.ID, user.IsAdmin())
}

// ListAlerts returns the active alerts the caller may see
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	out := []alert.Alert{}
	for _, a := range h.alerts.Active() {
		if visibleAlert(user, a) {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	a, ok := h.alerts.Get(id)
	if !ok || !visibleAlert(auth.GetUser(r.Context()), a) || !h.alerts.Dismiss(id) {
		writeError(w, apperrors.NotFound("alert", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamAlerts upgrades to a websocket and pushes the lifecycle events of
// alerts the caller may see. Alerts already showing are sent first.
func (h *Handler) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	events, cancel := h.alerts.Subscribe()
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, user, events, done)
}

// readPump discards client messages and notices when the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("alert stream closed")
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, user *auth.User, events <-chan alert.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for _, a := range h.alerts.Active() {
		if !visibleAlert(user, a) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(alert.Event{Type: alert.EventShown, Alert: a}); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !visibleAlert(user, ev.Alert) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error": appErr.Message,
			"code":  appErr.Code,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
