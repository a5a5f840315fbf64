package activity

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/visible-governance/platform/internal/shared/auth"
)

const defaultPageSize = 50

// Handler serves the activity log to admins
type Handler struct {
	log *Log
}

func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// Routes expects auth.OptionalMiddleware upstream.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles("admin"))
	r.Get("/", h.List)
	return r
}

// List handles GET /?limit=&type=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, h.log.capacity)
	}

	entries := h.log.Recent(limit, r.URL.Query().Get("type"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"total":   len(entries),
		"counts":  h.log.Counts(),
	})
}
