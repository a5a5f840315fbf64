package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/shared/auth"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
)

// Handler provides HTTP handlers for the complaint module
type Handler struct {
	cache *cache.Cache
	now   func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithClock replaces the wall clock used for SLA fields and timeline dates.
// Pass the same clock the cache was built with.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a new complaint handler
func NewHandler(c *cache.Cache, opts ...HandlerOption) *Handler {
	h := &Handler{cache: c, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the complaint routes. Requests are expected to pass
// through auth.OptionalMiddleware so anonymous citizens can file.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListComplaints)
	r.Post("/", h.CreateComplaint)
	r.Get("/stats", h.GetStats)

	r.Route("/{complaintID}", func(r chi.Router) {
		r.Get("/", h.GetComplaint)
		r.Post("/feedback", h.SubmitFeedback)

		// Admin workflow
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRoles("admin"))
			r.Patch("/", h.UpdateComplaint)
			r.Post("/status", h.UpdateStatus)
			r.Post("/resolve", h.ResolveComplaint)
		})
	})

	return r
}

// --- Request/Response types ---

type UpdateStatusRequest struct {
	Status     domain.Status `json:"status"`
	Department string        `json:"department,omitempty"`
}

type CreateComplaintResponse struct {
	ID string `json:"id"`
}

// ComplaintResponse adds the SLA view to a complaint
type ComplaintResponse struct {
	domain.Complaint
	Deadline          time.Time                 `json:"deadline"`
	DaysLeft          int                       `json:"days_left"`
	Overdue           bool                      `json:"overdue"`
	ResolutionDetails *domain.ResolutionDetails `json:"resolution_details,omitempty"`
}

func (h *Handler) toResponse(c *domain.Complaint) ComplaintResponse {
	now := h.now()
	return ComplaintResponse{
		Complaint:         *c,
		Deadline:          c.Deadline(),
		DaysLeft:          c.DaysLeft(now),
		Overdue:           c.Overdue(now),
		ResolutionDetails: c.ResolutionDetails(),
	}
}

// --- Handlers ---

// ListComplaints serves the mirror. Admins see their department, citizens
// their own complaints; ?refresh=true refetches from the store first.
func (h *Handler) ListComplaints(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if _, err := h.cache.ListAll(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}

	var complaints []domain.Complaint
	user := auth.GetUser(r.Context())
	switch {
	case user == nil:
		writeError(w, apperrors.Unauthorized("authentication required"))
		return
	case user.IsAdmin() && user.Department != "":
		complaints = h.cache.ForDepartment(user.Department)
	case user.IsAdmin():
		complaints = h.cache.Snapshot()
	default:
		complaints = h.cache.ForUser(user.ID)
	}

	if s := r.URL.Query().Get("status"); s != "" {
		filtered := complaints[:0]
		for _, c := range complaints {
			if string(c.Status) == s {
				filtered = append(filtered, c)
			}
		}
		complaints = filtered
	}

	out := make([]ComplaintResponse, len(complaints))
	for i := range complaints {
		out[i] = h.toResponse(&complaints[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"complaints": out,
		"total":      len(out),
	})
}

func (h *Handler) CreateComplaint(w http.ResponseWriter, r *http.Request) {
	var in domain.NewComplaintInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	in.UserID = ""
	if user := auth.GetUser(r.Context()); user != nil && !in.Anonymous {
		in.UserID = user.ID
	}

	id, err := h.cache.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateComplaintResponse{ID: id})
}

func (h *Handler) GetComplaint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "complaintID")

	c, found, err := h.cache.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperrors.NotFound("complaint", id))
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *Handler) UpdateComplaint(w http.ResponseWriter, r *http.Request) {
	var fields cache.UpdateFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	c, err := h.cache.Modify(r.Context(), chi.URLParam(r, "complaintID"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if req.Department == "" {
		req.Department = auth.GetUser(r.Context()).Department
	}

	fields := cache.StatusFields(req.Status, req.Department, h.now().UTC())
	c, err := h.cache.Modify(r.Context(), chi.URLParam(r, "complaintID"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *Handler) ResolveComplaint(w http.ResponseWriter, r *http.Request) {
	var details domain.ResolutionDetails
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if details.Department == "" {
		details.Department = auth.GetUser(r.Context()).Department
	}

	fields, err := cache.ResolutionFields(details, h.now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.cache.Modify(r.Context(), chi.URLParam(r, "complaintID"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var fb domain.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	fb.ComplaintID = chi.URLParam(r, "complaintID")

	if err := h.cache.SubmitFeedback(r.Context(), fb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "received"})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
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
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
