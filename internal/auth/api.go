package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
	sharedauth "github.com/visible-governance/platform/internal/shared/auth"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
)

// Handler exposes login, signup, logout and the current user over HTTP.
// Each request works on its own client handle.
type Handler struct {
	provider remotestore.AuthProvider
	cfg      Config
	logger   zerolog.Logger
}

func NewHandler(provider remotestore.AuthProvider, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{provider: provider, cfg: cfg, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Post("/signup", h.Signup)
	r.Post("/logout", h.Logout)
	r.Get("/me", h.Me)
	return r
}

type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	LoginType  string `json:"login_type" validate:"omitempty,oneof=citizen admin"`
	Department string `json:"department"`
}

type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"required,max=200"`
}

type SessionResponse struct {
	Message     string     `json:"message"`
	AccessToken string     `json:"access_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	User        *User      `json:"user,omitempty"`
}

// toastRecorder keeps the last toast so it can be returned to the caller.
type toastRecorder struct {
	last alert.Alert
}

func (t *toastRecorder) Success(message string) alert.Alert {
	t.last = alert.Alert{Kind: alert.KindSuccess, Message: message, CreatedAt: time.Now()}
	return t.last
}

func (t *toastRecorder) Error(message string) alert.Alert {
	t.last = alert.Alert{Kind: alert.KindError, Message: message, CreatedAt: time.Now()}
	return t.last
}

func (h *Handler) identity(r *http.Request, token string) (*Identity, *toastRecorder, error) {
	client, err := h.provider.Client(r.Context(), token)
	if err != nil {
		return nil, nil, err
	}
	toasts := &toastRecorder{}
	return NewIdentity(client, toasts, h.cfg, h.logger), toasts, nil
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if err := domain.ValidateStruct("invalid login", req); err != nil {
		writeError(w, err)
		return
	}
	role, err := ParseRole(req.LoginType)
	if err != nil {
		writeError(w, apperrors.BadRequest(err.Error()))
		return
	}

	id, toasts, err := h.identity(r, "")
	if err != nil {
		writeError(w, apperrors.Internal(err))
		return
	}
	if !id.Login(r.Context(), req.Email, req.Password, role, req.Department) {
		writeError(w, apperrors.Unauthorized(toasts.last.Message))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(toasts.last.Message, id))
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if err := domain.ValidateStruct("invalid signup", req); err != nil {
		writeError(w, err)
		return
	}

	id, toasts, err := h.identity(r, "")
	if err != nil {
		writeError(w, apperrors.Internal(err))
		return
	}
	if !id.Signup(r.Context(), req.Email, req.Password, req.Name) {
		writeError(w, apperrors.BadRequest(toasts.last.Message))
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(toasts.last.Message, id))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, toasts, ok := h.restore(w, r)
	if !ok {
		return
	}
	defer id.Stop()
	if !id.Logout(r.Context()) {
		writeError(w, apperrors.Unavailable(toasts.last.Message, nil))
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Message: toasts.last.Message})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.restore(w, r)
	if !ok {
		return
	}
	defer id.Stop()
	user := id.Current()
	if user == nil {
		writeError(w, apperrors.Unauthorized("not signed in"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// restore opens a client handle for the request's bearer token.
func (h *Handler) restore(w http.ResponseWriter, r *http.Request) (*Identity, *toastRecorder, bool) {
	token, ok := sharedauth.BearerToken(r)
	if !ok {
		writeError(w, apperrors.Unauthorized("missing bearer token"))
		return nil, nil, false
	}
	id, toasts, err := h.identity(r, token)
	if err != nil {
		if errors.Is(err, remotestore.ErrNoSession) {
			writeError(w, apperrors.Unauthorized("session expired"))
		} else {
			writeError(w, apperrors.Internal(err))
		}
		return nil, nil, false
	}
	if err := id.Start(r.Context()); err != nil {
		writeError(w, apperrors.Unavailable("failed to read session", err))
		return nil, nil, false
	}
	return id, toasts, true
}

func sessionResponse(message string, id *Identity) SessionResponse {
	resp := SessionResponse{Message: message, User: id.Current()}
	if s := id.Session(); s != nil {
		resp.AccessToken = s.AccessToken
		expires := s.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

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
