package remotestore

import (
	"context"
	"time"
)

// AuthUser is the identity record held by the authentication service.
type AuthUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata"`
}

// Session is an established authentication session.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        AuthUser  `json:"user"`
}

// SessionEvent identifies a session transition.
type SessionEvent string

const (
	SessionSignedIn    SessionEvent = "SIGNED_IN"
	SessionSignedOut   SessionEvent = "SIGNED_OUT"
	SessionUserUpdated SessionEvent = "USER_UPDATED"
)

// SessionHandler is called on every session transition. session is nil after
// sign-out.
type SessionHandler func(event SessionEvent, session *Session)

// Auth is a client-scoped view of the authentication service. Each handle
// tracks at most one current session.
type Auth interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	OnSessionChange(handler SessionHandler) Subscription
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error)
	SignOut(ctx context.Context) error
	// UpdateUserMetadata merges fields into the current user's metadata.
	// Nil values remove the key.
	UpdateUserMetadata(ctx context.Context, fields map[string]any) (*AuthUser, error)
}

// AuthProvider hands out client-scoped Auth handles. An empty access token
// yields a signed-out client; otherwise the session is restored from it.
type AuthProvider interface {
	Client(ctx context.Context, accessToken string) (Auth, error)
}

// Directory resolves users by id outside of any session.
type Directory interface {
	LookupUser(ctx context.Context, id string) (*AuthUser, error)
}

// MergeMetadata applies fields to base the way UpdateUserMetadata does.
func MergeMetadata(base, fields map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
