package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/remotestore"
	sharedauth "github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/metrics"
)

// User-visible outcomes of identity operations.
const (
	MsgLoginSuccess  = "Successfully logged in!"
	MsgLoginFailed   = "Failed to login. Please check your credentials."
	MsgSignupSuccess = "Successfully signed up! Please check your email for verification."
	MsgSignupFailed  = "Failed to sign up. Please try again."
	MsgLogoutSuccess = "Successfully logged out!"
	MsgLogoutFailed  = "Failed to logout."
)

// Toasts receives the user-visible outcome of each operation.
type Toasts interface {
	Success(message string) alert.Alert
	Error(message string) alert.Alert
}

type Config struct {
	Policy RolePolicy
	// Registry is required by PolicyRegistry.
	Registry *Registry
}

// Identity mirrors the current user of one authentication client handle.
type Identity struct {
	client remotestore.Auth
	toasts Toasts
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	user    *User
	session *remotestore.Session
	loading bool
	sub     remotestore.Subscription
}

func NewIdentity(client remotestore.Auth, toasts Toasts, cfg Config, logger zerolog.Logger) *Identity {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLoginOverride
	}
	return &Identity{
		client:  client,
		toasts:  toasts,
		cfg:     cfg,
		logger:  logger,
		loading: true,
	}
}

// Start restores the current session and follows session changes until Stop.
// A failed session read leaves the identity signed out and is returned.
func (id *Identity) Start(ctx context.Context) error {
	session, err := id.client.GetSession(ctx)
	if err != nil {
		id.logger.Error().Err(err).Msg("failed to read session")
		session = nil
	}

	sub := id.client.OnSessionChange(id.handleChange)

	id.mu.Lock()
	if id.sub != nil {
		id.sub.Unsubscribe()
	}
	id.sub = sub
	id.setLocked(session)
	id.loading = false
	id.mu.Unlock()
	return err
}

func (id *Identity) Stop() {
	id.mu.Lock()
	sub := id.sub
	id.sub = nil
	id.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (id *Identity) handleChange(event remotestore.SessionEvent, session *remotestore.Session) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if event == remotestore.SessionSignedOut {
		session = nil
	}
	id.setLocked(session)
	id.logger.Debug().Str("event", string(event)).Bool("signed_in", session != nil).Msg("session changed")
}

func (id *Identity) setLocked(session *remotestore.Session) {
	if session == nil {
		id.user = nil
		id.session = nil
		return
	}
	s := *session
	id.session = &s
	id.user = Project(s.User)
}

// Current returns a copy of the signed-in user, or nil.
func (id *Identity) Current() *User {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.user == nil {
		return nil
	}
	u := *id.user
	return &u
}

// Session returns a copy of the current session, or nil.
func (id *Identity) Session() *remotestore.Session {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.session == nil {
		return nil
	}
	s := *id.session
	return &s
}

// Loading reports whether Start has not completed yet.
func (id *Identity) Loading() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.loading
}

// Login signs in and records the role picked on the login form. Department is
// stored only for admins.
func (id *Identity) Login(ctx context.Context, email, password string, loginType Role, department string) bool {
	err := id.login(ctx, email, password, loginType, department)
	metrics.RecordIdentity("login", err == nil)
	if err != nil {
		id.logger.Warn().Err(err).Str("login_type", string(loginType)).Msg("login failed")
		id.toasts.Error(MsgLoginFailed)
		return false
	}
	id.toasts.Success(MsgLoginSuccess)
	return true
}

func (id *Identity) login(ctx context.Context, email, password string, loginType Role, department string) error {
	if loginType == "" {
		loginType = RoleCitizen
	}
	if loginType != RoleCitizen && loginType != RoleAdmin {
		return fmt.Errorf("unknown login type %q", loginType)
	}

	if loginType == RoleAdmin && id.cfg.Policy == PolicyRegistry {
		if id.cfg.Registry == nil {
			return fmt.Errorf("registry policy without a registry")
		}
		dept, err := id.cfg.Registry.Authorize(email, department)
		if err != nil {
			return err
		}
		department = dept
	}

	session, err := id.client.SignIn(ctx, email, password)
	if err != nil {
		return err
	}

	fields := map[string]any{
		sharedauth.MetaRole:       string(loginType),
		sharedauth.MetaDepartment: nil,
	}
	if loginType == RoleAdmin && department != "" {
		fields[sharedauth.MetaDepartment] = department
	}
	if _, err := id.client.UpdateUserMetadata(ctx, fields); err != nil {
		if signOutErr := id.client.SignOut(ctx); signOutErr != nil {
			id.logger.Warn().Err(signOutErr).Msg("sign out after failed role update")
		}
		id.set(nil)
		return fmt.Errorf("update role: %w", err)
	}

	// The metadata update reissues the session; pick up the new token.
	if latest, err := id.client.GetSession(ctx); err == nil && latest != nil {
		session = latest
	}
	id.set(session)
	return nil
}

// Signup registers a citizen account.
func (id *Identity) Signup(ctx context.Context, email, password, name string) bool {
	session, err := id.client.SignUp(ctx, email, password, map[string]any{
		sharedauth.MetaName: name,
		sharedauth.MetaRole: string(RoleCitizen),
	})
	metrics.RecordIdentity("signup", err == nil)
	if err != nil {
		id.logger.Warn().Err(err).Msg("signup failed")
		id.toasts.Error(MsgSignupFailed)
		return false
	}
	if session != nil {
		id.set(session)
	}
	id.toasts.Success(MsgSignupSuccess)
	return true
}

func (id *Identity) Logout(ctx context.Context) bool {
	err := id.client.SignOut(ctx)
	metrics.RecordIdentity("logout", err == nil)
	if err != nil {
		id.logger.Warn().Err(err).Msg("logout failed")
		id.toasts.Error(MsgLogoutFailed)
		return false
	}
	id.set(nil)
	id.toasts.Success(MsgLogoutSuccess)
	return true
}

func (id *Identity) set(session *remotestore.Session) {
	id.mu.Lock()
	id.setLocked(session)
	id.mu.Unlock()
}
