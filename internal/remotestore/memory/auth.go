package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
	"golang.org/x/crypto/bcrypt"
)

// Operation names accepted by Auth.FailNext.
const (
	OpSignIn     = "sign_in"
	OpSignUp     = "sign_up"
	OpSignOut    = "sign_out"
	OpUpdateUser = "update_user"
	OpGetSession = "get_session"
)

type account struct {
	id           string
	email        string
	passwordHash []byte
	metadata     map[string]any
}

// Auth is an in-memory identity service implementing remotestore.AuthProvider.
type Auth struct {
	mu       sync.Mutex
	issuer   *auth.Issuer
	accounts map[string]*account // by email
	revoked  map[string]bool     // session IDs
	failures map[string][]error
}

// NewAuth creates an identity service signing sessions with issuer.
func NewAuth(issuer *auth.Issuer) *Auth {
	return &Auth{
		issuer:   issuer,
		accounts: make(map[string]*account),
		revoked:  make(map[string]bool),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next call of op return err.
func (a *Auth) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], err)
}

func (a *Auth) takeFailure(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.failures[op]
	if len(queue) == 0 {
		return nil
	}
	a.failures[op] = queue[1:]
	return queue[0]
}

// Metadata returns a copy of the stored metadata for email.
func (a *Auth) Metadata(email string) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accounts[normalizeEmail(email)]
	if !ok {
		return nil, false
	}
	return remotestore.MergeMetadata(acc.metadata, nil), true
}

// LookupUser finds an account by id.
func (a *Auth) LookupUser(ctx context.Context, id string) (*remotestore.AuthUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, acc := range a.accounts {
		if acc.id == id {
			return &remotestore.AuthUser{
				ID:       acc.id,
				Email:    acc.email,
				Metadata: remotestore.MergeMetadata(acc.metadata, nil),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", remotestore.ErrUnknownUser, id)
}

// Client returns a client-scoped handle, restoring the session in accessToken.
func (a *Auth) Client(ctx context.Context, accessToken string) (remotestore.Auth, error) {
	c := &client{parent: a}
	if accessToken == "" {
		return c, nil
	}

	user, expiresAt, err := a.issuer.Parse(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remotestore.ErrNoSession, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revoked[user.SessionID] {
		return nil, fmt.Errorf("%w: session revoked", remotestore.ErrNoSession)
	}
	acc, ok := a.accounts[normalizeEmail(user.Email)]
	if !ok || acc.id != user.ID {
		return nil, fmt.Errorf("%w: unknown user", remotestore.ErrNoSession)
	}
	c.session = &remotestore.Session{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		User:        acc.authUser(),
	}
	c.sessionID = user.SessionID
	return c, nil
}

func (acc *account) authUser() remotestore.AuthUser {
	return remotestore.AuthUser{
		ID:       acc.id,
		Email:    acc.email,
		Metadata: remotestore.MergeMetadata(acc.metadata, nil),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type client struct {
	parent *Auth

	mu        sync.Mutex
	session   *remotestore.Session
	sessionID string
	listeners remotestore.SessionListeners
}

func (c *client) GetSession(ctx context.Context) (*remotestore.Session, error) {
	if err := c.parent.takeFailure(OpGetSession); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, nil
	}
	s := *c.session
	return &s, nil
}

func (c *client) OnSessionChange(handler remotestore.SessionHandler) remotestore.Subscription {
	return c.listeners.Add(handler)
}

func (c *client) SignIn(ctx context.Context, email, password string) (*remotestore.Session, error) {
	if err := c.parent.takeFailure(OpSignIn); err != nil {
		return nil, err
	}

	c.parent.mu.Lock()
	acc, ok := c.parent.accounts[normalizeEmail(email)]
	c.parent.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		return nil, remotestore.ErrInvalidCredentials
	}

	return c.establish(remotestore.SessionSignedIn, acc, uuid.New().String())
}

func (c *client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*remotestore.Session, error) {
	if err := c.parent.takeFailure(OpSignUp); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	key := normalizeEmail(email)
	c.parent.mu.Lock()
	if _, exists := c.parent.accounts[key]; exists {
		c.parent.mu.Unlock()
		return nil, remotestore.ErrUserExists
	}
	acc := &account{
		id:           uuid.New().String(),
		email:        key,
		passwordHash: hash,
		metadata:     remotestore.MergeMetadata(metadata, nil),
	}
	c.parent.accounts[key] = acc
	c.parent.mu.Unlock()

	return c.establish(remotestore.SessionSignedIn, acc, uuid.New().String())
}

func (c *client) SignOut(ctx context.Context) error {
	if err := c.parent.takeFailure(OpSignOut); err != nil {
		return err
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.session = nil
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID != "" {
		c.parent.mu.Lock()
		c.parent.revoked[sessionID] = true
		c.parent.mu.Unlock()
	}

	c.listeners.Notify(remotestore.SessionSignedOut, nil)
	return nil
}

func (c *client) UpdateUserMetadata(ctx context.Context, fields map[string]any) (*remotestore.AuthUser, error) {
	if err := c.parent.takeFailure(OpUpdateUser); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, remotestore.ErrNoSession
	}
	email := c.session.User.Email
	sessionID := c.sessionID
	c.mu.Unlock()

	c.parent.mu.Lock()
	acc, ok := c.parent.accounts[normalizeEmail(email)]
	if !ok {
		c.parent.mu.Unlock()
		return nil, remotestore.ErrNoSession
	}
	acc.metadata = remotestore.MergeMetadata(acc.metadata, fields)
	c.parent.mu.Unlock()

	session, err := c.establish(remotestore.SessionUserUpdated, acc, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.User, nil
}

// establish issues a session for acc, stores it and notifies listeners.
func (c *client) establish(event remotestore.SessionEvent, acc *account, sessionID string) (*remotestore.Session, error) {
	c.parent.mu.Lock()
	user := acc.authUser()
	c.parent.mu.Unlock()

	token, expiresAt, err := c.parent.issuer.IssueSession(user.ID, user.Email, user.Metadata, sessionID)
	if err != nil {
		return nil, err
	}
	session := &remotestore.Session{AccessToken: token, ExpiresAt: expiresAt, User: user}

	c.mu.Lock()
	c.session = session
	c.sessionID = sessionID
	c.mu.Unlock()

	c.listeners.Notify(event, session)
	s := *session
	return &s, nil
}
