package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
	"golang.org/x/crypto/bcrypt"
)

// Auth implements remotestore.AuthProvider with the users and auth_sessions
// tables. Access tokens are signed JWTs whose ID is the session row.
type Auth struct {
	pool   *pgxpool.Pool
	issuer *auth.Issuer
	cost   int
}

// NewAuth creates the identity service.
func NewAuth(pool *pgxpool.Pool, issuer *auth.Issuer) *Auth {
	return &Auth{pool: pool, issuer: issuer, cost: bcrypt.DefaultCost}
}

func (a *Auth) Client(ctx context.Context, accessToken string) (remotestore.Auth, error) {
	c := &client{parent: a}
	if accessToken == "" {
		return c, nil
	}

	claims, expiresAt, err := a.issuer.Parse(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remotestore.ErrNoSession, err)
	}

	var revokedAt *time.Time
	err = a.pool.QueryRow(ctx,
		`SELECT revoked_at FROM auth_sessions WHERE id = $1 AND user_id = $2`,
		claims.SessionID, claims.ID,
	).Scan(&revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown session", remotestore.ErrNoSession)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if revokedAt != nil {
		return nil, fmt.Errorf("%w: session revoked", remotestore.ErrNoSession)
	}

	user, err := a.findByID(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	c.session = &remotestore.Session{AccessToken: accessToken, ExpiresAt: expiresAt, User: *user}
	c.sessionID = claims.SessionID
	return c, nil
}

// LookupUser finds a user by id.
func (a *Auth) LookupUser(ctx context.Context, id string) (*remotestore.AuthUser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", remotestore.ErrUnknownUser, id)
	}
	user, err := a.findByID(ctx, id)
	if errors.Is(err, remotestore.ErrNoSession) {
		return nil, fmt.Errorf("%w: %s", remotestore.ErrUnknownUser, id)
	}
	return user, err
}

func (a *Auth) findByID(ctx context.Context, id string) (*remotestore.AuthUser, error) {
	return a.scanUser(a.pool.QueryRow(ctx,
		`SELECT id::text, email, metadata FROM users WHERE id = $1`, id))
}

func (a *Auth) scanUser(row pgx.Row) (*remotestore.AuthUser, error) {
	var user remotestore.AuthUser
	var metadata []byte
	if err := row.Scan(&user.ID, &user.Email, &metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remotestore.ErrNoSession
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode user metadata: %w", err)
	}
	return &user, nil
}

// openSession records a session row and signs its token.
func (a *Auth) openSession(ctx context.Context, user *remotestore.AuthUser, sessionID string) (*remotestore.Session, error) {
	token, expiresAt, err := a.issuer.IssueSession(user.ID, user.Email, user.Metadata, sessionID)
	if err != nil {
		return nil, err
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO auth_sessions (id, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		sessionID, user.ID, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}
	return &remotestore.Session{AccessToken: token, ExpiresAt: expiresAt, User: *user}, nil
}

type client struct {
	parent *Auth

	mu        sync.Mutex
	session   *remotestore.Session
	sessionID string
	listeners remotestore.SessionListeners
}

func (c *client) GetSession(ctx context.Context) (*remotestore.Session, error) {
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
	var user remotestore.AuthUser
	var hash string
	var metadata []byte
	err := c.parent.pool.QueryRow(ctx,
		`SELECT id::text, email, password_hash, metadata FROM users WHERE email = $1`,
		normalizeEmail(email),
	).Scan(&user.ID, &user.Email, &hash, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, remotestore.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, remotestore.ErrInvalidCredentials
	}
	if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode user metadata: %w", err)
	}

	return c.establish(ctx, remotestore.SessionSignedIn, &user, uuid.New().String())
}

func (c *client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*remotestore.Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.parent.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user metadata: %w", err)
	}

	user := &remotestore.AuthUser{
		ID:       uuid.New().String(),
		Email:    normalizeEmail(email),
		Metadata: remotestore.MergeMetadata(metadata, nil),
	}
	_, err = c.parent.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, metadata) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, string(hash), meta,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, remotestore.ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return c.establish(ctx, remotestore.SessionSignedIn, user, uuid.New().String())
}

func (c *client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		_, err := c.parent.pool.Exec(ctx,
			`UPDATE auth_sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
	}

	c.mu.Lock()
	c.session = nil
	c.sessionID = ""
	c.mu.Unlock()

	c.listeners.Notify(remotestore.SessionSignedOut, nil)
	return nil
}

func (c *client) UpdateUserMetadata(ctx context.Context, fields map[string]any) (*remotestore.AuthUser, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, remotestore.ErrNoSession
	}
	userID := c.session.User.ID
	sessionID := c.sessionID
	c.mu.Unlock()

	tx, err := c.parent.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := c.parent.scanUser(tx.QueryRow(ctx,
		`SELECT id::text, email, metadata FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}
	user.Metadata = remotestore.MergeMetadata(user.Metadata, fields)
	meta, err := json.Marshal(user.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user metadata: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET metadata = $2, updated_at = NOW() WHERE id = $1`, userID, meta,
	); err != nil {
		return nil, fmt.Errorf("failed to update user metadata: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	session, err := c.establish(ctx, remotestore.SessionUserUpdated, user, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.User, nil
}

func (c *client) establish(ctx context.Context, event remotestore.SessionEvent, user *remotestore.AuthUser, sessionID string) (*remotestore.Session, error) {
	session, err := c.parent.openSession(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.sessionID = sessionID
	c.mu.Unlock()

	c.listeners.Notify(event, session)
	s := *session
	return &s, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
