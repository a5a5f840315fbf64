// Package remotestore defines the contract of the hosted backend the state
// services depend on: row storage with filtered queries, a realtime change
// feed, an authentication API and serverless function invocation.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Table names used by the platform.
const (
	TableComplaints = "complaints"
	TableFeedback   = "feedback"
)

var (
	// ErrSubscriptionClosed is reported by a subscription that was torn down
	// by its owner.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrSubscriptionDropped is reported when the remote side ended the feed.
	ErrSubscriptionDropped = errors.New("subscription dropped")
	// ErrUnknownTable is returned for tables the backend does not expose.
	ErrUnknownTable = errors.New("unknown table")
	// ErrInvalidCredentials is returned by SignIn for a bad email/password pair.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrUserExists is returned by SignUp when the email is taken.
	ErrUserExists = errors.New("user already registered")
	// ErrNoSession is returned by operations that need a signed-in client.
	ErrNoSession = errors.New("no active session")
	// ErrDuplicateKey is returned by Insert when the primary key is taken.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnknownUser is returned by Directory lookups for a missing user.
	ErrUnknownUser = errors.New("unknown user")
)

// Row is a single record as exchanged with the backend. Values follow JSON
// typing: timestamps may arrive as RFC 3339 strings or time.Time, numbers as
// float64 or integers, nested collections as []any and map[string]any.
type Row map[string]any

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Row:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Normalize converts a row into its JSON wire shape, the way a hosted
// backend returns it.
func Normalize(r Row) (Row, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Row
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Order sorts query results by a column.
type Order struct {
	Column    string
	Ascending bool
}

// Query narrows a Select.
type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
}

// EventType identifies the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventAll    EventType = "*"
)

// ChangeEvent is one row change delivered by the realtime feed.
type ChangeEvent struct {
	Table      string    `json:"table"`
	Type       EventType `json:"type"`
	New        Row       `json:"new"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commit_time"`
}

// EventFilter scopes a change subscription.
type EventFilter struct {
	Type    EventType
	Filters []Filter
}

// Match reports whether ev passes the filter.
func (f EventFilter) Match(ev ChangeEvent) bool {
	if f.Type != "" && f.Type != EventAll && f.Type != ev.Type {
		return false
	}
	return MatchAll(f.Filters, ev.New)
}

// ChangeHandler receives change events.
type ChangeHandler func(ctx context.Context, ev ChangeEvent)

// Store is row CRUD plus the realtime change feed.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) error
	// Update applies patch to every row matching filters and returns the
	// number of rows changed.
	Update(ctx context.Context, table string, patch Row, filters ...Filter) (int64, error)
	SubscribeChanges(ctx context.Context, table string, filter EventFilter, handler ChangeHandler) (Subscription, error)
}

// Feed carries change events between writers and subscribers.
type Feed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(ctx context.Context, table string, filter EventFilter, handler ChangeHandler) (Subscription, error)
}

// Functions invokes named serverless functions.
type Functions interface {
	Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error)
}

// Client bundles the backend facilities.
type Client struct {
	Store     Store
	Auth      AuthProvider
	Functions Functions
}
