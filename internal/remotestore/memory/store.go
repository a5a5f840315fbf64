// Package memory is an in-process remote store backend used in development
// mode and by tests. Rows are kept in their JSON wire shape.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/visible-governance/platform/internal/remotestore"
)

const subscriberBuffer = 256

// Operation names accepted by FailNext.
const (
	OpSelect    = "select"
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpSubscribe = "subscribe"
)

// Store implements remotestore.Store in memory.
type Store struct {
	mu       sync.RWMutex
	tables   map[string][]remotestore.Row
	subs     map[int]*subscriber
	nextSub  int
	failures map[string][]error
	calls    map[string]int
	now      func() time.Time
}

type subscriber struct {
	table   string
	filter  remotestore.EventFilter
	handler remotestore.ChangeHandler
	events  chan remotestore.ChangeEvent
	handle  *remotestore.Handle
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables:   make(map[string][]remotestore.Row),
		subs:     make(map[int]*subscriber),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Subscribers returns the number of live change subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// DropSubscriptions ends every live subscription as if the connection was lost.
func (s *Store) DropSubscriptions() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handle.Close(remotestore.ErrSubscriptionDropped)
	}
}

// takeFailure must be called with mu held.
func (s *Store) takeFailure(op string) error {
	s.calls[op]++
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[op] = queue[1:]
	return err
}

func (s *Store) Select(ctx context.Context, table string, q remotestore.Query) ([]remotestore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.takeFailure(OpSelect); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var out []remotestore.Row
	for _, row := range s.tables[table] {
		if remotestore.MatchAll(q.Filters, row) {
			out = append(out, row.Clone())
		}
	}
	s.mu.Unlock()

	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				c, ok := remotestore.Compare(out[i][o.Column], out[j][o.Column])
				if !ok || c == 0 {
					continue
				}
				if o.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, rows ...remotestore.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	normalized := make([]remotestore.Row, 0, len(rows))
	for _, row := range rows {
		n, err := remotestore.Normalize(row)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		normalized = append(normalized, n)
	}

	s.mu.Lock()
	if err := s.takeFailure(OpInsert); err != nil {
		s.mu.Unlock()
		return err
	}
	existing := s.tables[table]
	for _, row := range normalized {
		id, ok := row["id"]
		if !ok {
			continue
		}
		for _, other := range existing {
			if other["id"] == id {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s.id=%v", remotestore.ErrDuplicateKey, table, id)
			}
		}
	}

	events := make([]remotestore.ChangeEvent, 0, len(normalized))
	for _, row := range normalized {
		s.tables[table] = append(s.tables[table], row)
		events = append(events, remotestore.ChangeEvent{
			Table:      table,
			Type:       remotestore.EventInsert,
			New:        row.Clone(),
			CommitTime: s.now(),
		})
	}
	s.dispatchLocked(events)
	s.mu.Unlock()

	return nil
}

func (s *Store) Update(ctx context.Context, table string, patch remotestore.Row, filters ...remotestore.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	normalized, err := remotestore.Normalize(patch)
	if err != nil {
		return 0, fmt.Errorf("failed to encode patch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpUpdate); err != nil {
		return 0, err
	}

	var affected int64
	var events []remotestore.ChangeEvent
	for i, row := range s.tables[table] {
		if !remotestore.MatchAll(filters, row) {
			continue
		}
		old := row.Clone()
		updated := row.Clone()
		for k, v := range normalized {
			updated[k] = v
		}
		s.tables[table][i] = updated
		affected++
		events = append(events, remotestore.ChangeEvent{
			Table:      table,
			Type:       remotestore.EventUpdate,
			New:        updated.Clone(),
			Old:        old,
			CommitTime: s.now(),
		})
	}
	s.dispatchLocked(events)

	return affected, nil
}

func (s *Store) SubscribeChanges(ctx context.Context, table string, filter remotestore.EventFilter, handler remotestore.ChangeHandler) (remotestore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.takeFailure(OpSubscribe); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{
		table:   table,
		filter:  filter,
		handler: handler,
		events:  make(chan remotestore.ChangeEvent, subscriberBuffer),
	}
	sub.handle = remotestore.NewHandle(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run(ctx)
	return sub.handle, nil
}

// dispatchLocked queues events for matching subscribers. mu must be held.
func (s *Store) dispatchLocked(events []remotestore.ChangeEvent) {
	for _, ev := range events {
		for _, sub := range s.subs {
			if sub.table != ev.Table || !sub.filter.Match(ev) {
				continue
			}
			select {
			case sub.events <- ev:
			default:
				go sub.handle.Close(fmt.Errorf("%w: subscriber too slow", remotestore.ErrSubscriptionDropped))
			}
		}
	}
}

func (sub *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			sub.handle.Close(ctx.Err())
			return
		case <-sub.handle.Done():
			return
		case ev := <-sub.events:
			sub.handler(ctx, ev)
		}
	}
}
