// Package postgres is the relational remote store backend. Rows are read and
// written through their JSON representation so callers see the same wire
// shape as with any hosted backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/visible-governance/platform/internal/remotestore"
)

const uniqueViolation = "23505"

// Store implements remotestore.Store on PostgreSQL. Change events are
// published to feed after each successful write.
type Store struct {
	pool   *pgxpool.Pool
	feed   remotestore.Feed
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store. feed may be nil, in which case SubscribeChanges
// is unavailable.
func NewStore(pool *pgxpool.Pool, feed remotestore.Feed, logger zerolog.Logger) *Store {
	return &Store{pool: pool, feed: feed, logger: logger, now: time.Now}
}

func (s *Store) Select(ctx context.Context, tableName string, q remotestore.Query) ([]remotestore.Row, error) {
	t, err := lookup(tableName)
	if err != nil {
		return nil, err
	}

	b := &builder{}
	where, err := b.where(t, "t", q.Filters)
	if err != nil {
		return nil, err
	}
	order, err := b.orderBy(t, "t", q.Order)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row_to_json(t) FROM %s AS t WHERE %s%s", t.name, where, order)
	if q.Limit > 0 {
		query += " LIMIT " + b.arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []remotestore.Row
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.name, err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, tableName string, rows ...remotestore.Row) error {
	t, err := lookup(tableName)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	events := make([]remotestore.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		cols, err := t.columnsOf(row)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}

		list := strings.Join(cols, ", ")
		query := fmt.Sprintf(
			"INSERT INTO %s AS t (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) RETURNING row_to_json(t)",
			t.name, list, list, t.name,
		)

		var data []byte
		if err := tx.QueryRow(ctx, query, payload).Scan(&data); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", remotestore.ErrDuplicateKey, pgErr.Detail)
			}
			return fmt.Errorf("failed to insert into %s: %w", t.name, err)
		}
		inserted, err := decodeRow(data)
		if err != nil {
			return err
		}
		events = append(events, remotestore.ChangeEvent{
			Table:      tableName,
			Type:       remotestore.EventInsert,
			New:        inserted,
			CommitTime: s.now(),
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publish(ctx, events)
	return nil
}

func (s *Store) Update(ctx context.Context, tableName string, patch remotestore.Row, filters ...remotestore.Filter) (int64, error) {
	t, err := lookup(tableName)
	if err != nil {
		return 0, err
	}
	cols, err := t.columnsOf(patch)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("failed to encode patch: %w", err)
	}

	b := &builder{}
	p := b.arg(payload)
	where, err := b.where(t, "t", filters)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = p." + c
	}

	query := fmt.Sprintf(`
		WITH old AS (
			SELECT * FROM %[1]s AS t WHERE %[2]s FOR UPDATE
		)
		UPDATE %[1]s AS t SET %[3]s
		FROM jsonb_populate_record(NULL::%[1]s, %[4]s::jsonb) AS p, old
		WHERE t.id = old.id
		RETURNING row_to_json(t), row_to_json(old)`,
		t.name, where, strings.Join(sets, ", "), p,
	)

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", t.name, err)
	}
	defer rows.Close()

	var events []remotestore.ChangeEvent
	for rows.Next() {
		var newData, oldData []byte
		if err := rows.Scan(&newData, &oldData); err != nil {
			return 0, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		newRow, err := decodeRow(newData)
		if err != nil {
			return 0, err
		}
		oldRow, err := decodeRow(oldData)
		if err != nil {
			return 0, err
		}
		events = append(events, remotestore.ChangeEvent{
			Table:      tableName,
			Type:       remotestore.EventUpdate,
			New:        newRow,
			Old:        oldRow,
			CommitTime: s.now(),
		})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", t.name, err)
	}

	s.publish(ctx, events)
	return int64(len(events)), nil
}

func (s *Store) SubscribeChanges(ctx context.Context, tableName string, filter remotestore.EventFilter, handler remotestore.ChangeHandler) (remotestore.Subscription, error) {
	if _, err := lookup(tableName); err != nil {
		return nil, err
	}
	if s.feed == nil {
		return nil, errors.New("change feed not configured")
	}
	return s.feed.Subscribe(ctx, tableName, filter, handler)
}

// publish forwards committed changes. A feed outage does not fail the write.
func (s *Store) publish(ctx context.Context, events []remotestore.ChangeEvent) {
	if s.feed == nil {
		return
	}
	for _, ev := range events {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).
				Str("table", ev.Table).
				Str("type", string(ev.Type)).
				Msg("failed to publish change event")
		}
	}
}

func decodeRow(data []byte) (remotestore.Row, error) {
	var row remotestore.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}
