package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visible-governance/platform/internal/remotestore"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, remotestore.TableComplaints,
		remotestore.Row{"id": "VG-2024-aaaa", "status": "pending", "created_at": "2024-01-01T00:00:00Z", "version": 1},
		remotestore.Row{"id": "VG-2024-bbbb", "status": "resolved", "created_at": "2024-03-01T00:00:00Z", "version": 1},
		remotestore.Row{"id": "VG-2024-cccc", "status": "in-progress", "created_at": "2024-02-01T00:00:00Z", "version": 1},
	))
}

func TestSelectOrdersAndFilters(t *testing.T) {
	s := NewStore()
	seed(t, s)
	ctx := context.Background()

	rows, err := s.Select(ctx, remotestore.TableComplaints, remotestore.Query{
		Order: []remotestore.Order{{Column: "created_at"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "VG-2024-bbbb", rows[0]["id"])
	assert.Equal(t, "VG-2024-cccc", rows[1]["id"])
	assert.Equal(t, "VG-2024-aaaa", rows[2]["id"])

	rows, err = s.Select(ctx, remotestore.TableComplaints, remotestore.Query{
		Filters: []remotestore.Filter{remotestore.Neq("status", "pending")},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEqual(t, "pending", rows[0]["status"])
}

func TestSelectReturnsCopies(t *testing.T) {
	s := NewStore()
	seed(t, s)
	ctx := context.Background()

	rows, err := s.Select(ctx, remotestore.TableComplaints, remotestore.Query{
		Filters: []remotestore.Filter{remotestore.Eq("id", "VG-2024-aaaa")},
	})
	require.NoError(t, err)
	rows[0]["status"] = "tampered"

	rows, err = s.Select(ctx, remotestore.TableComplaints, remotestore.Query{
		Filters: []remotestore.Filter{remotestore.Eq("id", "VG-2024-aaaa")},
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", rows[0]["status"])
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := NewStore()
	seed(t, s)

	err := s.Insert(context.Background(), remotestore.TableComplaints, remotestore.Row{"id": "VG-2024-aaaa"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, remotestore.ErrDuplicateKey))
}

func TestInsertNormalizesTimes(t *testing.T) {
	s := NewStore()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(context.Background(), "t", remotestore.Row{"id": "x", "at": ts}))

	rows, err := s.Select(context.Background(), "t", remotestore.Query{})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00Z", rows[0]["at"])
}

func TestConditionalUpdate(t *testing.T) {
	s := NewStore()
	seed(t, s)
	ctx := context.Background()

	n, err := s.Update(ctx, remotestore.TableComplaints,
		remotestore.Row{"status": "resolved", "version": 2},
		remotestore.Eq("id", "VG-2024-aaaa"), remotestore.Eq("version", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// stale version
	n, err = s.Update(ctx, remotestore.TableComplaints,
		remotestore.Row{"status": "rejected", "version": 2},
		remotestore.Eq("id", "VG-2024-aaaa"), remotestore.Eq("version", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// Two writers that each read the timeline and write back the whole column
// lose one entry. This is the race the conditional append avoids.
func TestWholeColumnReplaceLosesEntries(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, remotestore.TableComplaints, remotestore.Row{
		"id":       "VG-2024-aaaa",
		"timeline": []any{map[string]any{"action": "Complaint filed"}},
	}))

	read := func() []any {
		rows, err := s.Select(ctx, remotestore.TableComplaints, remotestore.Query{})
		require.NoError(t, err)
		return rows[0]["timeline"].([]any)
	}

	a := read()
	b := read()
	a = append(a, map[string]any{"action": "A"})
	b = append(b, map[string]any{"action": "B"})

	_, err := s.Update(ctx, remotestore.TableComplaints, remotestore.Row{"timeline": a}, remotestore.Eq("id", "VG-2024-aaaa"))
	require.NoError(t, err)
	_, err = s.Update(ctx, remotestore.TableComplaints, remotestore.Row{"timeline": b}, remotestore.Eq("id", "VG-2024-aaaa"))
	require.NoError(t, err)

	final := read()
	assert.Len(t, final, 2)
	assert.Equal(t, "B", final[1].(map[string]any)["action"])
}

func TestFailNext(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	s.FailNext(OpSelect, boom)

	_, err := s.Select(context.Background(), "t", remotestore.Query{})
	assert.ErrorIs(t, err, boom)

	_, err = s.Select(context.Background(), "t", remotestore.Query{})
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Calls(OpSelect))
}

func TestSubscribeChanges(t *testing.T) {
	s := NewStore()
	seed(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []remotestore.ChangeEvent
	sub, err := s.SubscribeChanges(ctx, remotestore.TableComplaints, remotestore.EventFilter{
		Type:    remotestore.EventUpdate,
		Filters: []remotestore.Filter{remotestore.Neq("status", "pending")},
	}, func(_ context.Context, ev remotestore.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers())

	_, err = s.Update(ctx, remotestore.TableComplaints, remotestore.Row{"status": "resolved"}, remotestore.Eq("id", "VG-2024-aaaa"))
	require.NoError(t, err)
	// filtered out: still pending
	_, err = s.Update(ctx, remotestore.TableComplaints, remotestore.Row{"title": "x"}, remotestore.Eq("status", "pending"))
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, remotestore.TableComplaints, remotestore.Row{"id": "new", "status": "resolved"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "VG-2024-aaaa", got[0].New["id"])
	assert.Equal(t, "pending", got[0].Old["status"])
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, s.Subscribers())
	assert.ErrorIs(t, sub.Err(), remotestore.ErrSubscriptionClosed)
}

func TestDropSubscriptions(t *testing.T) {
	s := NewStore()
	sub, err := s.SubscribeChanges(context.Background(), "t", remotestore.EventFilter{}, func(context.Context, remotestore.ChangeEvent) {})
	require.NoError(t, err)

	s.DropSubscriptions()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not dropped")
	}
	assert.ErrorIs(t, sub.Err(), remotestore.ErrSubscriptionDropped)
	assert.Equal(t, 0, s.Subscribers())
}
