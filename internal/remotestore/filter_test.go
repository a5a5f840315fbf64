package remotestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	row := Row{
		"status":     "resolved",
		"version":    float64(3),
		"created_at": created.Format(time.RFC3339Nano),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq("status", "resolved"), true},
		{"neq string", Neq("status", "pending"), true},
		{"neq same", Neq("status", "resolved"), false},
		{"eq int against float", Eq("version", int64(3)), true},
		{"eq int mismatch", Eq("version", 2), false},
		{"gt number", Filter{Column: "version", Op: OpGt, Value: 2}, true},
		{"lte number", Filter{Column: "version", Op: OpLte, Value: 2}, false},
		{"gte time string vs time", Filter{Column: "created_at", Op: OpGte, Value: created}, true},
		{"lt time", Filter{Column: "created_at", Op: OpLt, Value: created.Add(-time.Hour)}, false},
		{"missing column eq", Eq("department", "Police"), false},
		{"missing column neq", Neq("department", "Police"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(row))
		})
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("status=neq.pending")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "status", Op: OpNeq, Value: "pending"}, f)
	assert.Equal(t, "status=neq.pending", f.String())

	for _, bad := range []string{"status", "=eq.x", "status=like.x", "status=eq"} {
		_, err := ParseFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestEventFilterMatch(t *testing.T) {
	filter := EventFilter{Type: EventUpdate, Filters: []Filter{Neq("status", "pending")}}

	assert.True(t, filter.Match(ChangeEvent{Type: EventUpdate, New: Row{"status": "in-progress"}}))
	assert.False(t, filter.Match(ChangeEvent{Type: EventUpdate, New: Row{"status": "pending"}}))
	assert.False(t, filter.Match(ChangeEvent{Type: EventInsert, New: Row{"status": "resolved"}}))
	assert.True(t, EventFilter{Type: EventAll}.Match(ChangeEvent{Type: EventInsert, New: Row{}}))
}

func TestRowCloneIsDeep(t *testing.T) {
	row := Row{"timeline": []any{map[string]any{"action": "Complaint filed"}}, "evidence": []string{"a"}}
	clone := row.Clone()

	clone["timeline"].([]any)[0].(map[string]any)["action"] = "changed"
	clone["evidence"].([]string)[0] = "b"

	assert.Equal(t, "Complaint filed", row["timeline"].([]any)[0].(map[string]any)["action"])
	assert.Equal(t, "a", row["evidence"].([]string)[0])
}

func TestNormalizeProducesWireTypes(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	row, err := Normalize(Row{"created_at": now, "version": int64(1), "evidence": []string{"x"}})
	require.NoError(t, err)

	assert.Equal(t, "2024-05-06T07:08:09Z", row["created_at"])
	assert.Equal(t, float64(1), row["version"])
	assert.Equal(t, []any{"x"}, row["evidence"])
}

func TestMergeMetadata(t *testing.T) {
	base := map[string]any{"name": "Asha", "role": "citizen", "department": "Police"}
	merged := MergeMetadata(base, map[string]any{"role": "admin", "department": nil})

	assert.Equal(t, map[string]any{"name": "Asha", "role": "admin"}, merged)
	assert.Equal(t, "citizen", base["role"])
}
