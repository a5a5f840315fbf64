package redisfeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visible-governance/platform/internal/remotestore"
)

func TestChannelName(t *testing.T) {
	f := New(nil, "vg:changes", 2, zerolog.Nop())
	assert.Equal(t, "vg:changes:complaints", f.channel(remotestore.TableComplaints))
}

func TestDispatchFilters(t *testing.T) {
	f := New(nil, "vg:changes", 2, zerolog.Nop())
	filter := remotestore.EventFilter{
		Type:    remotestore.EventUpdate,
		Filters: []remotestore.Filter{remotestore.Neq("status", "pending")},
	}

	encode := func(ev remotestore.ChangeEvent) string {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		return string(data)
	}

	var got []remotestore.ChangeEvent
	handler := func(_ context.Context, ev remotestore.ChangeEvent) { got = append(got, ev) }

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"matching update", encode(remotestore.ChangeEvent{
			Table: "complaints", Type: remotestore.EventUpdate,
			New: remotestore.Row{"id": "VG-2024-abcd", "status": "resolved"}, CommitTime: time.Now(),
		}), true},
		{"pending is filtered", encode(remotestore.ChangeEvent{
			Table: "complaints", Type: remotestore.EventUpdate,
			New: remotestore.Row{"status": "pending"},
		}), false},
		{"insert is filtered", encode(remotestore.ChangeEvent{
			Table: "complaints", Type: remotestore.EventInsert,
			New: remotestore.Row{"status": "resolved"},
		}), false},
		{"other table", encode(remotestore.ChangeEvent{
			Table: "feedback", Type: remotestore.EventUpdate,
			New: remotestore.Row{"status": "resolved"},
		}), false},
		{"garbage", "{not json", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.dispatch(context.Background(), "complaints", tt.payload, filter, handler))
		})
	}

	require.Len(t, got, 1)
	assert.Equal(t, "VG-2024-abcd", got[0].New["id"])
}
