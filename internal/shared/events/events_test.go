package events

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visible-governance/platform/internal/shared/config"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		eventType string
		pattern   string
		want      bool
	}{
		{"complaint.filed", "complaint.*", true},
		{"complaint.status_changed", "complaint.*", true},
		{"feedback.submitted", "complaint.*", false},
		{"complaint.filed", "complaint.filed", true},
		{"complaint.filed", "complaint", false},
		{"complaint.filed", "*", true},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesPattern(tt.eventType, tt.pattern))
		})
	}
}

func TestPatternToRegex(t *testing.T) {
	re := regexp.MustCompile(patternToRegex("complaint.*"))
	assert.True(t, re.MatchString("complaint.resolved"))
	assert.False(t, re.MatchString("feedback.submitted"))
	assert.False(t, re.MatchString("complaintXfiled"))
}

func TestStreamName(t *testing.T) {
	b := &Bus{prefix: "vg"}
	assert.Equal(t, "vg-complaint-status_changed", b.streamName(ComplaintStatusChanged))
}

func TestBuildConnectionString(t *testing.T) {
	cs := buildConnectionString(config.KurrentDBConfig{Host: "db", Port: 2113, Username: "admin", Password: "pw"})
	assert.Equal(t, "esdb://admin:pw@db:2113", cs)

	cs = buildConnectionString(config.KurrentDBConfig{Host: "db", Port: 2113, Insecure: true})
	assert.Contains(t, cs, "tls=false")
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var got []string
	require.NoError(t, bus.Subscribe(ctx, "complaint.*", "test", func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, "*", "failing", func(context.Context, Event) error {
		return errors.New("handler failed")
	}))

	require.NoError(t, bus.Publish(ctx, NewEvent(ComplaintFiled, "cache", "VG-2024-abcd", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(FeedbackSubmitted, "cache", "VG-2024-abcd", nil)))

	assert.Equal(t, []string{ComplaintFiled}, got)
	assert.Len(t, bus.Published(), 2)
}

func TestMemoryBusStopsAfterCancel(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	require.NoError(t, bus.Subscribe(ctx, "*", "test", func(context.Context, Event) error {
		calls++
		return nil
	}))
	cancel()

	require.NoError(t, bus.Publish(context.Background(), NewEvent(ComplaintUpdated, "cache", "x", nil)))
	assert.Equal(t, 0, calls)
}

func TestNewEventBusDisabledFallsBackToMemory(t *testing.T) {
	bus, transport, err := NewEventBus(context.Background(), config.KurrentDBConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", transport)
	assert.IsType(t, &MemoryBus{}, bus)
}
