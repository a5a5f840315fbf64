package remotestore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	schedule := DefaultBackoff.exponential()
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, schedule.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	schedule.Reset()
	assert.Equal(t, 500*time.Millisecond, schedule.NextBackOff())

	uncapped := Backoff{Initial: time.Second}.exponential()
	assert.Equal(t, time.Second, uncapped.NextBackOff())
	assert.Equal(t, 2*time.Second, uncapped.NextBackOff())
}

func TestSupervisorResubscribesAfterDrop(t *testing.T) {
	var mu sync.Mutex
	var handles []*Handle
	var opens atomic.Int32

	s := NewSupervisor(func(ctx context.Context) (Subscription, error) {
		if opens.Add(1) == 2 {
			return nil, errors.New("connect refused")
		}
		h := NewHandle(nil)
		mu.Lock()
		handles = append(handles, h)
		mu.Unlock()
		return h, nil
	}, Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2}, zerolog.Nop())

	var delays []time.Duration
	s.OnReconnect = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)

	mu.Lock()
	handles[0].Close(ErrSubscriptionDropped)
	mu.Unlock()

	require.Eventually(t, func() bool { return opens.Load() == 3 && s.State() == StateActive }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.Reconnects())

	s.Stop()
	assert.Equal(t, StateUnsubscribed, s.State())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, handles[1].Err(), ErrSubscriptionClosed)
}

func TestSupervisorStopWhileWaiting(t *testing.T) {
	s := NewSupervisor(func(ctx context.Context) (Subscription, error) {
		return nil, errors.New("down")
	}, Backoff{Initial: time.Hour}, zerolog.Nop())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Reconnects() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked during backoff")
	}
	s.Stop()
}

func TestSupervisorStates(t *testing.T) {
	var mu sync.Mutex
	var states []SubscriptionState
	s := NewSupervisor(func(ctx context.Context) (Subscription, error) {
		return NewHandle(nil), nil
	}, DefaultBackoff, zerolog.Nop())
	s.OnStateChange = func(st SubscriptionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SubscriptionState{StateSubscribing, StateActive, StateUnsubscribed}, states)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retry(ctx, 3, time.Hour, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, context.Canceled)
}
