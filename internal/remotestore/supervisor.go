package remotestore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// SubscriptionState is the lifecycle state of a supervised subscription.
type SubscriptionState string

const (
	StateSubscribing  SubscriptionState = "subscribing"
	StateActive       SubscriptionState = "active"
	StateUnsubscribed SubscriptionState = "unsubscribed"
)

// SubscribeFunc opens one subscription.
type SubscribeFunc func(ctx context.Context) (Subscription, error)

// Backoff controls resubscription delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff starts at 500ms and doubles up to 30s.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

// exponential returns a jitter-free schedule starting at Initial. A zero Max
// caps delays at backoff.DefaultMaxInterval.
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
	}
	eb.Reset()
	return eb
}

// Supervisor keeps a subscription open, resubscribing with exponential
// backoff whenever it fails to open or drops.
type Supervisor struct {
	subscribe SubscribeFunc
	backoff   Backoff
	logger    zerolog.Logger

	// OnStateChange, when set before Start, observes every transition.
	OnStateChange func(SubscriptionState)
	// OnReconnect, when set before Start, is called before each retry.
	OnReconnect func(attempt int, delay time.Duration, err error)

	mu       sync.Mutex
	state    SubscriptionState
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(subscribe SubscribeFunc, policy Backoff, logger zerolog.Logger) *Supervisor {
	if policy.Initial <= 0 {
		policy = DefaultBackoff
	}
	return &Supervisor{
		subscribe: subscribe,
		backoff:   policy,
		logger:    logger,
		state:     StateUnsubscribed,
	}
}

// Start launches the supervising goroutine. Calling Start on a running
// supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop releases the subscription and waits for the supervisor to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current lifecycle state.
func (s *Supervisor) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns how many times the subscription was retried.
func (s *Supervisor) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) setState(state SubscriptionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.OnStateChange != nil {
		s.OnStateChange(state)
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateUnsubscribed)

	schedule := s.backoff.exponential()
	for {
		s.setState(StateSubscribing)
		sub, err := s.subscribe(ctx)
		if err == nil {
			s.setState(StateActive)
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case <-sub.Done():
				err = sub.Err()
			}
			// a healthy session resets the delay
			schedule.Reset()
		}
		if ctx.Err() != nil {
			return
		}

		delay := schedule.NextBackOff()
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("subscription lost, resubscribing")
		if s.OnReconnect != nil {
			s.OnReconnect(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
