package remotestore

import (
	"sync"
)

// Subscription is a live registration on a feed.
type Subscription interface {
	// Unsubscribe releases the subscription. It is safe to call more than once.
	Unsubscribe() error
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	// Err reports why the subscription ended, or nil while it is live.
	Err() error
}

// Handle is a Subscription implementation shared by the backends.
type Handle struct {
	mu      sync.Mutex
	done    chan struct{}
	err     error
	release func()
}

// NewHandle creates a live handle. release runs once when the handle ends.
func NewHandle(release func()) *Handle {
	return &Handle{done: make(chan struct{}), release: release}
}

// Unsubscribe ends the handle with ErrSubscriptionClosed.
func (h *Handle) Unsubscribe() error {
	h.Close(ErrSubscriptionClosed)
	return nil
}

// Close ends the handle with err. Only the first call has an effect.
func (h *Handle) Close(err error) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	h.err = err
	close(h.done)
	release := h.release
	h.mu.Unlock()

	if release != nil {
		release()
	}
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
