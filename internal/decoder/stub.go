package decoder

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errStubOpen is the generic non-timeout failure FailFirst produces when no
// explicit OpenErr is configured.
var errStubOpen = errors.New("stub decoder open failed")

// StubConfig controls the behaviour of the stub factory.
type StubConfig struct {
	// OpenDelay simulates decoder spin-up time.
	OpenDelay time.Duration
	// OpenErr, when non-nil, makes every Open fail with this error.
	OpenErr error
	// FailFirst makes the first N opens per content ID fail with OpenErr
	// (or a generic error when OpenErr is nil) before succeeding.
	FailFirst int
}

// StubFactory is an in-process decoder used by the standalone daemon and by
// tests. It renders nothing; it only models decoder lifecycle and position.
type StubFactory struct {
	cfg StubConfig

	mu       sync.Mutex
	opened   int
	failures map[string]int
}

// NewStubFactory creates a stub factory.
func NewStubFactory(cfg StubConfig) *StubFactory {
	return &StubFactory{cfg: cfg, failures: make(map[string]int)}
}

// Opened reports how many handles have been opened in total.
func (f *StubFactory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Open implements Factory.
func (f *StubFactory) Open(ctx context.Context, contentID, url string) (Handle, error) {
	if f.cfg.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.cfg.OpenDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.OpenErr != nil && f.cfg.FailFirst == 0 {
		return nil, f.cfg.OpenErr
	}
	if f.cfg.FailFirst > 0 && f.failures[contentID] < f.cfg.FailFirst {
		f.failures[contentID]++
		if f.cfg.OpenErr != nil {
			return nil, f.cfg.OpenErr
		}
		return nil, errStubOpen
	}

	f.opened++
	return &stubHandle{contentID: contentID, url: url}, nil
}

// stubHandle is a decoder handle that tracks state without rendering.
type stubHandle struct {
	mu        sync.Mutex
	contentID string
	url       string
	playing   bool
	closed    bool
	position  time.Duration
	startedAt time.Time
}

func (h *stubHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.playing {
		h.playing = true
		h.startedAt = time.Now()
	}
	return nil
}

func (h *stubHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.playing {
		h.position += time.Since(h.startedAt)
		h.playing = false
	}
	return nil
}

func (h *stubHandle) SeekTo(offset time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.position = offset
	if h.playing {
		h.startedAt = time.Now()
	}
	return nil
}

func (h *stubHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playing {
		return h.position + time.Since(h.startedAt)
	}
	return h.position
}

func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.playing = false
	return nil
}

var _ Factory = (*StubFactory)(nil)
var _ Handle = (*stubHandle)(nil)
