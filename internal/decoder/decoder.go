// Package decoder abstracts the platform playback SDK behind a small
// handle interface. The engine owns when decoders are opened and closed;
// it never looks inside them.
package decoder

import (
	"context"
	"errors"
	"time"
)

// ErrHardware indicates a codec or hardware decoder failure. Hardware
// decoder state can be corrupted system-wide after one of these, so the
// pool flushes every slot before retrying.
var ErrHardware = errors.New("hardware decoder failure")

// ErrClosed is returned by handle operations after Close.
var ErrClosed = errors.New("decoder handle closed")

// Handle is an open decoder resource. A handle is exclusively owned by the
// pool slot that created it and must only be reached through the pool.
type Handle interface {
	// Play starts or resumes rendering.
	Play() error
	// Pause halts rendering but keeps the decoder warm.
	Pause() error
	// SeekTo repositions playback.
	SeekTo(offset time.Duration) error
	// Position reports the current playback offset.
	Position() time.Duration
	// Close releases the decoder. The handle is unusable afterwards.
	Close() error
}

// Factory opens decoder handles. Open blocks while the decoder spins up and
// honors ctx cancellation; the pool bounds it with its init timeout.
type Factory interface {
	Open(ctx context.Context, contentID, url string) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, contentID, url string) (Handle, error)

// Open implements Factory.
func (f FactoryFunc) Open(ctx context.Context, contentID, url string) (Handle, error) {
	return f(ctx, contentID, url)
}
