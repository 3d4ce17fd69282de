// Package lifecycle maps UI application lifecycle transitions onto pool and
// prefetch actions. The UI shell reports its state over the control API;
// this package decides what that means for decoders and network work.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
	"github.com/reelworks/reelpool/internal/prefetch"
)

// State is an application lifecycle state as reported by the UI shell.
type State int

const (
	// StateForeground means the app is visible and receiving input.
	StateForeground State = iota
	// StateInactive means the app is visible but not receiving input,
	// e.g. covered by a system dialog.
	StateInactive
	// StateBackground means the app is not visible.
	StateBackground
	// StateDetached means the UI is gone and teardown is imminent.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateForeground:
		return "foreground"
	case StateInactive:
		return "inactive"
	case StateBackground:
		return "background"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// ParseState converts the wire representation of a lifecycle state.
func ParseState(s string) (State, error) {
	switch s {
	case "foreground", "resumed":
		return StateForeground, nil
	case "inactive":
		return StateInactive, nil
	case "background", "paused":
		return StateBackground, nil
	case "detached":
		return StateDetached, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle state %q", s)
	}
}

// Source delivers lifecycle transitions to a subscriber.
type Source interface {
	Subscribe(fn func(State)) (unsubscribe func())
}

// Notifier is an in-process Source fed by the control API.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(State)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(State))}
}

// Subscribe implements Source.
func (n *Notifier) Subscribe(fn func(State)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Notify delivers state to every subscriber synchronously.
func (n *Notifier) Notify(state State) {
	n.mu.Lock()
	fns := make([]func(State), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Bridge translates lifecycle states into pool and prefetch actions:
//
//   - inactive pauses playback but keeps everything warm, since the app
//     usually comes right back
//   - background pauses, narrows network work to a single prefetch of the
//     visible item, and drains pending disposals (pinned slots survive for
//     instant resume)
//   - detached flushes everything; there is no UI left to resume into
//   - foreground is a no-op here, resuming playback is the UI's call
type Bridge struct {
	pool       *pool.Pool
	prefetcher prefetch.Prefetcher
	logger     *slog.Logger

	// current resolves the visible content ID and its playable URL, both
	// empty when nothing is visible.
	current func() (id, url string)

	unsubscribe func()
}

// NewBridge creates a lifecycle bridge and subscribes it to src.
func NewBridge(src Source, p *pool.Pool, pf prefetch.Prefetcher, current func() (id, url string), logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if current == nil {
		current = func() (string, string) { return "", "" }
	}
	b := &Bridge{
		pool:       p,
		prefetcher: pf,
		logger:     observability.WithComponent(logger, "lifecycle"),
		current:    current,
	}
	b.unsubscribe = src.Subscribe(b.OnStateChange)
	return b
}

// OnStateChange applies the actions for a lifecycle transition.
func (b *Bridge) OnStateChange(state State) {
	b.logger.Info("lifecycle transition", slog.String("state", state.String()))

	switch state {
	case StateForeground:
		// Nothing to do: slots stayed warm, the UI resumes playback itself.

	case StateInactive:
		b.pool.PauseAll()

	case StateBackground:
		b.pool.PauseAll()
		id, url := b.current()
		keep := map[string]struct{}{}
		if id != "" {
			keep[id] = struct{}{}
		}
		b.prefetcher.CancelAllExcept(keep)
		// A single background prefetch keeps the visible item's first
		// segments fresh for the instant-resume path.
		if id != "" && url != "" {
			b.prefetcher.Prefetch(id, url)
		}
		drained := b.pool.Disposals().ForceDrainAll(true)
		if drained > 0 {
			b.logger.Debug("drained disposals on background", slog.Int("count", drained))
		}

	case StateDetached:
		b.prefetcher.CancelAllExcept(nil)
		b.pool.Disposals().ForceDrainAll(false)
		b.pool.FlushAll("ui detached")
	}
}

// Close unsubscribes the bridge from its source.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}
