// Package fswatch wraps fsnotify behind the (path, event-kind) stream that
// C9 (config model) and C7 (operations directory) subscribe to (spec.md
// §4.4). Consecutive duplicate events for the same path are collapsed
// opportunistically; subscribers must still treat handlers as idempotent,
// since collapsing is best-effort, not guaranteed.
package fswatch

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// EventKind categorizes a filesystem change. Directory-create/remove events
// arrive with KindCreate/KindRemove too; most subscribers ignore them.
type EventKind int

const (
	KindCreate EventKind = iota
	KindWrite
	KindRemove
	KindRename
)

func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindWrite:
		return "write"
	case KindRemove:
		return "remove"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one filesystem change, collapsed from fsnotify's raw stream.
type Event struct {
	Path string
	Kind EventKind
}

// DefaultCoalesceWindow is how long the watcher collects events after the
// first one arrives before emitting them; within one window only the
// latest event per path is kept, whatever its kind (editors commonly emit
// write+chmod pairs).
const DefaultCoalesceWindow = 50 * time.Millisecond

// Watcher watches a fixed set of directories and produces a single
// collapsed event stream.
type Watcher struct {
	inner          *fsnotify.Watcher
	dirs           []string
	coalesceWindow time.Duration
	out            chan Event
}

// New creates a Watcher over dirs. Each directory is added to the
// underlying inotify/kqueue watch immediately so no events are missed
// between construction and Run.
func New(dirs []string) (*Watcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: new watcher: %w", err)
	}
	for _, d := range dirs {
		if err := inner.Add(d); err != nil {
			inner.Close()
			return nil, fmt.Errorf("fswatch: watch %s: %w", d, err)
		}
	}
	return &Watcher{
		inner:          inner,
		dirs:           dirs,
		coalesceWindow: DefaultCoalesceWindow,
		out:            make(chan Event, 64),
	}, nil
}

func (w *Watcher) Name() string { return "fswatch" }

// Events returns the collapsed event stream. Must be called before Run, or
// concurrently with it; the channel is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.out }

// Run pumps fsnotify events into the collapsed stream until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)
	defer w.inner.Close()

	pending := make(map[string]Event)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	flush := func() {
		for _, ev := range pending {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		pending = make(map[string]Event)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-w.inner.Events:
			if !ok {
				return nil
			}
			ev := Event{Path: raw.Name, Kind: kindOf(raw.Op)}
			pending[ev.Path] = ev
			if !timerArmed {
				timer.Reset(w.coalesceWindow)
				timerArmed = true
			}

		case err, ok := <-w.inner.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("fswatch: watcher error")

		case <-timer.C:
			timerArmed = false
			flush()
		}
	}
}

func kindOf(op fsnotify.Op) EventKind {
	switch {
	case op&fsnotify.Create != 0:
		return KindCreate
	case op&fsnotify.Remove != 0:
		return KindRemove
	case op&fsnotify.Rename != 0:
		return KindRename
	default:
		return KindWrite
	}
}
