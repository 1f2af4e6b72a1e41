package bootstrap

import (
	"context"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/fswatch"
	"github.com/tedge-io/tedge-agent/internal/operations"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// capabilityWatcher turns filesystem changes under each cloud's operations
// directory into operations.CapabilityChange events: one empty file per
// supported operation type is the on-disk convention (spec.md §4.7,
// "supported operations are declared by a directory listing"), grounded on
// original_source/'s tedge/operations directory layout. It runs its own
// Run loop (started by actor.Run alongside the other actors), consuming
// the fswatch events that watchEventRouter hands it over its Inbound
// channel; fswatch.Watcher remains the only loop reading inotify/kqueue.
type capabilityWatcher struct {
	registry *operations.Registry
	deviceID string
	dirs     map[string]string // dir -> cloud (unused beyond membership test today, kept for multi-cloud capability fan-out)
	events   chan fswatch.Event
}

func newCapabilityWatcher(registry *operations.Registry, deviceID string, dirs map[string]string) *capabilityWatcher {
	return &capabilityWatcher{registry: registry, deviceID: deviceID, dirs: dirs, events: make(chan fswatch.Event, 16)}
}

func (c *capabilityWatcher) Name() string { return "capability-watcher" }

// Inbound returns the channel fswatch events for tracked operations
// directories should be forwarded to.
func (c *capabilityWatcher) Inbound() chan<- fswatch.Event { return c.events }

func (c *capabilityWatcher) Run(ctx context.Context) error {
	for dir := range c.dirs {
		c.publish(ctx, dir)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.events:
			if !ok {
				return nil
			}
			if _, tracked := c.dirs[dirOf(ev.Path)]; !tracked {
				continue
			}
			c.publish(ctx, dirOf(ev.Path))
		}
	}
}

func (c *capabilityWatcher) publish(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", dir).Msg("capability-watcher: failed to list operations directory")
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	select {
	case c.registry.InboundCapabilityChange() <- operations.CapabilityChange{Entity: model.MainDevice(c.deviceID), Types: names}:
	case <-ctx.Done():
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
