package configmodel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/fswatch"
	"github.com/tedge-io/tedge-agent/internal/protocol/smartrest"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// Kind distinguishes the configuration-type table from the log-type table;
// each selects a different outgoing SmartREST template (117 vs 118).
type Kind int

const (
	KindConfig Kind = iota
	KindLog
)

// CloudPublisher publishes line-protocol records to a cloud topic.
type CloudPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// CloudTopic resolves the outgoing cloud topic for a target entity.
type CloudTopic func(cloudID string, target model.EntityID) string

// Target is one canonical table file this feed tracks: an entity (main
// device or a specific child), the file path that is its source of
// truth, and which template family it feeds.
type Target struct {
	Entity model.EntityID
	Path   string
	Kind   Kind
}

type slot struct {
	target   Target
	snapshot atomic.Pointer[model.SupportedTypeSet]
}

// Feed is the C9 actor: it loads every configured Target once at startup,
// watches their containing directories for changes via fswatch, and
// republishes 117/118 to the cloud whenever a reload produces a
// different SupportedTypeSet than the one currently advertised (spec.md
// §8, "Supported-types idempotence": publishing the same list twice must
// not re-publish).
type Feed struct {
	cloud CloudPublisher
	topic CloudTopic
	cloudID string

	events chan fswatch.Event
	slots  map[string]*slot // keyed by Target.Path
}

// NewFeed constructs a Feed over targets. Call Load once before Run to
// populate initial snapshots (spec.md §3: "On startup it loads the
// file").
func NewFeed(cloud CloudPublisher, topic CloudTopic, cloudID string, targets []Target) *Feed {
	f := &Feed{
		cloud:   cloud,
		topic:   topic,
		cloudID: cloudID,
		events:  make(chan fswatch.Event, 16),
		slots:   make(map[string]*slot, len(targets)),
	}
	for _, t := range targets {
		f.slots[t.Path] = &slot{target: t}
	}
	return f
}

func (f *Feed) Name() string { return "configmodel" }

// Inbound returns the channel fswatch.Watcher events for the tracked
// directories should be forwarded to.
func (f *Feed) Inbound() chan<- fswatch.Event { return f.events }

// Load reads every tracked target's file once, populating its snapshot
// without publishing. The initial advertisement comes from
// LoadAndPublishAll, which bootstrap calls before Run; Run itself only
// publishes when a reload finds a changed list.
func (f *Feed) Load(ctx context.Context) error {
	for path, s := range f.slots {
		set, err := LoadTable(path)
		if err != nil {
			return fmt.Errorf("configmodel: initial load %s: %w", path, err)
		}
		s.snapshot.Store(&set)
	}
	return nil
}

// LoadAndPublishAll reloads every target and publishes its current list
// regardless of whether it changed; used once at startup so the cloud
// always has a fresh advertisement after a restart.
func (f *Feed) LoadAndPublishAll(ctx context.Context) error {
	for path := range f.slots {
		if err := f.reloadAndMaybePublish(ctx, path, true); err != nil {
			return err
		}
	}
	return nil
}

// Run watches for fswatch events on tracked directories and reloads +
// republishes the affected target when its canonical file changes.
// Unrelated events (siblings, directories) are ignored.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-f.events:
			if !ok {
				return nil
			}
			if _, tracked := f.slots[ev.Path]; !tracked {
				continue
			}
			if err := f.reloadAndMaybePublish(ctx, ev.Path, false); err != nil {
				// spec.md §7: "if at runtime during reload, log and keep
				// previous snapshot" — the old snapshot is untouched since
				// reloadAndMaybePublish only swaps on success.
				log.Warn().Err(err).Str("path", ev.Path).Msg("configmodel: reload failed, keeping previous snapshot")
			}
		}
	}
}

func (f *Feed) reloadAndMaybePublish(ctx context.Context, path string, force bool) error {
	s, ok := f.slots[path]
	if !ok {
		return nil
	}
	fresh, err := LoadTable(path)
	if err != nil {
		return err
	}

	prev := s.snapshot.Load()
	if !force && prev != nil && prev.Equal(fresh) {
		return nil // idempotent: identical list, no republish (spec.md §8)
	}
	s.snapshot.Store(&fresh)

	var record []string
	switch s.target.Kind {
	case KindConfig:
		record = smartrest.SupportedConfigTypesRecord(fresh.Names())
	case KindLog:
		record = smartrest.SupportedLogTypesRecord(fresh.Names())
	}
	body, err := smartrest.Encode([][]string{record})
	if err != nil {
		return fmt.Errorf("configmodel: encode record: %w", err)
	}
	topic := f.topic(f.cloudID, s.target.Entity)
	if err := f.cloud.Publish(ctx, topic, 1, false, body); err != nil {
		return fmt.Errorf("configmodel: publish %s: %w", topic, err)
	}
	return nil
}

// Snapshot returns the current SupportedTypeSet tracked for path, or the
// zero value if path is not a tracked target.
func (f *Feed) Snapshot(path string) model.SupportedTypeSet {
	s, ok := f.slots[path]
	if !ok {
		return model.SupportedTypeSet{}
	}
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return model.SupportedTypeSet{}
}

// WatchDirs returns the distinct containing directories of every tracked
// target, for wiring into fswatch.New at bootstrap.
func (f *Feed) WatchDirs() []string {
	seen := make(map[string]struct{})
	var dirs []string
	for path := range f.slots {
		dir := dirOf(path)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
