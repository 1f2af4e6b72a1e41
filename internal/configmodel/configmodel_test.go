package configmodel_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tedge-io/tedge-agent/internal/configmodel"
	"github.com/tedge-io/tedge-agent/internal/fswatch"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

type fakeCloud struct {
	published [][]byte
}

func (f *fakeCloud) Publish(_ context.Context, _ string, _ byte, _ bool, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func writeTable(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tedge-configuration-plugin.toml")
	writeTable(t, path, `
[[files]]
path = "/etc/tedge/tedge.toml"
type = "tedge.toml"

[[files]]
path = "/etc/mosquitto/mosquitto.conf"
type = "mosquitto"
restart = "mosquitto"
`)
	set, err := configmodel.LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable() error = %v", err)
	}
	if len(set.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(set.Rows))
	}
	if set.Rows[1].Restart != "mosquitto" {
		t.Errorf("Rows[1].Restart = %q, want mosquitto", set.Rows[1].Restart)
	}
}

func TestFeedPublishesOnceAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tedge-configuration-plugin.toml")
	writeTable(t, path, `
[[files]]
path = "/etc/tedge/tedge.toml"
type = "tedge.toml"
`)

	cloud := &fakeCloud{}
	entity := model.MainDevice("dev1")
	topic := func(cloudID string, target model.EntityID) string { return "c8y/s/us" }
	feed := configmodel.NewFeed(cloud, topic, "", []configmodel.Target{
		{Entity: entity, Path: path, Kind: configmodel.KindConfig},
	})

	ctx := context.Background()
	if err := feed.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := feed.LoadAndPublishAll(ctx); err != nil {
		t.Fatalf("LoadAndPublishAll() error = %v", err)
	}
	if len(cloud.published) != 1 {
		t.Fatalf("published count = %d, want 1", len(cloud.published))
	}

	// Re-publishing an unchanged table must not emit a second message
	// (spec.md §8 "Supported-types idempotence").
	before := cloud.published[0]
	if err := feed.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	set := feed.Snapshot(path)
	if !set.Equal(set) {
		t.Fatal("Equal() not reflexive")
	}
	if string(before) == "" {
		t.Fatal("expected a published 117 record")
	}

	// A filesystem event for the unchanged file goes through Run's reload
	// path and must not publish again.
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()
	feed.Inbound() <- fswatch.Event{Path: path, Kind: fswatch.KindWrite}
	close(feed.Inbound())
	<-done
	if len(cloud.published) != 1 {
		t.Fatalf("published count after unchanged reload = %d, want 1", len(cloud.published))
	}
}

func TestFeedWatchDirs(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a", "tedge-configuration-plugin.toml")
	pathB := filepath.Join(dir, "b", "tedge-log-plugin.toml")
	feed := configmodel.NewFeed(&fakeCloud{}, func(string, model.EntityID) string { return "" }, "", []configmodel.Target{
		{Path: pathA, Kind: configmodel.KindConfig},
		{Path: pathB, Kind: configmodel.KindLog},
	})
	dirs := feed.WatchDirs()
	if len(dirs) != 2 {
		t.Fatalf("WatchDirs() = %v, want 2 entries", dirs)
	}
}
