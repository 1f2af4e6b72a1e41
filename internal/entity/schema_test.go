package entity_test

import (
	"testing"

	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

func TestTopicOfRoundTrip(t *testing.T) {
	s := entity.NewSchema("te")
	id := model.MainDevice("device001")

	cases := []model.Channel{
		{Kind: model.ChannelTelemetry, TelemetryGroup: "m", TelemetryName: "temperature"},
		{Kind: model.ChannelCommand, OpType: model.OpRestart, CmdID: "abc-123"},
		{Kind: model.ChannelCommandMetadata, OpType: model.OpRestart},
		{Kind: model.ChannelEntityMetadata},
		{Kind: model.ChannelHealth},
	}

	for _, ch := range cases {
		topic := s.TopicOf(id, ch)
		gotID, gotCh, ok := s.Parse(topic)
		if !ok {
			t.Fatalf("Parse(%q) ok = false, want true", topic)
		}
		if !gotID.Equal(id) {
			t.Errorf("Parse(%q) id = %+v, want %+v", topic, gotID, id)
		}
		if !gotCh.Equal(ch) {
			t.Errorf("Parse(%q) channel = %+v, want %+v", topic, gotCh, ch)
		}
	}
}

func TestParseDefaultRoot(t *testing.T) {
	s := entity.NewSchema("")
	if s.Root() != entity.DefaultRoot {
		t.Fatalf("Root() = %q, want %q", s.Root(), entity.DefaultRoot)
	}
}

func TestParseUnknownTailIsAnythingElse(t *testing.T) {
	s := entity.NewSchema("te")
	topic := "te/device/main///some/future/tail"
	id, ch, ok := s.Parse(topic)
	if !ok {
		t.Fatalf("Parse(%q) ok = false, want true", topic)
	}
	if ch.Kind != model.ChannelAnythingElse {
		t.Errorf("Parse(%q) kind = %q, want %q", topic, ch.Kind, model.ChannelAnythingElse)
	}
	if ch.RawTail != "some/future/tail" {
		t.Errorf("Parse(%q) rawTail = %q, want %q", topic, ch.RawTail, "some/future/tail")
	}
	wantID := model.EntityID{Kind: "device", Device: "main"}
	if !id.Equal(wantID) {
		t.Errorf("Parse(%q) id = %+v, want %+v", topic, id, wantID)
	}
}

func TestParseRejectsWrongRoot(t *testing.T) {
	s := entity.NewSchema("te")
	if _, _, ok := s.Parse("other/device/main///m/temperature"); ok {
		t.Errorf("Parse() with wrong root ok = true, want false")
	}
}

func TestParseRejectsShortTopic(t *testing.T) {
	s := entity.NewSchema("te")
	if _, _, ok := s.Parse("te/device/main"); ok {
		t.Errorf("Parse() with too few segments ok = true, want false")
	}
}

func TestChildDeviceTopic(t *testing.T) {
	s := entity.NewSchema("te")
	id := model.ChildDevice("child1")
	ch := model.Channel{Kind: model.ChannelCommand, OpType: model.OpConfigUpdate, CmdID: "c1"}

	topic := s.TopicOf(id, ch)
	const want = "te/device//child1//cmd/config_update/c1"
	if topic != want {
		t.Errorf("TopicOf() = %q, want %q", topic, want)
	}

	gotID, _, ok := s.Parse(topic)
	if !ok || !gotID.IsChild() || gotID.ChildID() != "child1" {
		t.Errorf("Parse(%q) = %+v, ok=%v, want child1", topic, gotID, ok)
	}
}
