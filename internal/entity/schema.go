// Package entity implements the topic schema that maps an EntityID and a
// Channel onto an MQTT topic string and back (spec.md §4.10). Parsing is
// total: a tail the schema does not recognize still parses, landing on the
// reserved model.ChannelAnythingElse variant instead of an error, so the
// runtime never rejects an unfamiliar topic outright.
package entity

import (
	"strings"

	"github.com/tedge-io/tedge-agent/pkg/model"
)

// DefaultRoot is the root segment used when config leaves it unset.
const DefaultRoot = "te"

// Schema binds a root segment to the entity/channel <-> topic mapping.
// The zero value is not usable; construct with NewSchema.
type Schema struct {
	root string
}

// NewSchema returns a Schema rooted at root, or DefaultRoot if root is "".
func NewSchema(root string) Schema {
	if root == "" {
		root = DefaultRoot
	}
	return Schema{root: root}
}

// Root returns the schema's configured root segment.
func (s Schema) Root() string { return s.root }

// TopicOf builds the full topic string for id and ch. Unknown or
// zero-value channel kinds fall back to RawTail verbatim, so callers that
// already hold a raw tail (round-tripping an AnythingElse channel) get it
// back unchanged.
func (s Schema) TopicOf(id model.EntityID, ch model.Channel) string {
	base := s.root + "/" + id.String()
	switch ch.Kind {
	case model.ChannelTelemetry:
		return base + "/" + ch.TelemetryGroup + "/" + ch.TelemetryName
	case model.ChannelCommand:
		return base + "/cmd/" + string(ch.OpType) + "/" + ch.CmdID
	case model.ChannelCommandMetadata:
		return base + "/cmd/" + string(ch.OpType)
	case model.ChannelEntityMetadata:
		return base
	case model.ChannelHealth:
		return base + "/status/health"
	default:
		if ch.RawTail == "" {
			return base
		}
		return base + "/" + ch.RawTail
	}
}

// Parse splits topic into an EntityID and Channel under s's root segment.
// ok is false only when topic does not even carry the root segment and
// four entity segments; an unrecognized tail still parses successfully,
// yielding model.ChannelAnythingElse.
func (s Schema) Parse(topic string) (id model.EntityID, ch model.Channel, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != s.root {
		return model.EntityID{}, model.Channel{}, false
	}
	id = model.EntityID{Kind: parts[1], Device: parts[2], Sub: parts[3], Service: parts[4]}
	tail := parts[5:]
	ch = parseTail(tail)
	return id, ch, true
}

func parseTail(tail []string) model.Channel {
	switch {
	case len(tail) == 2 && tail[0] == "m":
		return model.Channel{Kind: model.ChannelTelemetry, TelemetryGroup: "m", TelemetryName: tail[1]}
	case len(tail) == 2 && (tail[0] == "e" || tail[0] == "a"):
		return model.Channel{Kind: model.ChannelTelemetry, TelemetryGroup: tail[0], TelemetryName: tail[1]}
	case len(tail) == 3 && tail[0] == "cmd":
		return model.Channel{Kind: model.ChannelCommand, OpType: model.OperationType(tail[1]), CmdID: tail[2]}
	case len(tail) == 2 && tail[0] == "cmd":
		return model.Channel{Kind: model.ChannelCommandMetadata, OpType: model.OperationType(tail[1])}
	case len(tail) == 0:
		return model.Channel{Kind: model.ChannelEntityMetadata}
	case len(tail) == 2 && tail[0] == "status" && tail[1] == "health":
		return model.Channel{Kind: model.ChannelHealth}
	default:
		return model.Channel{Kind: model.ChannelAnythingElse, RawTail: strings.Join(tail, "/")}
	}
}
