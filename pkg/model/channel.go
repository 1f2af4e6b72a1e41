package model

// ── Channel ──────────────────────────────────────────────────

// ChannelKind is the closed set of message purposes a topic can carry.
type ChannelKind string

const (
	ChannelTelemetry       ChannelKind = "telemetry"
	ChannelCommand         ChannelKind = "command"
	ChannelCommandMetadata ChannelKind = "command-metadata"
	ChannelEntityMetadata  ChannelKind = "entity-metadata"
	ChannelHealth          ChannelKind = "health"
	// ChannelAnythingElse is the reserved forward-compatibility variant:
	// any tail the schema cannot parse lands here instead of an error.
	ChannelAnythingElse ChannelKind = "anything-else"
)

// Channel categorizes a message's purpose. Only the fields relevant to
// Kind are meaningful; see entity.Schema for the topic <-> Channel mapping.
type Channel struct {
	Kind ChannelKind

	// Telemetry
	TelemetryGroup string // e.g. "m" (measurement), "e" (event), "a" (alarm)
	TelemetryName  string

	// Command / command-metadata
	OpType OperationType
	CmdID  string // empty for command-metadata

	// AnythingElse carries the raw, unparsed tail.
	RawTail string
}

// Equal reports whether two channels describe the same topic tail.
func (c Channel) Equal(other Channel) bool {
	return c.Kind == other.Kind &&
		c.TelemetryGroup == other.TelemetryGroup &&
		c.TelemetryName == other.TelemetryName &&
		c.OpType == other.OpType &&
		c.CmdID == other.CmdID &&
		c.RawTail == other.RawTail
}
