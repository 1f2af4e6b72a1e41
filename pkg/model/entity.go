// Package model holds the data types shared across the tedge-agent
// runtime: entity identifiers, channels, operations and bridge rules.
// Identifiers, channels and rules are plain values; operation records
// travel between actors as *Operation and are updated in place by the
// actor handling them.
package model

import "strings"

// ── Entity ───────────────────────────────────────────────────

// EntityID is a four-segment topic identifier of the form
// <kind>/<device>/<sub>/<service>. Empty segments mean "default".
// Two EntityIDs are equal iff all four segments match exactly.
type EntityID struct {
	Kind    string
	Device  string
	Sub     string
	Service string
}

// MainDevice returns the EntityID for the gateway's own main device.
func MainDevice(deviceID string) EntityID {
	return EntityID{Kind: "device", Device: deviceID}
}

// ChildDevice returns the EntityID for a child device of the main device.
func ChildDevice(childID string) EntityID {
	return EntityID{Kind: "device", Sub: childID}
}

// Equal reports whether id and other name the same entity.
func (id EntityID) Equal(other EntityID) bool {
	return id.Kind == other.Kind && id.Device == other.Device &&
		id.Sub == other.Sub && id.Service == other.Service
}

// IsChild reports whether id names a child device (a non-empty Sub segment
// without a Service segment).
func (id EntityID) IsChild() bool {
	return id.Sub != "" && id.Service == ""
}

// ChildID returns the child device identifier, or "" if id is not a child.
func (id EntityID) ChildID() string {
	if !id.IsChild() {
		return ""
	}
	return id.Sub
}

// String renders the four segments joined by '/', matching the on-wire form.
func (id EntityID) String() string {
	return strings.Join([]string{id.Kind, id.Device, id.Sub, id.Service}, "/")
}

// ParseEntityID parses a four-segment "/"-joined string back into an EntityID.
// Parsing is total only in the sense that it never panics; callers that need
// the "anything-else" fallback behavior of §4.10 should use entity.Schema
// instead, which wraps this for full topic strings.
func ParseEntityID(s string) (EntityID, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return EntityID{}, false
	}
	return EntityID{Kind: parts[0], Device: parts[1], Sub: parts[2], Service: parts[3]}, true
}
