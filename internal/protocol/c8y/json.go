// Package c8y implements the JSON-over-MQTT cloud dialect (spec.md §4.6):
// a single JSON object on a device-control topic carries an operation with
// a free-form externalSource pointing to an entity external id. Decoding
// is lenient by design (gjson, not a fixed struct unmarshal) so an
// operation fragment this runtime doesn't know about is still captured for
// debugging instead of failing the whole message. Status replies for an
// operation decoded from this dialect still go out over SmartREST, same as
// the original implementation's c8y_operations.rs notes: "these operations
// can be addressed by SmartREST that is published together with JSON over
// MQTT" — there is no JSON-dialect status reply to build here.
package c8y

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// reservedKeys are top-level fields that describe the operation envelope
// itself, not an operation fragment.
var reservedKeys = map[string]struct{}{
	"id":             {},
	"status":         {},
	"description":    {},
	"externalSource": {},
	"creationTime":   {},
	"deviceId":       {},
}

// Request is a decoded device-control JSON operation.
type Request struct {
	ExternalID   string
	FragmentName string      // the one non-reserved top-level key naming the operation
	Fragment     gjson.Result // that key's value, queried lazily by callers
	Raw          []byte
	// UnrecognizedFragments holds any other non-reserved keys, recorded
	// verbatim for debugging rather than discarded (spec.md §4.6).
	UnrecognizedFragments map[string]gjson.Result
}

// Decode parses payload as a device-control operation. It returns an error
// only when the payload is not valid JSON or externalSource.externalId is
// absent; an operation with zero or multiple candidate fragments still
// decodes, leaving FragmentName empty or reporting the first one found.
func Decode(payload []byte) (Request, error) {
	if !gjson.ValidBytes(payload) {
		return Request{}, fmt.Errorf("c8y: invalid JSON payload")
	}
	root := gjson.ParseBytes(payload)

	extID := root.Get("externalSource.externalId")
	if !extID.Exists() {
		return Request{}, fmt.Errorf("c8y: missing externalSource.externalId")
	}

	req := Request{
		ExternalID:            extID.String(),
		Raw:                   payload,
		UnrecognizedFragments: make(map[string]gjson.Result),
	}

	root.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if _, reserved := reservedKeys[k]; reserved {
			return true
		}
		if req.FragmentName == "" {
			req.FragmentName = k
			req.Fragment = value
		} else {
			req.UnrecognizedFragments[k] = value
		}
		return true
	})

	return req, nil
}

// FragmentString reads a string field from the decoded operation fragment.
func (r Request) FragmentString(field string) string {
	return r.Fragment.Get(field).String()
}
