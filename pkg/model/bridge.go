package model

import "strings"

// ── Bridge rule ──────────────────────────────────────────────

// Direction is which session a bridge rule forwards from.
type Direction string

const (
	DirectionLocalToRemote Direction = "local-to-remote"
	DirectionRemoteToLocal Direction = "remote-to-local"
)

// Rule is a single topic-rewrite rule applied by the bridge engine (C3).
type Rule struct {
	Filter       string // MQTT wildcard filter
	InputPrefix  string // stripped from the inbound topic
	OutputPrefix string // prepended before forwarding
	Direction    Direction

	// Bidirectional, when set, names the paired rule id this rule forms a
	// loop-suppressed pair with (see bridge.Engine).
	Bidirectional string
}

// RuleError reports why a Rule failed validation.
type RuleError string

func (e RuleError) Error() string { return string(e) }

const (
	ErrInvalidPrefix RuleError = "invalid prefix: contains '+' or '#'"
	ErrMissingSlash  RuleError = "invalid prefix: non-empty prefix missing trailing '/'"
	ErrEmptyRule     RuleError = "invalid rule: empty filter and both prefixes empty"
	ErrInvalidFilter RuleError = "invalid rule: filter is not a legal MQTT filter"
)

// Validate checks r against the table in spec §4.3.
func (r Rule) Validate() error {
	for _, prefix := range []string{r.InputPrefix, r.OutputPrefix} {
		if prefix == "" {
			continue
		}
		if strings.ContainsAny(prefix, "+#") {
			return ErrInvalidPrefix
		}
		if !strings.HasSuffix(prefix, "/") {
			return ErrMissingSlash
		}
	}
	if r.Filter == "" && r.InputPrefix == "" && r.OutputPrefix == "" {
		return ErrEmptyRule
	}
	if r.Filter != "" && !isLegalFilter(r.Filter) {
		return ErrInvalidFilter
	}
	return nil
}

// isLegalFilter checks the MQTT filter grammar: '+' and '#' must each
// occupy a whole topic level, and '#' may only appear as the last level.
func isLegalFilter(filter string) bool {
	if filter == "" {
		return true
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "+", level == "#":
			if level == "#" && i != len(levels)-1 {
				return false
			}
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// Apply rewrites topic per r: strips InputPrefix and prepends OutputPrefix.
// ok is false if topic does not begin with r.InputPrefix.
func (r Rule) Apply(topic string) (rewritten string, ok bool) {
	if !strings.HasPrefix(topic, r.InputPrefix) {
		return "", false
	}
	return r.OutputPrefix + topic[len(r.InputPrefix):], true
}

// Matches reports whether topic matches r.Filter under MQTT wildcard rules.
// A "#" at the root only matches "$SYS/..." topics when sysTopicsAllowed.
func (r Rule) Matches(topic string, sysTopicsAllowed bool) bool {
	if strings.HasPrefix(topic, "$") && !sysTopicsAllowed {
		if r.Filter == "#" || strings.HasPrefix(r.Filter, "#/") {
			return false
		}
		if !strings.HasPrefix(r.Filter, "$") {
			return false
		}
	}
	return filterMatches(r.Filter, topic)
}

func filterMatches(filter, topic string) bool {
	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")
	for i, fl := range fLevels {
		if fl == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != tLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(tLevels)
}
