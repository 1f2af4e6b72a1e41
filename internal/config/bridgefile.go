package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tedge-io/tedge-agent/pkg/model"
)

// BridgeConnection is the mosquitto-compatible on-disk bridge description
// (spec.md §6): one "connection" block of broker settings plus the
// "topic <filter> <direction> <qos> <local-prefix> <remote-prefix>" lines
// that become model.Rule values once parsed.
type BridgeConnection struct {
	Connection               string
	Address                  string
	RemoteClientID           string
	LocalClientID            string
	BridgeCAFile             string
	BridgeCertFile           string
	BridgeKeyFile            string
	TryPrivate               bool
	StartType                string
	CleanSession             bool
	Notifications            bool
	BridgeAttemptUnsubscribe bool
	KeepaliveInterval        int

	Topics []TopicLine
}

// TopicLine is one "topic" directive. Direction is "in", "out", or "both";
// "both" is expanded into a bidirectional model.Rule pair by Rules().
type TopicLine struct {
	Filter       string
	Direction    string
	QoS          byte
	LocalPrefix  string
	RemotePrefix string
}

// ParseBridgeFile reads a mosquitto-compatible bridge config file and
// returns its single connection block. Unrecognized directives are
// ignored rather than rejected, since the format is a superset we only
// need a subset of (spec.md §6).
func ParseBridgeFile(path string) (*BridgeConnection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open bridge file %s: %w", path, err)
	}
	defer f.Close()

	conn := &BridgeConnection{CleanSession: false, StartType: "automatic"}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := fields[0]
		rest := fields[1:]

		switch key {
		case "connection":
			conn.Connection = join(rest)
		case "address":
			conn.Address = join(rest)
		case "remote_clientid":
			conn.RemoteClientID = join(rest)
		case "local_clientid":
			conn.LocalClientID = join(rest)
		case "bridge_cafile":
			conn.BridgeCAFile = join(rest)
		case "bridge_certfile":
			conn.BridgeCertFile = join(rest)
		case "bridge_keyfile":
			conn.BridgeKeyFile = join(rest)
		case "try_private":
			conn.TryPrivate = parseBool(join(rest))
		case "start_type":
			conn.StartType = join(rest)
		case "cleansession":
			conn.CleanSession = parseBool(join(rest))
		case "notifications":
			conn.Notifications = parseBool(join(rest))
		case "bridge_attempt_unsubscribe":
			conn.BridgeAttemptUnsubscribe = parseBool(join(rest))
		case "keepalive_interval":
			conn.KeepaliveInterval, _ = strconv.Atoi(join(rest))
		case "topic":
			tl, err := parseTopicLine(rest)
			if err != nil {
				return nil, fmt.Errorf("config: bridge file %s: %w", path, err)
			}
			conn.Topics = append(conn.Topics, tl)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan bridge file %s: %w", path, err)
	}
	return conn, nil
}

func join(fields []string) string { return strings.Join(fields, " ") }

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// parseTopicLine parses "<filter> <direction> <qos> <local-prefix>
// <remote-prefix>"; filter/prefix fields are optional per mosquitto's own
// grammar and default to empty, and a literal "" prefix field also means
// an empty prefix.
func parseTopicLine(fields []string) (TopicLine, error) {
	tl := TopicLine{Direction: "both", QoS: 1}
	if len(fields) > 0 {
		tl.Filter = fields[0]
	}
	if len(fields) > 1 {
		tl.Direction = fields[1]
	}
	if len(fields) > 2 {
		q, err := strconv.Atoi(fields[2])
		if err != nil {
			return tl, fmt.Errorf("invalid qos %q", fields[2])
		}
		tl.QoS = byte(q)
	}
	if len(fields) > 3 && fields[3] != `""` {
		tl.LocalPrefix = fields[3]
	}
	if len(fields) > 4 && fields[4] != `""` {
		tl.RemotePrefix = fields[4]
	}
	return tl, nil
}

// Rules expands conn's topic lines into validated model.Rule values,
// splitting "both" direction lines into a bidirectional pair as described
// in spec.md §3/§4.3. Validation failures are returned immediately: rule
// parsing errors are fatal at startup per spec.md §7.
func (conn *BridgeConnection) Rules() ([]model.Rule, error) {
	var rules []model.Rule
	for i, tl := range conn.Topics {
		pairID := fmt.Sprintf("%s#%d", conn.Connection, i)
		switch tl.Direction {
		case "out":
			rules = append(rules, model.Rule{
				Filter: tl.Filter, InputPrefix: tl.LocalPrefix, OutputPrefix: tl.RemotePrefix,
				Direction: model.DirectionLocalToRemote,
			})
		case "in":
			rules = append(rules, model.Rule{
				Filter: tl.Filter, InputPrefix: tl.RemotePrefix, OutputPrefix: tl.LocalPrefix,
				Direction: model.DirectionRemoteToLocal,
			})
		case "both", "":
			rules = append(rules,
				model.Rule{
					Filter: tl.Filter, InputPrefix: tl.LocalPrefix, OutputPrefix: tl.RemotePrefix,
					Direction: model.DirectionLocalToRemote, Bidirectional: pairID,
				},
				model.Rule{
					Filter: tl.Filter, InputPrefix: tl.RemotePrefix, OutputPrefix: tl.LocalPrefix,
					Direction: model.DirectionRemoteToLocal, Bidirectional: pairID,
				},
			)
		default:
			return nil, fmt.Errorf("config: unknown topic direction %q", tl.Direction)
		}
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("config: invalid bridge rule (filter=%q): %w", r.Filter, err)
		}
	}
	return rules, nil
}

// WriteBridgeFile emits conn in mosquitto's bridge config format, the
// form an external broker process consumes (spec.md §6: "the runtime
// must be able to both emit this format ... and consume a semantically
// equivalent structured form").
func WriteBridgeFile(path string, conn BridgeConnection) error {
	var b strings.Builder
	fmt.Fprintf(&b, "connection %s\n", conn.Connection)
	fmt.Fprintf(&b, "address %s\n", conn.Address)
	if conn.RemoteClientID != "" {
		fmt.Fprintf(&b, "remote_clientid %s\n", conn.RemoteClientID)
	}
	if conn.LocalClientID != "" {
		fmt.Fprintf(&b, "local_clientid %s\n", conn.LocalClientID)
	}
	if conn.BridgeCAFile != "" {
		fmt.Fprintf(&b, "bridge_cafile %s\n", conn.BridgeCAFile)
	}
	if conn.BridgeCertFile != "" {
		fmt.Fprintf(&b, "bridge_certfile %s\n", conn.BridgeCertFile)
	}
	if conn.BridgeKeyFile != "" {
		fmt.Fprintf(&b, "bridge_keyfile %s\n", conn.BridgeKeyFile)
	}
	fmt.Fprintf(&b, "try_private %t\n", conn.TryPrivate)
	fmt.Fprintf(&b, "start_type %s\n", orDefault(conn.StartType, "automatic"))
	fmt.Fprintf(&b, "cleansession %t\n", conn.CleanSession)
	fmt.Fprintf(&b, "notifications %t\n", conn.Notifications)
	fmt.Fprintf(&b, "bridge_attempt_unsubscribe %t\n", conn.BridgeAttemptUnsubscribe)
	if conn.KeepaliveInterval > 0 {
		fmt.Fprintf(&b, "keepalive_interval %d\n", conn.KeepaliveInterval)
	}
	for _, tl := range conn.Topics {
		local, remote := tl.LocalPrefix, tl.RemotePrefix
		if local == "" {
			local = `""`
		}
		if remote == "" {
			remote = `""`
		}
		fmt.Fprintf(&b, "topic %s %s %d %s %s\n", tl.Filter, tl.Direction, tl.QoS, local, remote)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("config: write bridge file %s: %w", path, err)
	}
	return nil
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
