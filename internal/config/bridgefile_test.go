package config_test

import (
	"path/filepath"
	"testing"

	"github.com/tedge-io/tedge-agent/internal/config"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

func TestParseBridgeFileAndRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c8y-bridge.conf")
	writeFile(t, path, `
connection c8y-bridge
address mqtt.cumulocity.com:8883
remote_clientid my-device
try_private false
start_type automatic
cleansession false
notifications true
bridge_attempt_unsubscribe false
keepalive_interval 60
topic s/us out 1 c8y/ ""
topic s/ds in 1 "" c8y/
topic measurement/ both 1 c8y/ ""
`)
	conn, err := config.ParseBridgeFile(path)
	if err != nil {
		t.Fatalf("ParseBridgeFile() error = %v", err)
	}
	if conn.Connection != "c8y-bridge" {
		t.Errorf("Connection = %q", conn.Connection)
	}
	if len(conn.Topics) != 3 {
		t.Fatalf("len(Topics) = %d, want 3", len(conn.Topics))
	}

	rules, err := conn.Rules()
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	// "out" and "in" each yield one rule, "both" yields a bidirectional pair.
	if len(rules) != 4 {
		t.Fatalf("len(rules) = %d, want 4", len(rules))
	}
	var bidi int
	for _, r := range rules {
		if r.Bidirectional != "" {
			bidi++
		}
	}
	if bidi != 2 {
		t.Errorf("bidirectional rule count = %d, want 2", bidi)
	}
}

func TestBridgeFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.conf")
	conn := config.BridgeConnection{
		Connection: "az-bridge",
		Address:    "example.azure-devices.net:8883",
		StartType:  "automatic",
		Topics: []config.TopicLine{
			{Filter: "devices/+/messages/events/", Direction: "out", QoS: 1, LocalPrefix: "az/", RemotePrefix: ""},
		},
	}
	if err := config.WriteBridgeFile(path, conn); err != nil {
		t.Fatalf("WriteBridgeFile() error = %v", err)
	}
	parsed, err := config.ParseBridgeFile(path)
	if err != nil {
		t.Fatalf("ParseBridgeFile() error = %v", err)
	}
	if parsed.Connection != conn.Connection || parsed.Address != conn.Address {
		t.Errorf("round trip mismatch: got %+v", parsed)
	}
	if len(parsed.Topics) != 1 || parsed.Topics[0].Filter != "devices/+/messages/events/" {
		t.Errorf("round trip topics mismatch: %+v", parsed.Topics)
	}
}

func TestRuleValidationRejectsInvalidRule(t *testing.T) {
	bad := model.Rule{Filter: "", InputPrefix: "", OutputPrefix: ""}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() on empty rule = nil, want error")
	}
}
