package c8y_test

import (
	"testing"

	"github.com/tedge-io/tedge-agent/internal/protocol/c8y"
)

func TestDecodeConfigUpdateOperation(t *testing.T) {
	payload := []byte(`{
		"externalSource": {"externalId": "child1", "type": "c8y_Serial"},
		"status": "PENDING",
		"c8y_DownloadConfigFile": {"type": "typeA", "url": "http://www.my.url"}
	}`)

	req, err := c8y.Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.ExternalID != "child1" {
		t.Errorf("ExternalID = %q, want %q", req.ExternalID, "child1")
	}
	if req.FragmentName != "c8y_DownloadConfigFile" {
		t.Errorf("FragmentName = %q, want %q", req.FragmentName, "c8y_DownloadConfigFile")
	}
	if got := req.FragmentString("type"); got != "typeA" {
		t.Errorf("FragmentString(type) = %q, want %q", got, "typeA")
	}
	if got := req.FragmentString("url"); got != "http://www.my.url" {
		t.Errorf("FragmentString(url) = %q, want %q", got, "http://www.my.url")
	}
}

func TestDecodeMissingExternalSource(t *testing.T) {
	_, err := c8y.Decode([]byte(`{"c8y_Restart": {}}`))
	if err == nil {
		t.Fatal("Decode() error = nil, want error for missing externalSource")
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := c8y.Decode([]byte(`not json`))
	if err == nil {
		t.Fatal("Decode() error = nil, want error for invalid JSON")
	}
}
