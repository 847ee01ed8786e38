// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigureAndComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "listend-test"})

	storeLogger := WithComponent("store")
	storeLogger.Info().Str(FieldGroupID, "g1").Msg("hello")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["service"] != "listend-test" {
		t.Errorf("service = %v, want listend-test", entry["service"])
	}
	if entry[FieldComponent] != "store" {
		t.Errorf("component = %v, want store", entry[FieldComponent])
	}
	if entry[FieldGroupID] != "g1" {
		t.Errorf("%s = %v, want g1", FieldGroupID, entry[FieldGroupID])
	}
}

func TestConfigureIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	// The global logger was configured by the first test; a second Configure
	// must not re-point the output.
	Configure(Config{Output: &buf, Service: "other"})
	baseLogger := Base()
	baseLogger.Info().Msg("after second configure")
	if strings.Contains(buf.String(), "other") {
		t.Error("second Configure must be a no-op")
	}
}
