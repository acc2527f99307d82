package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetOutput_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	defer SetOutput(&bytes.Buffer{}, "info")

	Opener.Info().Uint32("option", 1).Msg("opened")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "opener" {
		t.Errorf("component = %v, want opener", entry["component"])
	}
	if entry["message"] != "opened" {
		t.Errorf("message = %v, want opened", entry["message"])
	}
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn")
	defer SetOutput(&bytes.Buffer{}, "info")

	Supply.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	Supply.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn line not written at warn level")
	}
}
