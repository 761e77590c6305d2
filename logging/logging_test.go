package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupJSON(t *testing.T) {

	var buf bytes.Buffer

	logger, err := SetupWithWriter("debug", "json", &buf)

	if err != nil {
		t.Fatal(err)
	}

	logger.Debug().Str("component", "test").Msg("hello")

	var event map[string]any

	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}

	if event["message"] != "hello" || event["component"] != "test" || event["level"] != "debug" {
		t.Fatalf("unexpected event %v", event)
	}

	if _, ok := event["time"]; !ok {
		t.Fatal("missing timestamp")
	}
}

func TestSetupLevelFilters(t *testing.T) {

	var buf bytes.Buffer

	logger, err := SetupWithWriter("warn", "console", &buf)

	if err != nil {
		t.Fatal(err)
	}

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	out := buf.String()

	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSetupInvalidLevel(t *testing.T) {

	if _, err := SetupWithWriter("chatty", "json", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}
