package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Runs first: nothing has changed the level yet.
func TestDefaultLevel(t *testing.T) {
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("Expected info by default, got %v", zerolog.GlobalLevel())
	}

	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetConsoleWriter()
	BadgerLogger{}.Debugf("compaction %d\n", 1)
	BadgerLogger{}.Infof("opened\n")
	if buf.Len() != 0 {
		t.Errorf("Expected badger chatter to be dropped, got %q", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(DefaultLevel)

	if err := SetLevel("WARN"); err != nil {
		t.Fatalf("Failed to set level: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("Expected warn, got %v", zerolog.GlobalLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestBadgerLogger(t *testing.T) {
	defer SetConsoleWriter()
	defer zerolog.SetGlobalLevel(DefaultLevel)

	var buf bytes.Buffer
	SetWriter(&buf)
	BadgerLogger{}.Warningf("value log %d discarded\n", 3)

	line := strings.TrimSpace(buf.String())
	if got := gjson.Get(line, "level").String(); got != "warn" {
		t.Errorf("Expected warn level, got %q", got)
	}
	if got := gjson.Get(line, "message").String(); got != "value log 3 discarded" {
		t.Errorf("Unexpected message %q", got)
	}
	if got := gjson.Get(line, "component").String(); got != "badger" {
		t.Errorf("Expected badger component, got %q", got)
	}
}

func TestSetFormat(t *testing.T) {
	defer SetConsoleWriter()
	for _, f := range []string{"json", "console", ""} {
		if err := SetFormat(f); err != nil {
			t.Errorf("SetFormat(%q): %v", f, err)
		}
	}
	if err := SetFormat("xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
