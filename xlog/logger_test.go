package xlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerRespectsMaxLevel(t *testing.T) {
	var buf bytes.Buffer
	SetFormatter(NewDefaultFormatter(&buf, false))
	SetGlobalMaxLogLevel(INFO)

	lg := NewLogger("xlog_test")
	lg.Debugln("hidden")
	lg.Infoln("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered by default max level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("info line should be printed: %q", out)
	}
}

func TestLoggerPerLoggerOverride(t *testing.T) {
	var buf bytes.Buffer
	SetFormatter(NewDefaultFormatter(&buf, true))
	SetGlobalMaxLogLevel(ERROR)

	lg := NewLogger("xlog_test_override")
	lg.SetMaxLogLevel(DEBUG)
	lg.Debugln("visible")

	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("per-logger override should win over the global max level")
	}
}

func TestGetLogger(t *testing.T) {
	NewLogger("xlog_test_registry")
	if _, ok := GetLogger("xlog_test_registry"); !ok {
		t.Fatalf("expected registered logger to be found")
	}
	if _, ok := GetLogger("xlog_test_does_not_exist"); ok {
		t.Fatalf("unexpected logger found")
	}
}
