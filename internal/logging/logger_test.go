package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_CreatesDirAndLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	log, err := NewLogger(Options{Dir: dir, Level: "debug", Service: "webguard-test"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("log dir missing: %v", err)
	}

	log.Info("test_message_from_logging_test")
	_ = log.Sync()

	b, err := os.ReadFile(filepath.Join(dir, "webguard.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "test_message_from_logging_test") {
		t.Fatalf("message not written: %s", b)
	}
	if !strings.Contains(string(b), `"service":"webguard-test"`) {
		t.Fatalf("service field missing: %s", b)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLogger(Options{Dir: dir, Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("should_be_dropped")
	log.Warn("should_be_kept")
	_ = log.Sync()

	b, _ := os.ReadFile(filepath.Join(dir, "webguard.log"))
	if strings.Contains(string(b), "should_be_dropped") {
		t.Fatalf("info line leaked through warn level")
	}
	if !strings.Contains(string(b), "should_be_kept") {
		t.Fatalf("warn line missing")
	}
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(Options{Dir: t.TempDir(), Level: "loud"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !log.Core().Enabled(zapcore.InfoLevel) || log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("want info level")
	}
}
