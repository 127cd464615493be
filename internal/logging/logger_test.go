package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if level := ParseLevel(input); level != expected {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, level, expected)
		}
	}
}

func TestNewLoggerWritesToRotatingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cinesync.log")
	logger, err := NewLogger(Config{Level: "info", File: logPath, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	logger.Debug("suppressed entry")
	logger.Info("progress recorded")
	_ = logger.Sync()

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), "progress recorded") {
		t.Fatalf("expected info entry in log file, got %q", contents)
	}
	if strings.Contains(string(contents), "suppressed entry") {
		t.Fatalf("debug entry must be filtered at info level")
	}
}
