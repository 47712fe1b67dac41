package internal

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	original := Logger()
	originalLevel := level.Level()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() {
		SetLogger(original)
		level.SetLevel(originalLevel)
	})
	return logs
}

func TestSetLogLevel(t *testing.T) {
	logs := withObservedLogger(t)

	SetLogLevel(LogLevelError)
	LogWarn("dropped")
	LogError("kept %d", 1)

	if logs.Len() != 1 {
		t.Fatalf("SetLogLevel(LogLevelError) recorded %d entries, want 1", logs.Len())
	}
	if got := logs.All()[0].Message; got != "kept 1" {
		t.Errorf("message = %q, want %q", got, "kept 1")
	}
}

func TestSetVerbose(t *testing.T) {
	logs := withObservedLogger(t)

	SetVerbose(false)
	LogDebug("hidden")
	if logs.Len() != 0 {
		t.Errorf("SetVerbose(false) should suppress debug, got %d entries", logs.Len())
	}

	SetVerbose(true)
	LogDebug("shown")
	if logs.FilterMessage("shown").Len() != 1 {
		t.Error("SetVerbose(true) should emit debug entries")
	}
}

func TestLogFunctions(t *testing.T) {
	logs := withObservedLogger(t)
	SetLogLevel(LogLevelDebug)

	LogError("test error message")
	LogWarn("test warning message")
	LogInfo("test info message")
	LogDebug("test debug message")

	want := []zapcore.Level{zapcore.ErrorLevel, zapcore.WarnLevel, zapcore.InfoLevel, zapcore.DebugLevel}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("recorded %d entries, want %d", len(entries), len(want))
	}
	for i, entry := range entries {
		if entry.Level != want[i] {
			t.Errorf("entry %d level = %v, want %v", i, entry.Level, want[i])
		}
	}
}

func TestLogLevels(t *testing.T) {
	if LogLevelError >= LogLevelWarn {
		t.Error("LogLevelError should be less than LogLevelWarn")
	}
	if LogLevelWarn >= LogLevelInfo {
		t.Error("LogLevelWarn should be less than LogLevelInfo")
	}
	if LogLevelInfo >= LogLevelDebug {
		t.Error("LogLevelInfo should be less than LogLevelDebug")
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	original := Logger()
	originalLevel := level.Level()
	defer func() {
		SetLogger(original)
		level.SetLevel(originalLevel)
	}()

	logFile := filepath.Join(t.TempDir(), "mindmap.log")
	l := InitLogger(LogOptions{Level: "warn", Format: "json", LogFile: logFile, MaxSize: 1})
	if l == nil {
		t.Fatal("InitLogger() returned nil")
	}
	if Logger() != l {
		t.Error("InitLogger() should install the returned logger")
	}
	if level.Enabled(zapcore.InfoLevel) {
		t.Error("InitLogger(level=warn) should disable info")
	}
}
