package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)
	SetLogLevel(slog.LevelWarn)

	tests := []struct {
		name  string
		opts  *slog.HandlerOptions
		log   func(*slog.Logger)
		found bool
	}{
		{"explicit level", &slog.HandlerOptions{Level: slog.LevelInfo}, func(l *slog.Logger) { l.Info("test message") }, true},
		{"package level suppresses info", nil, func(l *slog.Logger) { l.Info("test message") }, false},
		{"package level emits warn", nil, func(l *slog.Logger) { l.Warn("test message") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.opts)
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}

			tt.log(logger)
			if got := strings.Contains(buf.String(), "test message"); got != tt.found {
				t.Errorf("log output contains message = %v, want %v: %s", got, tt.found, buf.String())
			}
		})
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	if logger == nil {
		t.Fatal("NewJSONLogger returned nil")
	}

	logger.Info("test message")
	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("JSON log output missing message: %s", output)
	}
}

func TestLogDebug(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogLevel(slog.LevelDebug)
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentPort, "debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("debug log missing message: %s", output)
	}
	if !strings.Contains(output, "component=port") {
		t.Errorf("debug log missing component: %s", output)
	}
}

func TestLogInfo(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogInfo(ComponentHost, "info message")
	output := buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("info log missing message: %s", output)
	}
	if !strings.Contains(output, "component=host") {
		t.Errorf("info log missing component: %s", output)
	}
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogWarn(ComponentPipe, "warn message")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("warn log missing message: %s", output)
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogError(ComponentHAL, "error message")
	output := buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("error log missing message: %s", output)
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	customLogger := NewLogger(&buf, nil)
	SetLogger(customLogger)

	LogInfo(ComponentPort, "custom logger test")
	if !strings.Contains(buf.String(), "custom logger test") {
		t.Error("custom logger not used")
	}
}

func TestLogEnabled(t *testing.T) {
	original := DefaultLogger
	level := GetLogLevel()
	defer func() {
		SetLogger(original)
		SetLogLevel(level)
	}()

	SetLogger(NewLogger(&bytes.Buffer{}, nil))
	SetLogLevel(slog.LevelWarn)
	if LogEnabled(slog.LevelDebug) {
		t.Error("LogEnabled(debug) = true at warn level")
	}
	if !LogEnabled(slog.LevelError) {
		t.Error("LogEnabled(error) = false at warn level")
	}
}

func TestLogSuppressedBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	level := GetLogLevel()
	defer func() {
		SetLogger(original)
		SetLogLevel(level)
	}()

	SetLogger(NewLogger(&buf, nil))
	SetLogLevel(slog.LevelWarn)

	LogDebug(ComponentISR, "hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message emitted at warn level: %s", buf.String())
	}
}
