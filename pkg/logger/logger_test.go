package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level Level) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := NewLogger(&Config{
		Level:            level,
		Format:           JSONFormat,
		Output:           WriterOutput,
		Writer:           buf,
		DisableTimestamp: true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return l, buf
}

func TestDerivedLoggersKeepFields(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel)

	l.WithComponent("resolver").WithScope("acme-us").WithField("run_id", "r-1").Info("resolved")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}

	for key, want := range map[string]string{"component": "resolver", "scope": "acme-us", "run_id": "r-1", "msg": "resolved"} {
		if line[key] != want {
			t.Errorf("expected %s=%q, got %v", key, want, line[key])
		}
	}
}

func TestWithErrorAddsErrorField(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel)

	l.WithError(errors.New("boom")).Error("failed")

	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("expected error field in %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, WarnLevel)

	l.Info("hidden")
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("expected info/debug to be filtered, got %q", buf.String())
	}

	l.Warnf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("expected warning in output, got %q", buf.String())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", *DefaultConfig(), false},
		{"production", *ProductionConfig(), false},
		{"bad level", Config{Level: "loud", Format: TextFormat, Output: StderrOutput}, true},
		{"bad format", Config{Level: InfoLevel, Format: "xml", Output: StderrOutput}, true},
		{"file without path", Config{Level: InfoLevel, Format: TextFormat, Output: FileOutput}, true},
		{"writer without writer", Config{Level: InfoLevel, Format: TextFormat, Output: WriterOutput}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimedOperation(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel)

	if err := TimedOperation("ingest", l, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"status":"success"`) {
		t.Errorf("expected success status, got %q", buf.String())
	}

	buf.Reset()
	want := errors.New("nope")
	if err := TimedOperation("ingest", l, func() error { return want }); err != want {
		t.Fatalf("expected the function's error back, got %v", err)
	}
	if !strings.Contains(buf.String(), `"status":"error"`) {
		t.Errorf("expected error status, got %q", buf.String())
	}
}

func TestProgressTracker(t *testing.T) {
	l, _ := newBufferLogger(t, InfoLevel)
	tracker := NewProgressTracker(ProgressConfig{Operation: "normalize", Total: 3, Logger: l})

	tracker.Increment(false)
	tracker.Increment(true)
	tracker.Increment(false)

	stats := tracker.Complete()
	if stats.Current != 3 || stats.Failed != 1 || stats.Total != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !strings.Contains(stats.String(), "3/3 processed (1 failed)") {
		t.Errorf("unexpected stats string %q", stats.String())
	}
}
