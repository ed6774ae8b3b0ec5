package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":       zapcore.InfoLevel,
		"debug":  zapcore.DebugLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNew(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New("debug", dev)
		if err != nil {
			t.Fatalf("New(development=%v) failed: %v", dev, err)
		}
		if !logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("development=%v: debug should be enabled", dev)
		}
	}

	logger, err := New("error", false)
	if err != nil {
		t.Fatal(err)
	}
	if logger.Desugar().Core().Enabled(zapcore.InfoLevel) {
		t.Error("Info should be disabled at error level")
	}

	if _, err := New("loud", false); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNop(t *testing.T) {
	Nop().Infow("discarded", "key", "value")
}
