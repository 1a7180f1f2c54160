package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want zapcore.Level
	}{
		{"production", Options{}, zapcore.InfoLevel},
		{"development", Options{Development: true}, zapcore.DebugLevel},
		{"explicit", Options{Level: "error"}, zapcore.ErrorLevel},
		{"quiet", Options{Development: true, Quiet: true}, zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.opts)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if !l.Core().Enabled(tt.want) {
				t.Fatalf("level %s should be enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && l.Core().Enabled(tt.want-1) {
				t.Fatalf("level %s should be disabled", tt.want-1)
			}
		})
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestFromEnvFallsBack(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	if l := FromEnv(false); l == nil {
		t.Fatalf("expected logger")
	}
}
