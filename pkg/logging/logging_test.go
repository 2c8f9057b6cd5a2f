package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestGetLogger(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
		wantErr bool
	}{
		{level: LevelDebug, enabled: zapcore.DebugLevel},
		{level: LevelInfo, enabled: zapcore.InfoLevel},
		{level: LevelWarn, enabled: zapcore.WarnLevel},
		{level: LevelError, enabled: zapcore.ErrorLevel},
		{level: "loud", wantErr: true},
	}
	for _, tt := range tests {
		l, err := GetLogger(tt.level)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("GetLogger(%q) expected error", tt.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("GetLogger(%q): %v", tt.level, err)
		}
		if !l.Core().Enabled(tt.enabled) {
			t.Fatalf("GetLogger(%q) does not log at %s", tt.level, tt.enabled)
		}
		if tt.enabled > zapcore.DebugLevel && l.Core().Enabled(tt.enabled-1) {
			t.Fatalf("GetLogger(%q) logs below its level", tt.level)
		}
	}
}

func TestNoneIsNop(t *testing.T) {
	l := MustGetLogger(LevelNone)
	if l.Core().Enabled(zapcore.FatalLevel) {
		t.Fatal("none logger should be disabled")
	}
}
