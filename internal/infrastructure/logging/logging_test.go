package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_WritesFileSink(t *testing.T) {
	file := filepath.Join(t.TempDir(), "archbuild.log")

	log := New("debug", file)
	log.Debug("stage started", zap.String("stage", "fetch_base"))
	_ = log.Sync()

	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(b), `"stage":"fetch_base"`) {
		t.Errorf("unexpected log content: %s", b)
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log := New("loud", "")
	if log.Core().Enabled(zap.DebugLevel) {
		t.Error("debug must be disabled for an unknown level")
	}
	if !log.Core().Enabled(zap.InfoLevel) {
		t.Error("info must be enabled")
	}
}
