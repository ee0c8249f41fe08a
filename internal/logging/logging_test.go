package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	// Must not panic and must report disabled at every level.
	logger.Info("ignored", "key", "value")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("discard logger reports enabled")
	}
}

func TestDefault(t *testing.T) {
	if Default(nil) == nil {
		t.Fatal("Default(nil) returned nil")
	}
	logger := Discard()
	if Default(logger) != logger {
		t.Fatal("Default did not pass through the provided logger")
	}
}
