package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLoggerLevelFallback(t *testing.T) {
	InitLogger("debug")
	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Fatalf("GlobalLevel = %v, want debug", got)
	}

	InitLogger("not-a-level")
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Fatalf("GlobalLevel = %v, want info fallback", got)
	}
}

func TestInitLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger("info").Output(&buf)

	logger.Info().Msg("ping")
	if !strings.Contains(buf.String(), `"service":"agentauth"`) {
		t.Fatalf("log line missing service field: %s", buf.String())
	}
}
