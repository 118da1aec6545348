package logging

import (
	"bytes"
	"context"
	"testing"

	"log/slog"

	"github.com/l0p7/purgectl/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "critical", ""} {
		logger, err := New(config.LoggingConfig{Level: level, Format: "json"})
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}

func TestCriticalRendersLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)

	Critical(context.Background(), logger, "dispatch failed", slog.String("uri", "https://api.example.com"))

	out := buf.String()
	require.Contains(t, out, "level=CRITICAL")
	require.Contains(t, out, "uri=https://api.example.com")
	require.Contains(t, out, "component=purgectl")
}

func TestCriticalLevelFiltersLowerRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{Level: "critical", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Error("ignored")
	require.Empty(t, buf.String())

	Critical(context.Background(), logger, "kept")
	require.Contains(t, buf.String(), `"level":"CRITICAL"`)
}
