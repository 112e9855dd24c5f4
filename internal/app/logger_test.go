package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerHandlerSelection(t *testing.T) {
	prod := NewLogger(&Config{AppEnv: "production", LogFormat: "pretty"})
	_, ok := prod.Handler().(*slog.JSONHandler)
	require.True(t, ok, "production must log JSON even with pretty format")

	dev := NewLogger(&Config{AppEnv: "development", LogFormat: "pretty"})
	_, ok = dev.Handler().(*slog.TextHandler)
	require.True(t, ok)

	devJSON := NewLogger(&Config{AppEnv: "development", LogFormat: "json"})
	_, ok = devJSON.Handler().(*slog.JSONHandler)
	require.True(t, ok)
}
