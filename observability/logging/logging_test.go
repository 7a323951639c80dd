package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerRenamesCoreKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo, "dnseed", "test")
	logger.Debug("hidden")
	logger.Info("Peer closed", MaskField("peer_address", "8.8.8.8:8806"), MaskField("netid", "0/in/1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "Peer closed", line["message"])
	require.Equal(t, "dnseed", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["peer_address"])
	require.Equal(t, "0/in/1", line["netid"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestSetupWithOptionsWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "dnseed.log")
	logger, closer, err := SetupWithOptions(Options{Service: "dnseed", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("DNS seed responder listening")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "DNS seed responder listening")
}

func TestRedactionAllowlistKeepsPeerAddressesMasked(t *testing.T) {
	require.NotContains(t, RedactionAllowlist(), "peer_address")
	require.True(t, IsAllowlisted(" NetID "))
}

func TestSanitizeValue(t *testing.T) {
	require.Equal(t, "", SanitizeValue("", 8))
	require.Equal(t, "/node:1.0/??", SanitizeValue("/node:1.0/\n\x00", 64))
	require.Equal(t, "bad?", SanitizeValue("bad\xff", 64))
	require.Equal(t, "abc...", SanitizeValue("abcdef", 3))
	require.Equal(t, "abcdef", SanitizeValue("abcdef", 0))
}
