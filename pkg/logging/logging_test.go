package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/a-essam23/chatrelay/pkg/logging"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := logging.ParseLevel("loud")
	require.Error(t, err)
}

func TestNewWithWriter_JSONRespectsLevel(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.LevelWarn, logging.FormatJSON)

	logger.Info("hidden")
	req.Zero(buf.Len())

	logger.Warn("shown", slog.String("connID", "abc"))
	var line map[string]any
	req.NoError(json.Unmarshal(buf.Bytes(), &line))
	req.Equal("shown", line["msg"])
	req.Equal("abc", line["connID"])
}
