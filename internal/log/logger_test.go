package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponentAnnotatesEntries(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf, Service: "test-svc"})
	t.Cleanup(func() { Reconfigure(Config{}) })

	l := WithComponent("session")
	l.Info().Str(FieldResourceID, "doc-1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test-svc", entry[FieldService])
	assert.Equal(t, "session", entry[FieldComponent])
	assert.Equal(t, "doc-1", entry[FieldResourceID])
	assert.Equal(t, "hello", entry["message"])
}

func TestConfigureIgnoresSecondCall(t *testing.T) {
	var first, second bytes.Buffer
	Reconfigure(Config{Output: &first})
	Configure(Config{Output: &second})
	t.Cleanup(func() { Reconfigure(Config{}) })

	l := Base()
	l.Info().Msg("x")
	assert.NotZero(t, first.Len())
	assert.Zero(t, second.Len())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	Reconfigure(Config{Level: "shouting", Output: &bytes.Buffer{}})
	t.Cleanup(func() { Reconfigure(Config{}) })
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
