package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", &buf)

	log.Debugf("should not appear")
	log.Infof("should not appear either")
	log.Warnf("warning %d", 1)
	log.Errorf("error %s", "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "warning 1", first["message"])
	assert.Equal(t, "warn", first["level"])
}

func TestWith_AddsField(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", &buf).With("representation", "720p")

	log.Infof("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "720p", entry["representation"])
}

func TestNoop_DoesNotPanic(t *testing.T) {
	log := Noop()
	log.Debugf("x")
	log.Infof("x")
	log.Warnf("x")
	log.Errorf("x")
}
