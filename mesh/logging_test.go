package mesh

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "run.log")

	log, err := NewLogger(LoggingConfig{Level: "info", File: file, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)
	log.Debugf("hidden %d", 1)
	log.Infof("registered pair %d-%d", 1, 0)
	require.NoError(t, log.Sync())

	assert.Contains(t, buf.String(), "registered pair 1-0")
	assert.NotContains(t, buf.String(), "hidden")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"registered pair 1-0"`), string(data))
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger(LoggingConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotPanics(t, func() { orNop(nil).Infof("dropped") })
}
