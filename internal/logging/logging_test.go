package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("synchronized", "table", "meteo_wt")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"synchronized"`)
	assert.Contains(t, out, `"table":"meteo_wt"`)
}

func TestNewWithWriter_Errors(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWithWriter(&buf, "loud", "text")
	require.Error(t, err)

	_, err = NewWithWriter(&buf, "debug", "xml")
	require.Error(t, err)
}
