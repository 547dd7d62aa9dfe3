package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLevelControlsDebugOutput(t *testing.T) {
	Init("logger-test", false)

	var buf bytes.Buffer
	Logger = Logger.Output(&buf)

	// Default level is info; debug stays silent.
	Logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	Logger.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	SetLevel("error")
	Logger.Info().Msg("suppressed")
	assert.Empty(t, buf.String())
}
