package sysutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old; LogSugar = old.Sugar() })

	require.NoError(t, InitLogger("debug", "console"))
	require.NoError(t, InitLogger("info", "json"))
	assert.NotNil(t, LogSugar)

	assert.Error(t, InitLogger("loud", "console"))
	assert.Error(t, InitLogger("info", "xml"))
}
