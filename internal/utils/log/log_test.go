package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"e2e_relay/internal/config"
)

func TestReplaceRoutesPackageCalls(t *testing.T) {
	prev := L()
	defer Replace(prev)

	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))

	Info("chat created", zap.Uint32("chat_id", 7))
	Warn("delivery failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "chat created", entries[0].Message)
	assert.Equal(t, uint32(7), entries[0].ContextMap()["chat_id"])
}

func TestSetupWritesFile(t *testing.T) {
	prev := L()
	defer Replace(prev)

	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	_, err := Setup(config.LogConfig{
		Level:   "warning",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	Info("filtered out")
	Warn("kept")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "filtered out")
}
