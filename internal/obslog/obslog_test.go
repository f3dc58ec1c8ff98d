package obslog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit_WritesRotatingFile(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	path := filepath.Join(t.TempDir(), "nested", "chess.log")

	require.NoError(t, Init(Options{Level: "debug", Format: "json", ToFile: true, File: path, MaxSizeMB: 1}))
	L().Debug("probe_line", zap.String("game_id", "g1"))
	_ = L().Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"probe_line"`)
	assert.Contains(t, string(b), `"game_id":"g1"`)
}

func TestInit_LevelFilters(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	path := filepath.Join(t.TempDir(), "chess.log")

	require.NoError(t, Init(Options{Level: "warn", Format: "bogus", ToFile: true, File: path}))
	L().Info("quiet")
	L().Warn("loud")
	_ = L().Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "quiet")
	assert.Contains(t, string(b), "loud")
}

func TestIntegrityTagsCritical(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	Integrity("position_corruption", zap.String("game_id", "g1"))

	entries := logs.FilterMessage("position_corruption").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "critical", entries[0].ContextMap()["integrity"])
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_TO_FILE", "TRUE")
	t.Setenv("LOG_MAX_SIZE_MB", "-1")
	t.Setenv("LOG_MAX_BACKUPS", "9")

	o := OptionsFromEnv()
	assert.Equal(t, "info", o.Level)
	assert.True(t, o.ToFile)
	assert.Equal(t, 100, o.MaxSizeMB)
	assert.Equal(t, 9, o.MaxBackups)

	Set(nil)
	assert.NotNil(t, L())
}
