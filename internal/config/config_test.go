package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linea.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "linea.db", cfg.Store.Path)
	assert.Equal(t, 4, cfg.Codegen.Indentation)
	assert.Equal(t, "pipeline", cfg.Codegen.PipelineName)
	assert.False(t, cfg.Codegen.KeepSaveCalls)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/traces.db
codegen:
  indentation: 2
  keep_save_calls: true
  pipeline_name: iris
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/traces.db", cfg.Store.Path)
	assert.Equal(t, 2, cfg.Codegen.Indentation)
	assert.True(t, cfg.Codegen.KeepSaveCalls)
	assert.Equal(t, "iris", cfg.Codegen.PipelineName)
	assert.Equal(t, ".", cfg.Codegen.OutputDir, "unset keys keep their defaults")

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  path: from-file.db\n")
	t.Setenv("LINEA_DB", "from-env.db")
	t.Setenv("LINEA_LOG_LEVEL", " WARN ")
	t.Setenv("LINEA_INDENTATION", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Codegen.Indentation)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Bad YAML", "codegen: [\n"},
		{"Zero indentation", "codegen:\n  indentation: 0\n"},
		{"Empty pipeline name", "codegen:\n  pipeline_name: \"\"\n"},
		{"Unknown level", "log:\n  level: loud\n"},
		{"Pipeline name is a path", "codegen:\n  pipeline_name: a/b\n"},
		{"Huge indentation", "codegen:\n  indentation: 40\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
