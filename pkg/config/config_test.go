package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "build", cfg.BuildDir)
	assert.Equal(t, 1, cfg.Jobs)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestLoadEnv(t *testing.T) {
	os.Setenv("BUILDGRAPH_JOBS", "4")
	defer os.Unsetenv("BUILDGRAPH_JOBS")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Jobs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
		valid  bool
	}{
		{"defaults", func(cfg *Config) {}, true},
		{"debug level", func(cfg *Config) { cfg.Log.Level = "debug" }, true},
		{"unknown level", func(cfg *Config) { cfg.Log.Level = "chatty" }, false},
		{"no jobs", func(cfg *Config) { cfg.Jobs = 0 }, false},
		{"empty build dir", func(cfg *Config) { cfg.BuildDir = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{BuildDir: "build", Jobs: 1}
			cfg.Log.Level = "info"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRepositoryRoots(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "elsewhere")

	cfg := &Config{Repositories: []string{"repo", abs}}
	assert.Equal(t, []string{filepath.Join(root, "repo"), abs}, cfg.RepositoryRoots(root))
}
