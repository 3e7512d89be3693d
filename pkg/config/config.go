package config

import (
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the config file looked up next to build.star
const FileName = "buildgraph.toml"

// Config describes all configuration options
type Config struct {
	BuildDir     string   `default:"build" usage:"Output directory, relative to the project root"`
	Repositories []string `usage:"Local Maven-style repositories used to resolve dependencies"`
	Jobs         int      `default:"1" usage:"Number of tasks to run in parallel"`
	FailFast     bool     `default:"true" usage:"Stop scheduling new tasks after the first failure"`
	Log          struct {
		Level string `default:"info"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Command line flags are
// handled by cobra so the loader only reads the config file and BUILDGRAPH_* environment variables.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "BUILDGRAPH",
		Files:     []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration for the given project
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Jobs < 1 {
		return eris.Errorf(`Invalid value for jobs: %d (must be at least 1)`, cfg.Jobs)
	}

	if cfg.BuildDir == "" {
		return eris.New(`Invalid value for build_dir: must not be empty`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// RepositoryRoots returns the configured repositories as absolute paths
func (cfg *Config) RepositoryRoots(projectRoot string) []string {
	roots := make([]string, len(cfg.Repositories))
	for idx, repo := range cfg.Repositories {
		if filepath.IsAbs(repo) {
			roots[idx] = filepath.Clean(repo)
		} else {
			roots[idx] = filepath.Join(projectRoot, repo)
		}
	}
	return roots
}
