package config

import (
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is read from the current directory if it exists
const DefaultFile = "prepdeps.toml"

// Config describes all configuration options
type Config struct {
	Definitions string `default:"dependencies" toml:"definitions" env:"DEFINITIONS" usage:"Directory containing the package definitions (*.star)"`
	Header      string `default:"templates/dependencies_header.cmake" toml:"header" env:"HEADER" usage:"Template copied to the top of the generated CMake file"`
	WorkDir     string `toml:"work_dir" env:"WORK_DIR" usage:"Directory packages are built in (defaults to the definitions directory)"`
	Artifact    string `default:"CMakeLists.txt" toml:"artifact" env:"ARTIFACT" usage:"Name of the generated CMake file inside the destination"`
	BuildDir    string `default:"build" toml:"build_dir" env:"BUILD_DIR" usage:"CMake build directory relative to the destination"`
	CMake       struct {
		MinVersion string `toml:"min_version" env:"MIN_VERSION" usage:"Semver constraint cmake has to satisfy (i.e. >= 3.13)"`
	} `toml:"cmake" env:"CMAKE"`
	Log struct {
		Level string `default:"info" toml:"level" env:"LEVEL"`
	} `toml:"log" env:"LOG"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. If extraFile isn't
// empty, it's read instead of the default prepdeps.toml.
func Loader(extraFile string) (*Config, *aconfig.Loader) {
	files := []string{DefaultFile}
	if extraFile != "" {
		files = []string{extraFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "PREPDEPS",
		SkipFlags:        true,
		AllowUnknownEnvs: true, // PREPDEPS_DEBUG belongs to the console output
		Files:            files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the config from the environment and the config files and validates the result
func Load(extraFile string) (*Config, error) {
	if extraFile != "" {
		// aconfig silently skips missing files
		_, err := os.Stat(extraFile)
		if err != nil {
			return nil, eris.Wrapf(err, "could not read config file %s", extraFile)
		}
	}

	cfg, loader := Loader(extraFile)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Definitions == "" {
		return eris.New(`Invalid value for definitions: must not be empty`)
	}

	if cfg.Artifact == "" {
		return eris.New(`Invalid value for artifact: must not be empty`)
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.CMake.MinVersion != "" {
		_, err := semver.NewConstraint(cfg.CMake.MinVersion)
		if err != nil {
			return eris.Wrapf(err, `Invalid value for cmake.min_version: %s`, cfg.CMake.MinVersion)
		}
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// PackageWorkDir returns the directory packages are built in
func (cfg *Config) PackageWorkDir() string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}

	return cfg.Definitions
}
