package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deskthing/deskthingd/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	envListen      = "DESKTHING_LISTEN"
	envLogLevel    = "DESKTHING_LOG_LEVEL"
	envGithubToken = "DESKTHING_GITHUB_TOKEN"
	envStatsClient = "STATS_CLIENT_ID"
	envStatsURL    = "STATS_ENDPOINT"
)

var log = util.GetLogger("config")

// Config is the main configuration struct
type Config struct {
	DataDir            string        `yaml:"dataDir" validate:"required"`
	ListenAddr         string        `yaml:"listenAddr" validate:"required,hostname_port"`
	MetricsEnabled     bool          `yaml:"metricsEnabled"`
	LogLevel           string        `yaml:"logLevel" validate:"oneof=trace debug info warn warning error fatal"`
	LogBufferSize      int           `yaml:"logBufferSize" validate:"min=1"`
	UpdateOwner        string        `yaml:"updateOwner"`
	UpdateRepo         string        `yaml:"updateRepo"`
	ReleaseTTL         time.Duration `yaml:"releaseTTL" validate:"min=0"`
	ClientReleaseRepos []string      `yaml:"clientReleaseRepos" validate:"dive,required"`
	AppReleaseRepos    []string      `yaml:"appReleaseRepos" validate:"dive,required"`
	FlashTool          string        `yaml:"flashTool"`
	FlashToolArgs      []string      `yaml:"flashToolArgs"`
	StatsEndpoint      string        `yaml:"statsEndpoint" validate:"omitempty,url"`
	StatsClientID      string        `yaml:"statsClientID"`
	StatsFlushInterval time.Duration `yaml:"statsFlushInterval" validate:"min=0"`
	PluginDir          string        `yaml:"pluginDir"`
	GithubToken        string        `yaml:"githubToken"`
}

// Default returns the configuration used when no config file is present
func Default() *Config {
	dataDir := "."
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "deskthing")
	}
	return &Config{
		DataDir:            dataDir,
		ListenAddr:         "127.0.0.1:8891",
		MetricsEnabled:     true,
		LogLevel:           "info",
		LogBufferSize:      1000,
		UpdateOwner:        "ItsRiprod",
		UpdateRepo:         "DeskThing",
		ReleaseTTL:         time.Hour,
		ClientReleaseRepos: []string{"ItsRiprod/DeskThing"},
		AppReleaseRepos:    []string{"ItsRiprod/DeskThing-Apps"},
		FlashTool:          "flashthing-cli",
		StatsFlushInterval: 5 * time.Minute,
	}
}

// Load reads the configuration from a file and maps it to the config struct. A missing file
// yields the defaults. Environment overrides are applied last, from the process environment and
// from a .env file in the data directory
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		log.Info("Reading main config [", configFile, "]")
		filename, _ := filepath.Abs(configFile)
		yamlFile, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "Failed to load deskthing config file")
			}
			log.Info("No config file found, using default config values")
		} else if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, errors.Wrapf(err, "Failed to parse config file '%s'", filename)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv loads <data>/.env without overriding variables already set in the process environment
func (cfg *Config) applyEnv() {
	envFile := filepath.Join(cfg.DataDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to load env file '%s': %s", envFile, err.Error())
	}

	if v := os.Getenv(envListen); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(envGithubToken); v != "" {
		cfg.GithubToken = v
	}
	if v := os.Getenv(envStatsClient); v != "" {
		cfg.StatsClientID = v
	}
	if v := os.Getenv(envStatsURL); v != "" {
		cfg.StatsEndpoint = v
	}
}

// Validate checks the config values against their constraints
func (cfg *Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}
	return nil
}

//
// Config methods
//

// SettingsPath returns the location of the user settings file
func (cfg *Config) SettingsPath() string {
	return filepath.Join(cfg.DataDir, "settings.yaml")
}

// UpdatesDir returns the directory downloaded updates are stored in
func (cfg *Config) UpdatesDir() string {
	return filepath.Join(cfg.DataDir, "updates")
}

// ReleasesPath returns the location of the release cache
func (cfg *Config) ReleasesPath() string {
	return filepath.Join(cfg.DataDir, "releases.json")
}

// PluginsPath returns the location of the plugin references file
func (cfg *Config) PluginsPath() string {
	return filepath.Join(cfg.DataDir, "plugins.json")
}

// PluginsDir returns the directory scanned for plugins
func (cfg *Config) PluginsDir() string {
	if cfg.PluginDir != "" {
		return cfg.PluginDir
	}
	return filepath.Join(cfg.DataDir, "plugins")
}

// FlashMarkerPath returns the location of the marker written after a verified flash
func (cfg *Config) FlashMarkerPath() string {
	return filepath.Join(cfg.DataDir, ".flashed")
}
