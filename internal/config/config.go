// Package config provides configuration management for proccensus.
//
// This package handles loading configuration from multiple sources:
// - Configuration files (YAML, JSON, TOML)
// - Environment variables
// - Command line flags
// - Default values
//
// Configuration is loaded in order of precedence (highest to lowest):
// 1. Command line flags
// 2. Environment variables
// 3. Configuration file
// 4. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all proccensus environment variables
const EnvPrefix = "PROCCENSUS"

// Config represents the complete proccensus configuration
type Config struct {
	Census  CensusConfig  `mapstructure:"census" yaml:"census"`
	Driver  DriverConfig  `mapstructure:"driver" yaml:"driver"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CensusConfig contains process census probe configuration
type CensusConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	PIDsOnly bool   `mapstructure:"pids_only" yaml:"pids_only"`
}

// DriverConfig contains loop driver configuration
type DriverConfig struct {
	Command           string            `mapstructure:"command" yaml:"command"`
	Shell             bool              `mapstructure:"shell" yaml:"shell"`
	WorkingDir        string            `mapstructure:"working_dir" yaml:"working_dir"`
	Env               []string          `mapstructure:"env" yaml:"env"`
	Repetitions       int               `mapstructure:"repetitions" yaml:"repetitions"`
	SpawnSettle       time.Duration     `mapstructure:"spawn_settle" yaml:"spawn_settle"`
	Hold              time.Duration     `mapstructure:"hold" yaml:"hold"`
	KillSettle        time.Duration     `mapstructure:"kill_settle" yaml:"kill_settle"`
	Cooldown          time.Duration     `mapstructure:"cooldown" yaml:"cooldown"`
	Signal            string            `mapstructure:"signal" yaml:"signal"`
	AwaitExit         bool              `mapstructure:"await_exit" yaml:"await_exit"`
	SkipFinalCooldown bool              `mapstructure:"skip_final_cooldown" yaml:"skip_final_cooldown"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Census: CensusConfig{
			Dir:      "/proc",
			PIDsOnly: false,
		},
		Driver: DriverConfig{
			Command:           "./infinite_loop",
			Shell:             false,
			WorkingDir:        "",
			Repetitions:       5,
			SpawnSettle:       1 * time.Second,
			Hold:              2 * time.Second,
			KillSettle:        1 * time.Second,
			Cooldown:          2 * time.Second,
			Signal:            "SIGTERM",
			AwaitExit:         false,
			SkipFinalCooldown: false,
		},
		Logging: LoggingConfig{
			Level:      "warn",
			Format:     "text",
			OutputFile: "",
			Verbose:    false,
		},
	}
}

// LoadConfig loads configuration from various sources
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if filepath.Ext(configFile) == "" {
			v.SetConfigType("yaml")
		}
	} else {
		v.SetConfigName("proccensus")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.proccensus")
		v.AddConfigPath("/etc/proccensus")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if configFile != "" {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
		} else if os.IsNotExist(err) {
			// SetConfigFile with a missing path surfaces the raw stat error
			return nil, fmt.Errorf("config file not found: %s", configFile)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("census.dir", defaults.Census.Dir)
	v.SetDefault("census.pids_only", defaults.Census.PIDsOnly)

	v.SetDefault("driver.command", defaults.Driver.Command)
	v.SetDefault("driver.shell", defaults.Driver.Shell)
	v.SetDefault("driver.working_dir", defaults.Driver.WorkingDir)
	v.SetDefault("driver.repetitions", defaults.Driver.Repetitions)
	v.SetDefault("driver.spawn_settle", defaults.Driver.SpawnSettle)
	v.SetDefault("driver.hold", defaults.Driver.Hold)
	v.SetDefault("driver.kill_settle", defaults.Driver.KillSettle)
	v.SetDefault("driver.cooldown", defaults.Driver.Cooldown)
	v.SetDefault("driver.signal", defaults.Driver.Signal)
	v.SetDefault("driver.await_exit", defaults.Driver.AwaitExit)
	v.SetDefault("driver.skip_final_cooldown", defaults.Driver.SkipFinalCooldown)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)
}

// Validate checks a configuration, typically after flag overrides have been applied
func Validate(config *Config) error {
	if config.Census.Dir == "" {
		return fmt.Errorf("census.dir cannot be empty")
	}

	if strings.TrimSpace(config.Driver.Command) == "" {
		return fmt.Errorf("driver.command cannot be empty")
	}

	for _, kv := range config.Driver.Env {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("driver.env entries must be KEY=VALUE, got %q", kv)
		}
	}

	if config.Driver.Repetitions < 1 {
		return fmt.Errorf("driver.repetitions must be at least 1, got %d", config.Driver.Repetitions)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"driver.spawn_settle", config.Driver.SpawnSettle},
		{"driver.hold", config.Driver.Hold},
		{"driver.kill_settle", config.Driver.KillSettle},
		{"driver.cooldown", config.Driver.Cooldown},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", d.name, d.value)
		}
	}

	if !IsKnownSignal(config.Driver.Signal) {
		return fmt.Errorf("driver.signal must be one of: %s, got %s",
			strings.Join(KnownSignals, ", "), config.Driver.Signal)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[strings.ToLower(config.Logging.Format)] {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %s", config.Logging.Format)
	}

	return nil
}

// KnownSignals lists the signal names accepted by driver.signal
var KnownSignals = []string{"SIGTERM", "SIGKILL", "SIGINT", "SIGHUP", "SIGQUIT", "SIGUSR1", "SIGUSR2"}

// NormalizeSignalName upper-cases a signal name and adds the SIG prefix if missing
func NormalizeSignalName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name != "" && !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return name
}

// IsKnownSignal reports whether name refers to one of KnownSignals
func IsKnownSignal(name string) bool {
	name = NormalizeSignalName(name)
	for _, known := range KnownSignals {
		if name == known {
			return true
		}
	}
	return false
}

// ConfigExtensions lists the config file formats looked up in each search
// directory, in the order they are tried
var ConfigExtensions = []string{"yaml", "yml", "json", "toml"}

// GetConfigPaths returns the paths where config files are searched
func GetConfigPaths() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".proccensus"))
	}
	dirs = append(dirs, "/etc/proccensus")

	var paths []string
	for _, dir := range dirs {
		for _, ext := range ConfigExtensions {
			paths = append(paths, filepath.Join(dir, "proccensus."+ext))
		}
	}
	return paths
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
