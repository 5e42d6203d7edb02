package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/logging"
)

var (
	// Global flags
	configFile string
	verbose    bool
	logLevel   string
	logFormat  string
	procDir    string
	pidsOnly   bool

	// Global configuration
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "proccensus",
	Short: "proccensus - watch the process census while spawning and killing a process group",
	Long: `proccensus repeatedly spawns an external command in its own process group,
counts the entries of the process-information pseudo-filesystem (/proc) before
and after, and then signals the whole group.

It is a diagnostic for checking that a command and everything it forks
really go away when its process group is terminated.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	defer func() { logging.Default().Close() }()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		fmt.Sprintf("config file (default is $%s or ./proccensus.yaml)", config.GetEnvVarName("config")))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&procDir, "proc-dir", "", "directory to take the census of (default /proc)")
	rootCmd.PersistentFlags().BoolVar(&pidsOnly, "pids-only", false, "count only numeric (pid) entries")
}

// initConfig reads in config file and ENV variables, then applies global flags
func initConfig(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv(config.GetEnvVarName("config"))
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if verbose {
		cfg.Logging.Verbose = true
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if flags.Changed("proc-dir") {
		cfg.Census.Dir = procDir
	}
	if flags.Changed("pids-only") {
		cfg.Census.PIDsOnly = pidsOnly
	}

	appConfig = cfg

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	// Tests run several commands in one process
	logging.Default().Close()
	logging.SetDefault(logger)

	if cfg.Logging.Verbose {
		if configPath != "" {
			logger.Info("Loaded configuration", "path", configPath)
		} else {
			logger.Info("Using default configuration search paths", "paths", config.GetConfigPaths())
		}
	}

	return nil
}

// GetConfig returns the global configuration
// This should be called after cobra initialization
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}
