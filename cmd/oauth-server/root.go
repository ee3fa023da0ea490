package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-server/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "oauth-server",
	Short:         "OAuth 2.0 and OpenID Connect authorization server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile := viper.GetString("env_file")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		logger, err := newLogger(viper.GetString("log_format"), viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("OAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "f", "oauth.yaml", "configuration file")
	flags.String("env-file", ".env", "dotenv file loaded before the configuration")
	flags.String("log-format", "text", "log output format: text or json")
	flags.BoolP("verbose", "v", false, "enable debug logging")

	cobra.CheckErr(viper.BindPFlag("config", flags.Lookup("config")))
	cobra.CheckErr(viper.BindPFlag("env_file", flags.Lookup("env-file")))
	cobra.CheckErr(viper.BindPFlag("log_format", flags.Lookup("log-format")))
	cobra.CheckErr(viper.BindPFlag("verbose", flags.Lookup("verbose")))

	rootCmd.AddCommand(serveCmd, keysCmd, clientCmd, scopesCmd, userCmd, versionCmd)
}

func newLogger(format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	case "text", "":
		return slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// loadConfig reads the configuration file named by --config or OAUTH_CONFIG.
func loadConfig() (*config.Config, error) {
	path := expandHome(viper.GetString("config"))
	if path == "" {
		return nil, fmt.Errorf("config file is required, use --config or OAUTH_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// openRuntime loads the configuration and builds every component from it.
func openRuntime(ctx context.Context) (*config.Config, *config.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := config.Build(ctx, cfg, version, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return cfg, rt, nil
}

// Expand ~ to $HOME
func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = strings.Replace(path, "~", home, 1)
	}
	return path
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
