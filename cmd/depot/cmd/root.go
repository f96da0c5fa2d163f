package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/depotd/depot"
	"github.com/depotd/depot/internal/auth"
	"github.com/depotd/depot/internal/schema"
)

var rootCmd = &cobra.Command{
	Use:   "depot",
	Short: "Schema-driven artifact repository CLI",
	Long:  "CLI for publishing, fetching and tagging artifacts, serving the repository over HTTP, and mirroring snapshots to OCI registries.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/depot/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.local/share/depot)")
	rootCmd.PersistentFlags().String("schema", "", "schema document (default: built-in)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("schema", rootCmd.PersistentFlags().Lookup("schema"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEPOT")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())

	viper.ReadInConfig()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(viper.GetString("log_level")),
	})))
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "depot")
	}
	return ".depot"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "depot")
	}
	return ".depot"
}

func getDataDir() string {
	return viper.GetString("data_dir")
}

func loadSchema() (*schema.Model, error) {
	if path := viper.GetString("schema"); path != "" {
		return schema.Load(path)
	}
	return schema.Default(), nil
}

// cliPrincipal is the local operator identity. Commands act on the local
// data directory directly, so scope checks always pass.
func cliPrincipal() depot.Principal {
	return depot.Principal{Subject: "cli", Scopes: []string{auth.ScopeAdmin}}
}

func openRepository() (*depot.Repository, error) {
	model, err := loadSchema()
	if err != nil {
		return nil, err
	}
	return depot.Open(model, depot.WithDataDir(getDataDir()))
}
