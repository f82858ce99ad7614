package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "tbwo",
	Short:        "TBWO engine: runs time-budgeted work orders with agent pods",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/tbwo/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./engine.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("store", "memory", "work order store: memory | sqlite | postgres")
	rootCmd.PersistentFlags().String("sqlite-path", "tbwo.db", "SQLite database file")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL DSN")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address (host:port); empty disables shared status and leader election")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("store", rootCmd.PersistentFlags(), "store")
	bindFlag("sqlite_path", rootCmd.PersistentFlags(), "sqlite-path")
	bindFlag("postgres_dsn", rootCmd.PersistentFlags(), "postgres-dsn")
	bindFlag("redis_addr", rootCmd.PersistentFlags(), "redis-addr")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(newInitCmd("engine", defaultEngineYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.tbwo")
		viper.AddConfigPath("/etc/tbwo")
	}

	viper.SetEnvPrefix("TBWO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
