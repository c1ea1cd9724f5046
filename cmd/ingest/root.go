package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run and inspect fantasy sports ingestion jobs",
	Long: `ingest drives the partitioned ingestion pipelines against the Yahoo Fantasy API
and inspects the runs, checkpoints and dead letters they leave behind.

Common workflows:

  Backfill three seasons of leagues:
    ingest run --entity leagues --mode backfill --start 2019 --end 2021

  Re-fetch the last three days:
    ingest run --entity leagues --mode lookback --lookback-days 3

  Run a job file:
    ingest run --job jobs/leagues-incremental.yaml

  Replay a dead-lettered partition:
    ingest deadletters replay <id>

Configuration:
  Flags, an optional --config YAML file and INGEST_-prefixed environment
  variables (INGEST_DB_TYPE, INGEST_DB_DSN, ...). Yahoo credentials are read
  from YAHOO_CLIENT_ID, YAHOO_CLIENT_SECRET and YAHOO_REFRESH_TOKEN.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.PersistentFlags().String("db-type", "sqlite", "Database type: sqlite, postgres or mysql")
	rootCmd.PersistentFlags().String("db-dsn", "", "Database connection string")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("pushgateway", "", "Push run metrics to this Prometheus Pushgateway URL")

	_ = viper.BindPFlag("db.type", rootCmd.PersistentFlags().Lookup("db-type"))
	_ = viper.BindPFlag("db.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("pushgateway", rootCmd.PersistentFlags().Lookup("pushgateway"))

	_ = viper.BindEnv("yahoo.client_id", "YAHOO_CLIENT_ID")
	_ = viper.BindEnv("yahoo.client_secret", "YAHOO_CLIENT_SECRET")
	_ = viper.BindEnv("yahoo.refresh_token", "YAHOO_REFRESH_TOKEN")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(auditCmd)
}

// setup loads configuration and installs the process logger.
func setup(cmd *cobra.Command, _ []string) error {
	viper.SetEnvPrefix("INGEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	switch f := viper.GetString("output"); f {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q (expected table, json or yaml)", f)
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch viper.GetString("log.format") {
	case "json":
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	case "text", "":
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	default:
		return fmt.Errorf("unsupported log format %q (expected text or json)", viper.GetString("log.format"))
	}
	slog.SetDefault(slog.New(handler))

	if cfgFile != "" {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
	return nil
}

// outputFormat returns the effective -o value.
func outputFormat() string {
	return viper.GetString("output")
}
