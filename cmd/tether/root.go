package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-tether/v1/config"
)

var tracerProvider *sdktrace.TracerProvider

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Coordinate concurrent writers of a shared task collection",
	Long: `Tether lets several sessions work on the same task collection at once:
leases serialize writers per context, a push channel keeps every cache in
step with the document store, and a fallback poller takes over when the
channel is gone.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/tether/config.yaml)")
	rootCmd.PersistentFlags().Bool("trace", false, "print spans to stdout")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("trace", rootCmd.PersistentFlags().Lookup("trace"))

	rootCmd.AddCommand(serveCmd, syncCmd, lockCmd)
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TETHER")
	// TETHER_SYNC_CHANNEL_URL for sync.channel_url
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

func setup(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(viper.GetString("logging.level")),
	})))
	if !viper.GetBool("trace") {
		return nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tracerProvider)
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	if tracerProvider == nil {
		return nil
	}
	err := tracerProvider.Shutdown(context.WithoutCancel(cmd.Context()))
	tracerProvider = nil
	return err
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
