package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/trafficmap/internal/config"
	"github.com/breeze-rmm/trafficmap/internal/logging"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	listen    string
	geoipDB   string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "trafficmap",
	Short: "Live network connection map",
	Long: `trafficmap subscribes to a connection event stream and keeps a bounded
history of connections, drawing each located one as a pair of markers and a
line on a map. The current map and history are served over HTTP.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the event stream and serve the map",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trafficmap v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/trafficmap/trafficmap.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "event stream server URL")
	rootCmd.PersistentFlags().StringVar(&listen, "listen", "", "HTTP view address (overrides listen_addr)")
	rootCmd.PersistentFlags().StringVar(&geoipDB, "geoip", "", "MaxMind city database (overrides geoip_db)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies flag overrides and validation. Warnings are logged;
// fatals abort.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if geoipDB != "" {
		cfg.GeoIPDB = geoipDB
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation", logging.KeyError, f)
		}
		return nil, fmt.Errorf("invalid configuration: %v", result.Fatals[0])
	}
	return cfg, nil
}

// initLogging configures the root handler and returns the closer for the
// log file, if any.
func initLogging(cfg *config.Config) (io.Closer, error) {
	w, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, w)
	return closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
