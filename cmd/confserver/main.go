// Command confserver runs the conference server: the COR control plane, the
// UDP media relay and the status endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/opd-ai/confcore/config"
	"github.com/opd-ai/confcore/media"
	"github.com/opd-ai/confcore/metrics"
	"github.com/opd-ai/confcore/server"
	"github.com/opd-ai/confcore/status"
	"github.com/opd-ai/confcore/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type flags struct {
	configPath string
	listen     string
	media      string
	status     string
	password   string
	logLevel   string
	logJSON    bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "confserver",
		Short: "Run the conference server",
		Long: `confserver accepts control connections over TCP, relays video
datagrams over UDP and publishes its state on an HTTP status endpoint.

Examples:
  confserver --config /etc/confserver.yaml
  confserver --listen :6000 --media :6000 --password secret`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&f.listen, "listen", "", "TCP address of the control plane")
	rootCmd.Flags().StringVar(&f.media, "media", "", "UDP address of the media relay")
	rootCmd.Flags().StringVar(&f.status, "status", "", "HTTP address of the status server (\"off\" disables it)")
	rootCmd.Flags().StringVar(&f.password, "password", "", "Server password")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&f.logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("confserver %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.Listen = f.listen
	}
	if changed("media") {
		cfg.Media = f.media
	}
	if changed("status") {
		cfg.Status = f.status
		if f.status == "off" {
			cfg.Status = ""
		}
	}
	if changed("password") {
		cfg.Password = f.password
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-json") {
		cfg.Log.JSON = f.logJSON
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(c config.LogConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	if c.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func run(cfg *config.Config) error {
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	m := metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace))

	udp, err := transport.NewUDPTransport(cfg.Media, transport.WithObserver(m))
	if err != nil {
		return fmt.Errorf("open media socket: %w", err)
	}
	relay := media.NewRelay(udp, media.WithRelayObserver(m))

	srv, err := server.New(server.Options{
		ConnectionLimit:     cfg.ConnectionLimit,
		BandwidthReadLimit:  cfg.BandwidthReadLimit,
		BandwidthWriteLimit: cfg.BandwidthWriteLimit,
		ValidChannels:       cfg.ValidChannels,
		Password:            cfg.Password,
		MaxBodySize:         cfg.MaxBodySize,
		HeartbeatTimeout:    cfg.HeartbeatTimeout.Duration,
		Observer:            m,
		ConnectionObserver:  m,
	}, relay)
	if err != nil {
		relay.Close()
		return err
	}

	relay.Start()
	defer relay.Close()

	if err := srv.Listen(cfg.Listen); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	defer srv.Close()

	var statusSrv *status.Server
	if cfg.Status != "" {
		statusSrv = status.New(srv,
			status.WithAppInfo("confserver", version),
			status.WithMetricsHandler(m.Handler()))
		if _, err := statusSrv.ListenAndServe(cfg.Status); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"listen":   cfg.Listen,
		"media":    relay.LocalAddr().String(),
		"status":   cfg.Status,
	}).Info("Conference server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.WithField("function", "run").Info("Shutting down")
	if statusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Warn("Status server shutdown failed")
		}
	}
	return nil
}
