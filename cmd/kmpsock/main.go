// Package main provides the CLI entry point for the kmpsock datagram
// adapter.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/meshsec/kmpsock/internal/adapter"
	"github.com/meshsec/kmpsock/internal/config"
	"github.com/meshsec/kmpsock/internal/logging"
	"github.com/meshsec/kmpsock/internal/metrics"
	"github.com/meshsec/kmpsock/internal/transport"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kmpsock",
		Short: "kmpsock - datagram transport adapter for key management services",
		Long: `kmpsock carries key management protocol messages over UDP or QUIC
datagrams, optionally through an intermediate relay node that requires
a fixed routing header on every message.

The run command binds the configured instances to a diagnostic echo
service so relay paths can be exercised end to end.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}

			cfg := config.DefaultConfig()
			cfg.Instances = []config.InstanceConfig{
				{
					Transport:     config.TransportUDP,
					Relay:         true,
					LocalPort:     10253,
					RemoteAddress: "fd00::1",
					RemotePort:    10253,
				},
			}

			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kmpsock.yaml", "Path for the new configuration file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string
	var echo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the adapter with the configured instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			return run(cfg, echo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kmpsock.yaml", "Configuration file")
	cmd.Flags().BoolVar(&echo, "echo", false, "Echo received messages back to the sender")

	return cmd
}

// shutdowner is implemented by both transport backends.
type shutdowner interface {
	Shutdown() error
}

func run(cfg *config.Config, echo bool) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.New(prometheus.DefaultRegisterer)

	transports := make(map[string]transport.Transport)
	transportFor := func(kind string) (transport.Transport, error) {
		if tr, ok := transports[kind]; ok {
			return tr, nil
		}
		var tr transport.Transport
		var err error
		switch kind {
		case config.TransportQUIC:
			tr, err = transport.NewQUICTransport(logger)
		default:
			tr = transport.NewUDPTransport(logger)
		}
		if err != nil {
			return nil, err
		}
		transports[kind] = tr
		return tr, nil
	}

	type boundInstance struct {
		registry *adapter.Registry
		service  *echoService
	}
	var bound []boundInstance

	for i, inst := range cfg.Instances {
		tr, err := transportFor(inst.TransportKind())
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}

		remote, err := inst.RemoteEndpoint()
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}

		registry := adapter.New(tr, adapter.Config{
			ReceiveRate:  rate.Limit(inst.ReceiveRate),
			ReceiveBurst: inst.ReceiveBurst,
		}, m, logger)

		svc := newEchoService(logger, echo)
		instanceID := uint8(0)
		if err := registry.Register(svc, &instanceID, inst.Relay, inst.LocalPort, remote); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		bound = append(bound, boundInstance{registry: registry, service: svc})

		logger.Info("instance running",
			slog.Int(logging.KeyInstanceID, int(instanceID)),
			slog.String("transport", inst.TransportKind()),
			slog.Bool(logging.KeyRelay, inst.Relay),
			slog.String(logging.KeyRemoteAddr, remote.String()))
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics endpoint failed", slog.Any(logging.KeyError, err))
			}
		}()
		logger.Info("metrics endpoint listening", slog.String("listen", cfg.Metrics.Listen))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var msgs, bytes uint64
			for _, b := range bound {
				m, n := b.service.Stats()
				msgs += m
				bytes += n
			}
			logger.Info("adapter stats",
				slog.Uint64("messages", msgs),
				slog.String(logging.KeyBytes, humanize.IBytes(bytes)))
		case sig := <-stop:
			logger.Info("shutting down", slog.String("signal", sig.String()))

			for _, b := range bound {
				b.registry.Unregister(b.service)
			}
			for _, tr := range transports {
				if s, ok := tr.(shutdowner); ok {
					s.Shutdown()
				}
			}
			return nil
		}
	}
}
