package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brandon-relentnet/scrollr-sub001/config"
	"github.com/brandon-relentnet/scrollr-sub001/daemon"
	"github.com/brandon-relentnet/scrollr-sub001/internal/logging"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	socket     string
	dataDir    string
	backend    string
	httpAddr   string
	debug      bool
	tracing    bool
}

// load reads the config file and applies the flags the user set.
func (f *flags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	set := cmd.Flags().Changed
	if set("socket") {
		cfg.Socket = f.socket
	}
	if set("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if set("backend") {
		cfg.Backend = f.backend
	}
	if set("http") {
		cfg.HTTPAddr = f.httpAddr
	}
	if set("tracing") {
		cfg.Tracing = f.tracing
	}
	if f.debug {
		cfg.Log.Level = logging.LevelDebug
	}
	return cfg, cfg.Validate()
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "scrollrd",
		Short: "Scrollr state daemon: hosts the central store and serves contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	fl := cmd.PersistentFlags()
	fl.StringVar(&f.configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/scrollr/config.yaml)")
	fl.StringVar(&f.socket, "socket", "", "Unix socket for the gRPC gateway")
	fl.StringVar(&f.dataDir, "data-dir", "", "Directory holding the persisted record")
	fl.StringVar(&f.backend, "backend", "", "Persistence backend: sqlite, badger, file or memory")
	fl.StringVar(&f.httpAddr, "http", "", "Listen address for WebSocket, /metrics and /healthz; empty disables")
	fl.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fl.BoolVar(&f.tracing, "tracing", false, "Export spans to stderr")

	cmd.AddCommand(configCmd(&f))
	return cmd
}

func configCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			path := f.configPath
			if path == "" {
				path = config.Path()
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	})
	return cmd
}
