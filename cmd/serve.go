package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/gembridge/gembridge/pkg/config"
	"github.com/gembridge/gembridge/pkg/logutil"
	"github.com/gembridge/gembridge/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.Logs.Level); err != nil {
					return err
				}
			}

			srv, err := proxy.NewServer(serveConfigPath, cfg, log.Default())
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			logutil.SetOutputTee(srv.LogSink().Writer())
			defer logutil.SetOutputTee(nil)

			if !cfg.Cookies.Complete() {
				log.Warn("no session cookies configured, import them via 'gembridge cookies import' or the admin API")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8000)")
	rootCmd.AddCommand(serveCmd)
}
