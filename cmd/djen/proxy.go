package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/djen/internal/proxy"
)

func proxyCMD(cfgPath *string) *cobra.Command {
	var addr string
	var cmd = &cobra.Command{
		Use:   "proxy",
		Short: "Run the relay proxy in front of the gazette API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Proxy.Address = addr
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := proxy.New(cfg.Proxy, cfg.Subject.Name, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- p.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides proxy.address)")
	return cmd
}
