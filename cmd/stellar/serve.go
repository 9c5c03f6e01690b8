package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stellar-build/stellar/internal/log"
	"github.com/stellar-build/stellar/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the build daemon and its HTTP API",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on, overrides service.listen and STELLAR_RPC_HOST/PORT")
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("stellar",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	v, err := service.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg := config
	cfg.Service.Listen, err = service.Listen(v, config.Service.Listen)
	if err != nil {
		return err
	}

	path := historyPath()
	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
		}
	}

	daemon, err := service.NewDaemon(ctx, cfg, path)
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}
