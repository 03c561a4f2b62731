package main

import (
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/askace/internal/scheduler"
	srv "github.com/mohammad-safakhou/askace/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var autoMigrate bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the digest scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if autoMigrate && a.cfg.Storage.Driver != "memory" {
				if err := srv.Migrate(a.cfg.Storage, "up", 0); err != nil {
					return err
				}
			}
			rdb := a.connectRedis(ctx)
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			p, err := a.pipeline(ctx, false, "")
			if err != nil {
				return err
			}
			secret, err := srv.LoadJWTSecret(a.cfg.Server)
			if err != nil {
				a.logger.Warn("admin routes disabled", zap.Error(err))
			}
			addr := a.cfg.Server.Address
			if serveAddr != "" {
				addr = serveAddr
			}
			server := srv.New(srv.Deps{
				Answerer: p,
				Store:    store,
				Curator:  p.Curator,
				Secret:   secret,
			}, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx, addr) })
			if a.cfg.Scheduler.Enabled && len(a.cfg.Scheduler.Digests) > 0 {
				sched := scheduler.New(a.cfg.Scheduler, p, rdb, a.logger)
				g.Go(func() error {
					sched.Run(gctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&autoMigrate, "migrate", true, "apply playbook migrations before serving")
	return serve
}
