package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/collab-ot/server"
	"github.com/alimasry/collab-ot/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, addr string) error {
	if addr != "" {
		cfg.Server.Addr = addr
	}

	var cl closers
	defer func() {
		if err := cl.close(); err != nil {
			logger.Error("shutdown cleanup failed", "err", err)
		}
	}()

	st, err := openStore(ctx, cfg.Store, logger, &cl)
	if err != nil {
		return err
	}
	pub, err := openPublisher(cfg.Broadcast, logger, &cl)
	if err != nil {
		return err
	}

	manager := session.NewManager(st, pub, sessionOptions(cfg.Session), logger)
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.NewHandler(manager, server.Options{
			StaticDir:    cfg.Server.StaticDir,
			OpsPerSecond: cfg.Server.OpsPerSecond,
			Burst:        cfg.Server.Burst,
			AllowOrigins: cfg.Server.AllowOrigins,
		}, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.Store.Backend, "cache", cfg.Store.Cache)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Stop accepting connections first, then persist every session.
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, manager.Close(shutdownCtx))
	})
	return g.Wait()
}
