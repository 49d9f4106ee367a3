package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wafflemaker/webpush/api"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the push subscription API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := newService(ctx, cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := &http.Server{
				Addr: fmt.Sprintf(":%d", cfg.Port),
				Handler: api.New(api.Deps{
					Storage:    svc.store,
					Dispatcher: svc.dispatcher,
					PublicKey:  svc.publicKey,
				}),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext: func(net.Listener) context.Context {
					return context.WithoutCancel(ctx)
				},
			}
			return serve(ctx, srv)
		},
	}
}

// serve runs srv until ctx is cancelled and then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server) error {
	log := clog.FromContext(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
