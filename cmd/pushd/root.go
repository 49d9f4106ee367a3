package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wafflemaker/webpush"
	"github.com/wafflemaker/webpush/config"
	"github.com/wafflemaker/webpush/storage"
	"github.com/wafflemaker/webpush/vapid"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pushd",
		Short:         "Web Push subscription and delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newKeygenCommand(),
		newSendCommand(),
	)
	return cmd
}

// loadConfig reads the environment and installs a JSON logger at the
// configured level into the returned context.
func loadConfig(cmd *cobra.Command) (context.Context, *config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	log := clog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return clog.WithLogger(ctx, log), cfg, nil
}

// service holds what serve and send share.
type service struct {
	store      storage.Storage
	dispatcher *webpush.Dispatcher
	publicKey  string
	closers    []io.Closer
}

// newService opens storage and, when VAPID is configured, the delivery
// pipeline. A disabled pipeline leaves dispatcher nil.
func newService(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*service, error) {
	log := clog.FromContext(ctx)

	store, err := cfg.Storage(ctx)
	if err != nil {
		return nil, err
	}
	svc := &service{store: store, closers: []io.Closer{store}}

	signer, err := cfg.Signer(ctx)
	var auth *vapid.Authenticator
	if err == nil {
		if c, ok := signer.(io.Closer); ok {
			svc.closers = append(svc.closers, c)
		}
		auth, err = cfg.Authenticator(signer)
	}
	switch {
	case errors.Is(err, config.ErrPushDisabled):
		log.Warn("push notifications disabled", "error", err)
		return svc, nil
	case err != nil:
		svc.Close()
		return nil, err
	}

	subs := storage.Subscriptions(store)
	client := webpush.NewClient(auth, webpush.WithHTTPClient(&http.Client{Timeout: cfg.PushTimeout}))
	senderOpts := []webpush.SenderOption{webpush.WithOptions(cfg.PushOptions())}
	if reg != nil {
		senderOpts = append(senderOpts, webpush.WithMetrics(webpush.NewMetrics(reg)))
	}
	svc.dispatcher = webpush.NewDispatcher(
		webpush.NewSender(client, subs, senderOpts...),
		subs,
		webpush.WithConcurrency(cfg.PushConcurrency),
	)
	svc.publicKey = client.PublicKey()
	log.Info("push notifications enabled", "public_key", svc.publicKey, "subject", auth.Subject())
	return svc, nil
}

// Close waits for background dispatches and releases resources.
func (s *service) Close() error {
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}
