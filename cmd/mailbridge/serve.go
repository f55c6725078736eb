package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/sink"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every sink and source plus the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) error {
	loader := config.NewLoader(cfg.ConfigPath)
	defs, err := loader.Load()
	if err != nil {
		return err
	}
	a, err := build(defs, log)
	if err != nil {
		return err
	}
	loader.Watch(func(next *config.Definitions, err error) {
		if err == nil {
			_, err = build(next, zap.NewNop())
		}
		if err != nil {
			log.Warn("definitions changed but do not validate", zap.Error(err))
			return
		}
		log.Info("definitions changed, restart to apply", zap.Int("sinks", len(next.Sinks)), zap.Int("sources", len(next.Sources)))
	})

	var broker *pipeline.Broker
	if cfg.AMQP.URL != "" {
		broker, err = pipeline.Dial(pipeline.BrokerConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Prefetch: cfg.AMQP.Prefetch,
		}, log.Named("amqp"))
		if err != nil {
			return err
		}
		defer func() { _ = broker.Close() }()
	} else if a.needsBroker() {
		return errors.New("a source uses the amqp listener but MAILBRIDGE_AMQP_URL is empty")
	}

	a.connectSinks(ctx)
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	if err := a.startSources(broker); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router().GetEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if broker != nil {
		for _, s := range a.sinks {
			s := s
			g.Go(func() error {
				return consumeLoop(gctx, broker, s, log)
			})
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.shutdown(shutdownCtx))
	})
	return g.Wait()
}

// consumeLoop keeps a sink consumer alive across channel failures.
func consumeLoop(ctx context.Context, broker *pipeline.Broker, s *sink.Sink, log *zap.Logger) error {
	backoff := time.Second
	for {
		err := broker.Consume(ctx, s.Name(), s)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("sink consumer stopped, restarting", zap.String("sink", s.Name()), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}
