package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/api"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/connector"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/poller"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/attachment"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/sink"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mapper"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/pipeline"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/runner"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/runner/tasks"
)

const (
	listenerLog  = "log"
	listenerAMQP = "amqp"

	keyMapperTemplate = "mapper.template"
)

type source struct {
	engine     *poller.Engine
	listener   string
	properties []string
}

// app is every sink and source of one definitions file, wired but not started.
type app struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pools    *pool.Registry
	runner   *runner.Runner
	sinks    []*sink.Sink
	sources  []*source

	connected []*sink.Sink
}

// build validates every definition and reports all configuration errors at once.
func build(defs *config.Definitions, logger *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	pools := pool.NewRegistry(pool.WithRegistryLogger(logger), pool.WithRegistryMetrics(m))

	housekeeping := runner.NewTaskRegistry()
	housekeeping.Register(tasks.NewPoolStatsTask(pools, m, logger.Named("pool-stats")))

	a := &app{
		logger:   logger,
		registry: reg,
		metrics:  m,
		pools:    pools,
		runner:   runner.NewRunner(housekeeping, runner.WithLogger(logger.Named("runner"))),
	}

	var errs []error
	loader := attachment.NewLoader(attachment.WithLogger(logger))
	for _, def := range defs.Sinks {
		opts := defs.SinkOptions(def)
		mp, err := mapper.New(def.Mapper, opts.String(keyMapperTemplate, ""))
		if err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", def.Name, err))
			continue
		}
		s, err := sink.New(def.Name, opts, a.pools,
			sink.WithLogger(logger),
			sink.WithMetrics(m),
			sink.WithMapper(mp),
			sink.WithAttachmentLoader(loader),
		)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.sinks = append(a.sinks, s)
	}

	factory := connector.DefaultFactory()
	for _, def := range defs.Sources {
		listener := strings.ToLower(strings.TrimSpace(def.Listener))
		if listener == "" {
			listener = listenerLog
		}
		if listener != listenerLog && listener != listenerAMQP {
			errs = append(errs, fmt.Errorf("source %s: unknown listener %q, expected log or amqp", def.Name, def.Listener))
			continue
		}
		st, err := poller.SettingsFromOptions(def.Name, defs.SourceOptions(def), logger.With(zap.String("source", def.Name)))
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", def.Name, err))
			continue
		}
		e, err := poller.New(st, factory, a.runner, poller.WithLogger(logger), poller.WithMetrics(m))
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", def.Name, err))
			continue
		}
		a.sources = append(a.sources, &source{engine: e, listener: listener, properties: st.Properties})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return a, nil
}

// needsBroker reports whether any source publishes to AMQP.
func (a *app) needsBroker() bool {
	for _, s := range a.sources {
		if s.listener == listenerAMQP {
			return true
		}
	}
	return false
}

// connectSinks opens every sink pool. A sink that fails to connect stays
// addressable and reports connectivity errors on publish.
func (a *app) connectSinks(ctx context.Context) {
	for _, s := range a.sinks {
		if err := s.Connect(ctx); err != nil {
			a.logger.Warn("sink connect failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		a.connected = append(a.connected, s)
	}
}

// startSources attaches listeners and schedules every source.
func (a *app) startSources(broker *pipeline.Broker) error {
	for _, s := range a.sources {
		var l poller.Listener
		switch {
		case s.listener == listenerAMQP && broker != nil:
			l = broker.Listener(s.engine.Source(), s.properties)
		case s.listener == listenerAMQP:
			return fmt.Errorf("source %s uses the amqp listener but MAILBRIDGE_AMQP_URL is empty", s.engine.Source())
		default:
			l = pipeline.NewLogListener(s.engine.Source(), s.properties, a.logger)
		}
		if err := s.engine.Start(l); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) router() *api.Router {
	sources := make([]api.Source, 0, len(a.sources))
	for _, s := range a.sources {
		sources = append(sources, s.engine)
	}
	sinks := make([]api.Sink, 0, len(a.sinks))
	for _, s := range a.sinks {
		sinks = append(sinks, s)
	}
	r := api.NewRouter(sources, sinks, a.registry, a.logger.Named("api"))
	r.SetupRoutes()
	return r
}

// shutdown stops sources first, then the runner, then the sink pools.
func (a *app) shutdown(ctx context.Context) error {
	for _, s := range a.sources {
		s.engine.Stop()
	}
	var errs []error
	if err := a.runner.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range a.connected {
		if err := s.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
