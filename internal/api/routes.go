// Package api is the admin HTTP surface: health, metrics, source control and
// direct publishing into sinks.
package api

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/poller"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/pipeline"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/version"
)

const maxEventBytes = 1 << 20

// Source is a controllable polling source.
type Source interface {
	Source() string
	Status() poller.Status
	Pause()
	Resume() error
}

// Sink accepts events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e event.Event) error
}

type Router struct {
	engine   *gin.Engine
	sources  map[string]Source
	sinks    map[string]Sink
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewRouter builds the admin router. A nil gatherer serves the default registry.
func NewRouter(sources []Source, sinks []Sink, gatherer prometheus.Gatherer, logger *zap.Logger) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		engine:   gin.New(),
		sources:  make(map[string]Source, len(sources)),
		sinks:    make(map[string]Sink, len(sinks)),
		gatherer: gatherer,
		logger:   logger,
	}
	for _, s := range sources {
		r.sources[strings.ToLower(s.Source())] = s
	}
	for _, s := range sinks {
		r.sinks[strings.ToLower(s.Name())] = s
	}
	r.engine.Use(gin.Recovery())
	return r
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.healthCheck)
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	sources := r.engine.Group("/sources")
	{
		sources.GET("", r.listSources)
		sources.GET("/:name", r.getSource)
		sources.POST("/:name/pause", r.pauseSource)
		sources.POST("/:name/resume", r.resumeSource)
	}

	r.engine.POST("/sinks/:name/events", r.publishEvent)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "mailbridge",
		"version": version.GetInfo(),
		"sources": len(r.sources),
		"sinks":   len(r.sinks),
	})
}

func (r *Router) listSources(c *gin.Context) {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]poller.Status, 0, len(names))
	for _, name := range names {
		out = append(out, r.sources[name].Status())
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (r *Router) source(c *gin.Context) (Source, bool) {
	s, ok := r.sources[strings.ToLower(c.Param("name"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source " + c.Param("name")})
	}
	return s, ok
}

func (r *Router) getSource(c *gin.Context) {
	if s, ok := r.source(c); ok {
		c.JSON(http.StatusOK, s.Status())
	}
}

func (r *Router) pauseSource(c *gin.Context) {
	s, ok := r.source(c)
	if !ok {
		return
	}
	s.Pause()
	r.logger.Info("source paused via api", zap.String("source", s.Source()))
	c.JSON(http.StatusOK, s.Status())
}

func (r *Router) resumeSource(c *gin.Context) {
	s, ok := r.source(c)
	if !ok {
		return
	}
	if err := s.Resume(); err != nil {
		r.respondError(c, err)
		return
	}
	r.logger.Info("source resumed via api", zap.String("source", s.Source()))
	c.JSON(http.StatusOK, s.Status())
}

func (r *Router) publishEvent(c *gin.Context) {
	s, ok := r.sinks[strings.ToLower(c.Param("name"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sink " + c.Param("name")})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := pipeline.DecodeEvent(body, c.GetHeader("X-Request-Id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Publish(c.Request.Context(), e); err != nil {
		r.logger.Warn("publish via api failed", zap.String("sink", s.Name()), zap.String("event_id", e.ID), zap.Error(err))
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": e.ID})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch mailerr.KindOf(err) {
	case mailerr.KindConfiguration:
		return http.StatusBadRequest
	case mailerr.KindConnectivity, mailerr.KindPartialFailure:
		return http.StatusServiceUnavailable
	case mailerr.KindTransportFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) respondError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{
		"success": false,
		"kind":    mailerr.KindOf(err).String(),
		"error":   err.Error(),
	})
}
