package runtime

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
)

// DefaultShutdownGrace bounds a shutdown requested without a grace period.
const DefaultShutdownGrace = 10 * time.Second

func (p *Pea) controlEngine() *gin.Engine {
	e := newEngine()
	e.GET(transport.PathStatus, p.handleStatus)
	e.POST(transport.PathServe, p.handleServe)
	e.POST(transport.PathShutdown, p.handleShutdown)
	e.GET(transport.PathMetrics, gin.WrapH(promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{})))
	return e
}

func (p *Pea) dataEngine() *gin.Engine {
	e := newEngine()
	e.POST(transport.PathEnvelope, p.handleEnvelope)
	if p.cfg.Role == kdag.RoleGateway {
		e.POST(transport.PathCall, p.handleCall)
	}
	return e
}

func (p *Pea) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, p.Status())
}

func (p *Pea) handleServe(c *gin.Context) {
	var w transport.Wiring
	if err := c.ShouldBindJSON(&w); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := p.Activate(w); err != nil {
		c.String(http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, p.Status())
}

func (p *Pea) handleShutdown(c *gin.Context) {
	grace := DefaultShutdownGrace
	if g := c.Query("grace"); g != "" {
		d, err := time.ParseDuration(g)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid grace: %v", err)
			return
		}
		grace = d
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			p.log.Warn("Graceful shutdown failed, killing", "error", err)
			p.Kill()
		}
	}()
	c.Status(http.StatusAccepted)
}

func (p *Pea) handleEnvelope(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	env, err := transport.DecodeEnvelope(body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if !p.acquire() {
		c.String(http.StatusServiceUnavailable, "%s is %s", p.cfg.Name, p.State())
		return
	}

	// Processing outlives the request, only the trace context is kept.
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(c.Request.Header))
	go func() {
		defer p.inflight.Done()
		p.route(ctx, env)
	}()
	c.Status(http.StatusAccepted)
}

func (p *Pea) handleCall(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	env, err := transport.DecodeEnvelope(body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if !p.acquire() {
		c.String(http.StatusServiceUnavailable, "%s is %s", p.cfg.Name, p.State())
		return
	}
	defer p.inflight.Done()

	resp, err := p.gateway.Call(c.Request.Context(), env)
	if err != nil {
		c.String(http.StatusBadGateway, err.Error())
		return
	}
	out, err := transport.EncodeEnvelope(resp)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}
