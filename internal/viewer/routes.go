package viewer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"posestream-go/internal/imagestream"
	"posestream-go/internal/relay"
)

type endpointRequest struct {
	Surface string `json:"surface"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// RequestLogger logs one line per request at a level chosen by status.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

// NewRouter builds the session control API around c.
func NewRouter(c *Controller, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	appeared := time.Now()

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(appeared).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/pose/start", func(ctx *gin.Context) {
		req, ok := bindEndpoint(ctx)
		if !ok {
			return
		}
		if req.Surface == "" {
			req.Surface = "pose"
		}
		info, err := c.StartPose(ctx.Request.Context(), req.Surface, req.Host, req.Port)
		if errors.Is(err, ErrConnecting) || errors.Is(err, relay.ErrStopped) {
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, info)
	})

	r.POST("/pose/stop", func(ctx *gin.Context) {
		stopped, err := c.StopPose()
		if err != nil {
			ctx.JSON(http.StatusOK, gin.H{"stopped": stopped, "warning": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"stopped": stopped})
	})

	r.GET("/pose", func(ctx *gin.Context) {
		view, stats, err := c.PoseView()
		if errors.Is(err, ErrNoSession) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"view": view, "relay": stats})
	})

	r.GET("/streams", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"channels": c.StreamStats()})
	})

	r.POST("/streams/start", func(ctx *gin.Context) {
		req, ok := bindEndpoint(ctx)
		if !ok {
			return
		}
		if req.Surface == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "surface is required"})
			return
		}
		err := c.StartStream(ctx.Request.Context(), req.Surface, req.Host, req.Port)
		switch {
		case errors.Is(err, imagestream.ErrSuperseded):
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"surface": req.Surface, "open": true})
	})

	r.POST("/streams/close", func(ctx *gin.Context) {
		c.CloseStreams()
		ctx.JSON(http.StatusOK, gin.H{"closed": true})
	})

	r.POST("/streams/reopen", func(ctx *gin.Context) {
		req, ok := bindEndpoint(ctx)
		if !ok {
			return
		}
		err := c.ReopenStream(ctx.Request.Context(), req.Surface, req.Host, req.Port)
		switch {
		case errors.Is(err, ErrUnknownSurface):
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, imagestream.ErrSuperseded):
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			ctx.JSON(http.StatusOK, gin.H{"surface": req.Surface, "open": true})
		}
	})

	r.GET("/streams/:id", func(ctx *gin.Context) {
		data, frame, err := c.Snapshot(ctx.Param("id"))
		switch {
		case errors.Is(err, ErrUnknownSurface), errors.Is(err, ErrNoFrame):
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case err != nil:
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ctx.Header("X-Rx-Label", frame.Label)
		ctx.Header("X-Frame-Format", frame.Format)
		ctx.Data(http.StatusOK, "image/png", data)
	})

	return r
}

// bindEndpoint reads an optional JSON body. An empty body means defaults.
func bindEndpoint(ctx *gin.Context) (endpointRequest, bool) {
	var req endpointRequest
	if ctx.Request.ContentLength == 0 {
		return req, true
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	return req, true
}
