package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/camera"
)

// Server exposes the camera controller over HTTP. It is a thin boundary:
// request decoding, identifier extraction, and typed-error translation only.
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	router     *gin.Engine
	controller *camera.Controller
	port       int
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Port       int
	Production bool
	Logger     *zap.Logger
	Controller *camera.Controller
}

// NewServer creates the API server.
func NewServer(config ServerConfig) *Server {
	if !config.Production {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggerMiddleware(config.Logger))

	server := &Server{
		logger:     config.Logger,
		router:     router,
		controller: config.Controller,
		port:       config.Port,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/cameras", s.handleListCameras)
		v1.GET("/cameras/:id", s.handleCameraStatus)
		v1.POST("/cameras/:id/snapshot", s.handleSnapshot)
		v1.POST("/cameras/:id/recording/start", s.handleStartRecording)
		v1.POST("/cameras/:id/recording/stop", s.handleStopRecording)
	}
}

// Handler exposes the router, mainly for tests driving the API in-process.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // snapshot capture can walk all tiers
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("addr", addr),
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"cameras": len(s.controller.ListCameras()),
	})
}

func (s *Server) handleListCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cameras": s.controller.ListCameras(),
	})
}

func (s *Server) handleCameraStatus(c *gin.Context) {
	status, err := s.controller.GetCameraStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

type snapshotRequest struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var req snapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := s.controller.TakeSnapshot(c.Request.Context(), c.Param("id"), req.Format, req.Quality)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"camera_id":   result.DeviceID,
		"file_path":   result.FilePath,
		"size_bytes":  result.SizeBytes,
		"tier":        int(result.TierUsed),
		"duration_ms": result.CaptureDuration.Milliseconds(),
	})
}

type startRecordingRequest struct {
	DurationSec int    `json:"duration_sec"`
	Format      string `json:"format"`
}

func (s *Server) handleStartRecording(c *gin.Context) {
	var req startRecordingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.DurationSec < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_sec must not be negative"})
		return
	}

	handle, err := s.controller.StartRecording(c.Request.Context(), c.Param("id"),
		time.Duration(req.DurationSec)*time.Second, req.Format)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"recording_id": handle.ID,
		"camera_id":    handle.DeviceID,
		"started_at":   handle.StartedAt.UTC(),
	}
	if handle.AutoStopAt != nil {
		resp["auto_stop_at"] = handle.AutoStopAt.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStopRecording(c *gin.Context) {
	summary, err := s.controller.StopRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"camera_id":     summary.DeviceID,
		"stopped_at":    summary.StoppedAt.UTC(),
		"was_recording": summary.WasRecording,
	})
}

// writeError translates controller errors into HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, camera.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, camera.ErrAlreadyRecording), errors.Is(err, camera.ErrNotRecording):
		status = http.StatusConflict
	case errors.Is(err, camera.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, camera.ErrRejected):
		status = http.StatusBadRequest
	case errors.Is(err, camera.ErrCaptureFailed):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
