// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package api serves values, reads and writes over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// ServiceType is advertised over mDNS when enabled
const ServiceType = "_ehs-sentinel._tcp"

// Bus is the reconnecting client the API drives
type Bus interface {
	Read(ctx context.Context, keys []string, confirm bool) error
	Write(ctx context.Context, values []session.KeyValue, verify bool) error
	Addresses() map[nasa.AddressClass]nasa.Address
	Connected() bool
	Stats() *nasa.Statistics
}

// Store is the value store the API reports from
type Store interface {
	Get(key string) (metrics.Update, bool)
	Values() []metrics.Update
}

// Server is the HTTP API
type Server struct {
	router  *gin.Engine
	bus     Bus
	store   Store
	repo    *repository.Repository
	logger  *zap.Logger
	timeout time.Duration
}

// New builds the router. metricsHandler is mounted at /metrics when not nil.
func New(bus Bus, store Store, repo *repository.Repository, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		bus:     bus,
		store:   store,
		repo:    repo,
		logger:  logger.Named("api"),
		timeout: time.Minute,
	}
	s.router.Use(gin.Recovery(), s.logRequests)

	s.router.GET("/healthz", s.handleHealth)
	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := s.router.Group("/api")
	{
		api.GET("/values", s.handleValues)
		api.GET("/values/:key", s.handleValue)
		api.POST("/read", s.handleRead)
		api.POST("/write", s.handleWrite)
		api.GET("/addresses", s.handleAddresses)
		api.GET("/stats", s.handleStats)
	}
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends. With instance set the server is
// announced over mDNS.
func (s *Server) Serve(ctx context.Context, addr, instance string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	if instance != "" {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := zeroconf.Register(instance, ServiceType, "local.", port, []string{"path=/api"}, nil)
		if err != nil {
			s.logger.Warn("mdns registration failed", zap.Error(err))
		} else {
			defer mdns.Shutdown()
			s.logger.Info("announced over mdns", zap.String("instance", instance), zap.Int("port", port))
		}
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	s.logger.Info("serving api", zap.String("listen", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	if !s.bus.Connected() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"connected": s.bus.Connected()})
}

func (s *Server) handleValues(c *gin.Context) {
	values := s.store.Values()
	c.JSON(http.StatusOK, gin.H{"values": values, "count": len(values)})
}

func (s *Server) handleValue(c *gin.Context) {
	key := c.Param("key")
	if _, err := s.repo.Lookup(key); err != nil && !metrics.IsDerived(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	u, ok := s.store.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no value observed for " + key})
		return
	}
	c.JSON(http.StatusOK, u)
}

type readRequest struct {
	Keys    []string `json:"keys" binding:"required,min=1"`
	Confirm *bool    `json:"confirm"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	confirm := req.Confirm == nil || *req.Confirm

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	if err := s.bus.Read(ctx, req.Keys, confirm); err != nil {
		s.fail(c, err)
		return
	}

	values := make([]metrics.Update, 0, len(req.Keys))
	for _, k := range req.Keys {
		if u, ok := s.store.Get(k); ok {
			values = append(values, u)
		}
	}
	c.JSON(http.StatusOK, gin.H{"values": values})
}

type writeRequest struct {
	Key    string `json:"key" binding:"required"`
	Value  string `json:"value" binding:"required"`
	Verify *bool  `json:"verify"`
}

func (s *Server) handleWrite(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	verify := req.Verify == nil || *req.Verify

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	if err := s.bus.Write(ctx, []session.KeyValue{{Key: req.Key, Value: req.Value}}, verify); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value, "verified": verify})
}

func (s *Server) handleAddresses(c *gin.Context) {
	out := make(map[string]string)
	for class, a := range s.bus.Addresses() {
		out[class.String()] = a.String()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c *gin.Context) {
	snap := s.bus.Stats().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"total_frames":     snap.TotalFrames,
		"valid_packets":    snap.ValidPackets,
		"checksum_errors":  snap.ChecksumErrors,
		"malformed_frames": snap.MalformedFrames,
		"header_errors":    snap.HeaderErrors,
		"discarded_frames": snap.DiscardedFrames,
		"dropped_frames":   snap.DroppedFrames,
		"anomalies":        snap.Anomalies,
		"packet_rate":      strconv.FormatFloat(snap.PacketRate, 'f', 2, 64),
	})
}

// fail maps request layer errors to HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrUnknownKey),
		errors.Is(err, transform.ErrNotWritable),
		errors.Is(err, transform.ErrValueEncode):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrConfirmationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrChannel):
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}
