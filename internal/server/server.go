package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmrelay/internal/cache"
	"llmrelay/internal/config"
	"llmrelay/internal/core"
	"llmrelay/internal/mapping"
	"llmrelay/internal/metrics"
	"llmrelay/internal/translate"
	"llmrelay/internal/upstream"

	"github.com/gin-gonic/gin"
)

// Server application server
type Server struct {
	host    string
	port    string
	ginMode string

	router *gin.Engine

	mappingStore   *mapping.Store
	translator     *translate.Translator
	upstreamClient *upstream.Client

	cache          *cache.LRUCache
	metricsService *metrics.MetricsService

	validClientKeys map[string]bool

	config config.ServerConfig

	rateLimiter *rateLimiter

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required in ServerConfig")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required in ServerConfig")
	}

	mappingStore, err := mapping.Load(cfg.MappingFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping file: %w", err)
	}
	cfg.Logger.Info("Loaded %d model mappings from %s", mappingStore.Len(), cfg.MappingFilePath)

	httpClient := createOptimizedHTTPClient(cfg.HTTPClientSettings)

	upstreamClient, err := upstream.NewClient(cfg.Upstream, httpClient, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure upstream: %w", err)
	}

	lruCache := cache.NewCache()

	metricsService := metrics.NewMetricsService(metrics.MetricsConfig{
		SaveInterval: core.MinSaveInterval,
		HistorySize:  core.HistoryBufferSize,
		Storage:      cfg.Storage,
		Logger:       cfg.Logger,
	})

	if err := metricsService.LoadStats(); err != nil {
		cfg.Logger.Warn("Failed to load historical stats: %v", err)
	}

	validClientKeys := make(map[string]bool)
	for _, key := range cfg.ClientAPIKeys {
		validClientKeys[key] = true
	}

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = core.DefaultRateLimit
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	server := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		ginMode:         cfg.GinMode,
		mappingStore:    mappingStore,
		translator:      translate.NewTranslator(lruCache, metricsService, cfg.Logger),
		upstreamClient:  upstreamClient,
		cache:           lruCache,
		metricsService:  metricsService,
		validClientKeys: validClientKeys,
		config:          cfg,
		rateLimiter:     newRateLimiter(rateLimit),
		shutdownCtx:     shutdownCtx,
		shutdownCancel:  shutdownCancel,
	}

	server.setupRoutes()

	return server, nil
}

func createOptimizedHTTPClient(settings config.HTTPClientSettings) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          settings.MaxIdleConns,
		MaxIdleConnsPerHost:   settings.MaxIdleConnsPerHost,
		MaxConnsPerHost:       settings.MaxConnsPerHost,
		IdleConnTimeout:       settings.IdleConnTimeout,
		TLSHandshakeTimeout:   settings.TLSHandshakeTimeout,
		ExpectContinueTimeout: core.HTTPExpectContinueTimeout,
		DisableKeepAlives:     false,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: core.HTTPResponseHeaderTimeout,
		DisableCompression:    false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   settings.RequestTimeout,
	}
}

// Run binds the listener and serves until shutdown. Binding failure is
// returned immediately so startup can abort.
func (s *Server) Run() error {
	s.setupGracefulShutdown()

	addr := net.JoinHostPort(s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	go func() {
		<-s.shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.config.Logger.Error("Server shutdown error: %v", err)
		}
	}()

	s.config.Logger.Info("Server listening on %s, upstream %s (%s)", addr, s.config.Upstream.BaseURL, s.upstreamClient.Kind())
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) setupGracefulShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		s.config.Logger.Info("Shutdown signal received, shutting down gracefully...")
		s.shutdownCancel()
	}()
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "healthy"})
}

func (s *Server) getStatsData(c *gin.Context) {
	stats := s.metricsService.GetRequestStats()
	periodStats := metrics.GetPeriodStats(stats.RequestHistory, 24, 24*7, 24*30)
	currentQPS := s.metricsService.GetQPS()

	c.JSON(200, gin.H{
		"currentTime":  time.Now().Format(core.TimeFormatDateTime),
		"currentQPS":   fmt.Sprintf("%.3f", currentQPS),
		"totalRecords": len(stats.RequestHistory),
		"stats24h":     periodStats[24],
		"stats7d":      periodStats[24*7],
		"stats30d":     periodStats[24*30],
		"mappings":     s.mappingStore.Len(),
		"upstreamKind": s.upstreamClient.Kind(),
	})
}

// Close closes the server
func (s *Server) Close() error {
	if s.shutdownCancel != nil {
		s.shutdownCancel()
	}

	var closeErr error

	if s.metricsService != nil {
		if err := s.metricsService.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close metrics service: %w", err))
		}
	}

	if s.cache != nil {
		s.cache.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.stop()
	}

	return closeErr
}
