// Command gateway is the conduit-gateway HTTP entry point: it wires the
// control-plane store, Router, billing Flusher and Dispatcher together and
// serves the data-plane and admin-plane routes over gin.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songquanpeng/conduit-gateway/common"
	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/graceful"
	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/controller"
	"github.com/songquanpeng/conduit-gateway/middleware"
	"github.com/songquanpeng/conduit-gateway/relay/billing"
	"github.com/songquanpeng/conduit-gateway/relay/dispatcher"
	"github.com/songquanpeng/conduit-gateway/relay/router"
	"github.com/songquanpeng/conduit-gateway/store"

	// Providers self-register with relay/adaptor via their init() funcs; the
	// dispatcher only depends on the adaptor registry, never on these
	// packages directly, so they must be imported here for their side effects.
	_ "github.com/songquanpeng/conduit-gateway/relay/adaptor/anthropic"
	_ "github.com/songquanpeng/conduit-gateway/relay/adaptor/cohere"
	_ "github.com/songquanpeng/conduit-gateway/relay/adaptor/gemini"
	_ "github.com/songquanpeng/conduit-gateway/relay/adaptor/openai"
	_ "github.com/songquanpeng/conduit-gateway/relay/adaptor/vertexai"
)

func main() {
	common.Init()
	logger.SetupLogger()
	logger.Logger.Info("conduit-gateway starting")

	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Warn("redis init failed, router state stays in-process", zap.Error(err))
	}

	if config.GinMode == gin.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := store.OpenGormStore()
	if err != nil {
		logger.Logger.Fatal("failed to open store", zap.Error(err))
	}

	rt := router.New(cfg)
	flusher := billing.NewFlusher(cfg)

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	go flusher.Run(flushCtx)

	d := dispatcher.New(cfg, rt, flusher)

	server := newServer(cfg, d, flusher)

	httpServer := &http.Server{
		Addr:    ":" + config.ServerPort,
		Handler: server,
	}

	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+config.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	waitForShutdown(httpServer, stopFlusher, flusher)
}

func newServer(cfg store.ConfigStore, d *dispatcher.Dispatcher, flusher *billing.Flusher) *gin.Engine {
	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(middleware.Recovery(), middleware.RequestId(), middleware.RequestTracker(), middleware.RequestLogger())

	if config.EnablePrometheusMetrics {
		server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := server.Group("/v1", middleware.VirtualKeyAuth(cfg))
	v1.POST("/chat/completions", controller.ChatCompletions(d))
	v1.POST("/embeddings", controller.Embeddings(d))
	v1.POST("/images/generations", controller.Images(d))
	v1.GET("/models", controller.Models(d))

	admin := server.Group("/api", middleware.AdminAuth())
	admin.POST("/batch-spending/flush", controller.FlushBillingBatch(flusher))

	return server
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in-flight
// requests and the billing flusher's pending charges before exiting.
func waitForShutdown(httpServer *http.Server, stopFlusher context.CancelFunc, flusher *billing.Flusher) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("shutdown signal received, draining")
	graceful.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Logger.Error("http server shutdown error", zap.Error(err))
	}

	if err := graceful.Drain(ctx); err != nil {
		logger.Logger.Error("request drain did not complete cleanly", zap.Error(err))
	}

	stopFlusher()
	if err := dispatcher.WaitShutdown(flusher, config.ShutdownTimeout); err != nil {
		logger.Logger.Error("billing flush did not complete cleanly", zap.Error(err))
	}

	logger.Logger.Info("shutdown complete")
}
