package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accessory-gateway/common/logger"
	"accessory-gateway/internal/config"
	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const serviceName = "accessory-gateway"

func main() {
	configPath := pflag.String("config", "", "path to YAML config file (default: $CONFIG_FILE)")
	logLevel := pflag.String("log-level", "", "override log level (debug, info, warn, error)")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting accessory gateway",
		zap.String("gateway_uuid", cfg.Gateway.UUID),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic_root", cfg.Gateway.TopicRoot),
	)

	m := metrics.NewMetrics()
	metricsServer := startMetricsServer(cfg.Metrics.Addr, m, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	gateway, err := service.Open(ctx, cfg, zapLogger, m)
	if err != nil {
		zapLogger.Fatal("Failed to create gateway", zap.Error(err))
	}

	// 启动服务
	if err := gateway.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start gateway", zap.Error(err))
	}

	// 等待中断信号或致命错误
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-gateway.Fatal():
		zapLogger.Error("Connection lost permanently, shutting down", zap.Error(err))
		exitCode = 1
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := gateway.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("Error stopping metrics server", zap.Error(err))
		}
	}

	zapLogger.Info("Service stopped")
	if exitCode != 0 {
		zapLogger.Sync()
		os.Exit(exitCode)
	}
}

func startMetricsServer(addr string, m *metrics.Metrics, zapLogger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	reg, err := metrics.NewRegistry(m)
	if err != nil {
		zapLogger.Fatal("Failed to register metrics", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	zapLogger.Info("Metrics server listening", zap.String("addr", addr))
	return server
}
