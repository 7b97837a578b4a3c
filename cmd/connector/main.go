package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/connector"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
	"github.com/edgelink-io/opcua-connector/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the connector configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.For(logger.ComponentConnector)
	defer logger.Sync()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Agent.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics endpoint failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := gateway.NewLogSink(logger.For(logger.ComponentGateway))
	conn := connector.New(cfg, sink)

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("Received %s, shutting down", s)
	case <-done:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	conn.Stop(stopCtx)
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
