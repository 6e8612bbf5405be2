// Command volumed serves one or more svoengine volumes over HTTP and
// websocket, the network-facing counterpart to volumectl. It follows
// arxos-server's main.go startup shape: build a chi router, run it in a
// goroutine, and shut down gracefully on SIGINT/SIGTERM.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arxos/svoengine/internal/config"
	"github.com/arxos/svoengine/internal/logger"
	"github.com/arxos/svoengine/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to svoengine config file")
	addr := flag.String("addr", ":8090", "address to listen on")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "volumed: load config:", err)
		os.Exit(1)
	}

	base, err := logger.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "volumed: build logger:", err)
		os.Exit(1)
	}
	log := logger.Component(base, "volumed")
	defer log.Sync()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)
	store := newVolumeStore(cfg, reg, log)
	h := &handlers{store: store, log: log}

	server := &http.Server{
		Addr:         *addr,
		Handler:      newRouter(h, promReg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("volumed listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
