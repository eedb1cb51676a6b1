package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wsmq/broker/internal/broker"
)

func main() {
	var port int
	flag.IntVar(&port, "port", 8080, "port to listen on")
	flag.IntVar(&port, "p", 8080, "port to listen on (shorthand)")

	var segments int
	flag.IntVar(&segments, "segment", 10, "number of partitions")
	flag.IntVar(&segments, "s", 10, "number of partitions (shorthand)")

	dataDir := flag.String("data", "./data", "directory to store partition data")
	trimInterval := flag.Duration("trim-interval", time.Hour, "how often the background trim sweep runs")
	retainDays := flag.Uint64("retain-days", 7, "days of history kept by the background trim sweep")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables it")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if port <= 0 || port > 65535 {
		log.Error("invalid port", slog.Int("port", port))
		os.Exit(1)
	}

	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		log.Error("resolve data dir failed", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("starting broker",
		slog.Int("port", port),
		slog.Int("segments", segments),
		slog.String("data_dir", absDataDir),
		slog.Duration("trim_interval", *trimInterval),
		slog.Uint64("retain_days", *retainDays),
	)

	dispatcher, err := broker.NewDispatcher(absDataDir, segments, log)
	if err != nil {
		log.Error("dispatcher startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer dispatcher.Close()

	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)

	if *metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("serving metrics", slog.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", slog.Any("err", err))
			}
		}()
	}

	server := broker.NewHTTPServer(dispatcher, metrics, log)
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	trimDone := make(chan struct{})
	go runTrimLoop(dispatcher, metrics, *trimInterval, *retainDays, log, trimDone)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr))
		serverErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", slog.Any("err", err))
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("http shutdown failed", slog.Any("err", err))
		}
		close(trimDone)
	}
}

func runTrimLoop(d *broker.Dispatcher, m *broker.Metrics, interval time.Duration, retainDays uint64, log *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	metricsTicker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer metricsTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			removed := d.Trim(retainDays)
			m.TrimRemovedTotal.Add(float64(removed))
			if removed > 0 {
				log.Info("trim completed", slog.Int("removed", removed), slog.Uint64("retain_days", retainDays))
			}
		case <-metricsTicker.C:
			d.UpdateMetrics(m)
		}
	}
}
