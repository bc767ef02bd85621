// Command stratum-server serves reverse_string over Stratum JSON-RPC.
//
//	stratum-server -config stratum.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stratum-rpc/config"
	"stratum-rpc/logging"
	"stratum-rpc/metrics"
	"stratum-rpc/middleware"
	"stratum-rpc/registry"
	"stratum-rpc/server"
)

func main() {
	path := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "stratum-server:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := cfg.Server
	opts := []server.Option{
		server.WithWorkers(sc.Workers),
		server.WithQueueSize(sc.QueueSize),
		server.WithCodec(sc.Framing, sc.Codec),
		server.WithIdleTimeout(sc.IdleTimeout),
		server.WithLogger(logger),
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints,
			registry.WithPrefix(cfg.Registry.Prefix),
			registry.WithDialTimeout(cfg.Registry.DialTimeout),
			registry.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, sc.Service, sc.AdvertiseAddr(), cfg.Registry.TTL))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(svr.Dispatcher().Has))
	if sc.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(sc.RateLimit, sc.RateBurst))
	}
	if sc.RequestTimeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(sc.RequestTimeout))
	}
	if err := svr.Register("reverse_string", reverseString); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if sc.MetricsAddr != "" {
		metrics.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: sc.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	l, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svr.ServeListener(l)
	}()

	select {
	case err = <-serveErr:
		// Accept failed before any signal.
		svr.Shutdown(sc.ShutdownTimeout)
	case <-ctx.Done():
		logger.Info("shutting down", zap.Duration("timeout", sc.ShutdownTimeout))
		err = svr.Shutdown(sc.ShutdownTimeout)
		err = multierr.Append(err, <-serveErr)
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
		cancel()
	}
	return err
}

func reverseString(s string) (string, error) {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}
