package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/dep2p/go-natd/config"
)

// registerMetricsServer 在生命周期内运行 /metrics 端点
func registerMetricsServer(lc fx.Lifecycle, cfg config.MetricsConfig, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("指标端点退出", "err", err)
				}
			}()
			logger.Info("指标端点已启动", "addr", ln.Addr().String(), "path", cfg.Path)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
