// Package main 提供 natd 命令行入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/dep2p/go-natd/config"
	"github.com/dep2p/go-natd/internal/core/nat"
	"github.com/dep2p/go-natd/pkg/lib/log"
)

var logger = log.Logger("natd/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//	命令行参数：运行时覆盖（「这次运行」想怎么跑）
//	JSON 配置文件：持久化配置（UPnP、外部 IP、STUN、打洞地址等）
//
// 优先级：命令行 > 环境变量（NATD_*）> 配置文件 > 默认值
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	configFile    = flag.String("config", "", "配置文件路径（JSON）")
	metricsListen = flag.String("metrics-listen", "", "Prometheus 指标监听地址，设置后开启指标端点")
	logLevel      = flag.String("log-level", "", "日志级别 (debug/info/warn/error)")
	logFile       = flag.String("log-file", "", "日志文件路径")
	watch         = flag.Bool("watch", false, "注册一个进程内客户端，把收到的每条通知打印到标准输出")
	watchSection  = flag.String("watch-section", "", "进程内客户端使用的配置段")
	showVersion   = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Printf("natd %s\n", nat.Version)
		return nil
	}

	cfg, err := buildConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	closer, err := setupLogging(cfg.Log)
	if err != nil {
		return fmt.Errorf("设置日志失败: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	svcCfg, err := cfg.NAT.ToServiceConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	app := fx.New(appOptions(cfg, svcCfg, os.Stdout)...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("组装失败: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	logger.Info("natd 已启动", "version", nat.Version, "config", *configFile)

	waitForSignal()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	return app.Stop(stopCtx)
}

// buildConfig 按优先级合并配置文件、环境变量和命令行参数
func buildConfig(getenv func(string) string) (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg, getenv)

	if *metricsListen != "" {
		cfg.Metrics.Enable = true
		cfg.Metrics.Listen = *metricsListen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// appOptions 组装 fx 选项
func appOptions(cfg *config.Config, svcCfg *nat.Config, out io.Writer) []fx.Option {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []fx.Option{
		fx.NopLogger,
		fx.Supply(svcCfg),
		fx.Provide(func() prometheus.Registerer { return reg }),
		nat.Module(),
	}
	if cfg.Metrics.Enable {
		opts = append(opts, fx.Invoke(func(lc fx.Lifecycle) {
			registerMetricsServer(lc, cfg.Metrics, reg)
		}))
	}
	if *watch {
		section := *watchSection
		opts = append(opts, fx.Invoke(func(lc fx.Lifecycle, svc *nat.Service) {
			registerWatcher(lc, svc, section, out)
		}))
	}
	return opts
}

// setupLogging 按配置设置全局日志，返回需要关闭的日志文件
func setupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatJSON {
		log.SetDefault(log.NewJSON(w, opts))
	} else {
		log.SetDefault(log.New(w, opts))
	}
	return closer, nil
}

// waitForSignal 等待 SIGINT / SIGTERM
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("收到退出信号", "signal", sig.String())
}

var errNoService = errors.New("nat service not available")
