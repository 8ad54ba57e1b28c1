package nat

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
//
// 除 Config 外的依赖均可选，未提供时使用默认实现。
type ModuleInput struct {
	fx.In

	// Config 配置（可选）
	Config *Config `optional:"true"`

	Clock      clock.Clock             `optional:"true"`
	Mapper     natif.PortMapper        `optional:"true"`
	Prober     natif.ExternalIPProber  `optional:"true"`
	Listener   natif.ReversalListener  `optional:"true"`
	Requester  natif.ReversalRequester `optional:"true"`
	Resolver   natif.HostResolver      `optional:"true"`
	Lister     natif.InterfaceLister   `optional:"true"`
	Registerer prometheus.Registerer   `optional:"true"`
}

// ============================================================================
//                              模块输出服务
// ============================================================================

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// Service NAT 服务
	Service *Service
}

// ============================================================================
//                              服务提供
// ============================================================================

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	cfg := input.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	service, err := NewService(cfg, Deps{
		Clock:      input.Clock,
		Mapper:     input.Mapper,
		Prober:     input.Prober,
		Listener:   input.Listener,
		Requester:  input.Requester,
		Resolver:   input.Resolver,
		Lister:     input.Lister,
		Registerer: input.Registerer,
	})
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Service: service}, nil
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("nat",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In
	LC      fx.Lifecycle
	Service *Service
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return input.Service.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			logger.Info("NAT 模块停止")
			if err := input.Service.Close(); err != nil {
				logger.Warn("NAT 服务关闭失败", "err", err)
			}
			return nil
		},
	})
}

// ============================================================================
//                              模块元信息
// ============================================================================

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "nat"
	Description = "NAT 地址管理模块，汇集网卡、UPnP、STUN、外部 IP 与手动打洞地址并通知客户端"
)
