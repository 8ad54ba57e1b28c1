package nat

import (
	"context"
	"fmt"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// ============================================================================
//                              连接反转
// ============================================================================

// OnReversalRequest 把对端 remote 发往本地 local 的连接反转请求转发给客户端
//
// 只有设置了 FlagReversal 且绑定了 local（或 IPv4 通配地址）的客户端会收到请求。
func (s *Service) OnReversalRequest(local, remote types.SocketAddr) error {
	if local.Family() != types.FamilyIPv4 || remote.Family() != types.FamilyIPv4 {
		return ErrInvalidAddress
	}
	return s.call(func() { s.routeReversal(local, remote) })
}

func (s *Service) routeReversal(local, remote types.SocketAddr) {
	if !s.limiter.Allow() {
		s.metrics.reversal("rate_limited")
		logger.Debug("连接反转请求被限流", "local", local, "remote", remote)
		return
	}

	forwarded := 0
	for _, c := range s.reg.clientList() {
		if c.dropped || !c.wants(types.FlagReversal) || !c.hasBoundIPv4(local) {
			continue
		}
		if err := c.conn.SendReversalRequest(natif.ReversalRequest{Remote: remote}); err != nil {
			c.dropped = true
			s.pendingDrops = append(s.pendingDrops, dropRequest{id: c.id, err: err})
			continue
		}
		forwarded++
	}

	if forwarded == 0 {
		s.metrics.reversal("unmatched")
		logger.Debug("没有客户端接收连接反转请求", "local", local, "remote", remote)
		return
	}
	s.metrics.reversal("forwarded")
	logger.Debug("连接反转请求已转发", "local", local, "remote", remote, "clients", forwarded)
}

// RequestConnectionReversal 请求 NAT 后的 remote 反向连接客户端绑定的 local
//
// local 必须是客户端的 IPv4 绑定地址或被其 IPv4 通配绑定覆盖。
// 辅助进程在调用方的协程中运行，不阻塞协调协程。
func (s *Service) RequestConnectionReversal(ctx context.Context, id ClientID, local, remote types.SocketAddr) error {
	if local.Family() != types.FamilyIPv4 || remote.Family() != types.FamilyIPv4 || local.IsWildcard() {
		return ErrInvalidAddress
	}
	if s.requester == nil {
		return ErrNoReversalHelper
	}

	var (
		port    uint16
		callErr error
	)
	err := s.call(func() {
		c, ok := s.reg.client(id)
		switch {
		case !ok:
			callErr = ErrUnknownClient
		case !c.registered:
			callErr = ErrNotRegistered
		default:
			p, bound := c.bindingPort(local)
			if !bound {
				callErr = fmt.Errorf("%w: %s is not bound by client", ErrInvalidAddress, local)
				return
			}
			port = p
		}
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}
	if !s.limiter.Allow() {
		s.metrics.reversal("rate_limited")
		return ErrRateLimited
	}

	if err := s.requester.Request(ctx, local.IP(), remote.IP(), port); err != nil {
		s.helperFailed("nat-client", err)
		return err
	}
	s.metrics.reversal("requested")
	logger.Debug("已请求连接反转", "client", id, "local", local, "remote", remote, "port", port)
	return nil
}
