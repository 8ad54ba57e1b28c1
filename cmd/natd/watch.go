package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/fx"

	"github.com/dep2p/go-natd/internal/core/nat"
	"github.com/dep2p/go-natd/internal/core/nat/msg"
	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// watchConn 进程内客户端，把通知逐行写到 out
type watchConn struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *watchConn) SendAddressChange(ch natif.AddressChange) error {
	op := "+"
	if !ch.Add {
		op = "-"
	}
	return w.printf("%s %s %s\n", op, ch.Addr, ch.Class)
}

func (w *watchConn) SendReversalRequest(r natif.ReversalRequest) error {
	return w.printf("reversal %s\n", r.Remote)
}

func (w *watchConn) Close() error { return nil }

func (w *watchConn) printf(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.out, format, args...)
	return err
}

// watchRegistration 以双栈通配地址注册，接收全部地址和连接反转请求
func watchRegistration(section string) *msg.Register {
	return &msg.Register{
		Flags:    types.FlagAddresses | types.FlagReversal,
		Protocol: types.ProtocolNone,
		Addrs: []types.SocketAddr{
			types.WildcardAddr(types.FamilyIPv4, 0),
			types.WildcardAddr(types.FamilyIPv6, 0),
		},
		Section: section,
	}
}

// registerWatcher 服务启动后接入进程内客户端
func registerWatcher(lc fx.Lifecycle, svc *nat.Service, section string, out io.Writer) {
	var id nat.ClientID
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if svc == nil {
				return errNoService
			}
			var err error
			id, err = svc.Connect(&watchConn{out: out})
			if err != nil {
				return err
			}
			return svc.Register(id, watchRegistration(section))
		},
		OnStop: func(_ context.Context) error {
			_ = svc.Disconnect(id)
			return nil
		},
	})
}
