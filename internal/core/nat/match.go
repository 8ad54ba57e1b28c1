package nat

import (
	"github.com/dep2p/go-natd/internal/util/addrutil"
	"github.com/dep2p/go-natd/pkg/types"
)

// matches 判断候选条目是否与客户端的一个绑定地址相关
//
// 调用方保证 bound 与候选地址同族。
func matches(bound types.SocketAddr, cand *Entry) bool {
	boundClass := addrutil.ClassifySocketAddr(bound)
	wildcard := bound.IsWildcard()
	boundLoopback := !wildcard && addrutil.IsLoopback(bound.IP())
	candLoopback := cand.Class.Has(types.ClassLoopback)
	extern := cand.Class.Has(types.ClassExtern)
	boundLAN := !wildcard && boundClass.Has(types.ClassLAN)

	if boundLoopback != candLoopback {
		return false
	}

	if !wildcard && addrutil.IsLinkLocal6(bound.IP()) &&
		!addrutil.IsLinkLocal6(cand.Addr.IP()) && !extern {
		return false
	}

	if extern && !wildcard && !boundLAN {
		return false
	}

	if bound.SameIP(cand.Addr) || wildcard || boundLAN {
		return true
	}
	return false
}
