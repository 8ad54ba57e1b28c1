// Package scanner 实现本地网卡地址扫描
//
// Scanner 启动时扫描一次，之后每个周期扫描一次：枚举启用的网卡，跳过排除
// 列表中的网卡，按地址精确比较与上一次快照的差异，先回报移除再回报新增，
// 并计算本机是否处于 NAT 之后（存在 LAN 类 IPv4 地址）。IPv6 链路本地
// 地址几乎总是存在，不参与判断。
package scanner

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/scanner")
