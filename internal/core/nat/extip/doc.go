// Package extip 实现外部 IP 探测调度
//
// Monitor 只在本机处于 NAT 之后时运行：立即探测一次，之后成功按
// SuccessInterval、失败按 FailureInterval 排期下一次探测。每次探测
// 受 ProbeTimeout 限制。
//
// Monitor 不保存"当前外部地址"，只把每次探测结果连同代号（Gen）回报给
// 调用方。SetNAT 每次切换都会递增代号，调用方据此丢弃过期结果。
package extip

import "github.com/dep2p/go-natd/pkg/lib/log"

var logger = log.Logger("core/nat/extip")
