package types

import (
	"errors"
	"fmt"
)

// StatusCode 辅助程序状态码
//
// 辅助程序（UPnP、外部 IP 工具、ICMP 辅助进程、DNS 解析）的失败以状态码上报，
// 调用方据此记录日志和计数，不会因此终止服务。
type StatusCode int

const (
	// StatusSuccess 成功
	StatusSuccess StatusCode = iota
	// StatusIPCError 与服务通信失败
	StatusIPCError
	// StatusInternalNetworkError 内部网络错误
	StatusInternalNetworkError
	// StatusUPnPNotFound 未发现 UPnP/NAT-PMP 网关
	StatusUPnPNotFound
	// StatusUPnPFailed UPnP 请求失败
	StatusUPnPFailed
	// StatusUPnPTimeout UPnP 请求超时
	StatusUPnPTimeout
	// StatusUPnPPortMapFailed 端口映射被拒绝
	StatusUPnPPortMapFailed
	// StatusExternalIPUtilityNotFound 外部 IP 工具不存在
	StatusExternalIPUtilityNotFound
	// StatusExternalIPUtilityFailed 外部 IP 工具执行失败
	StatusExternalIPUtilityFailed
	// StatusExternalIPUtilityOutputInvalid 外部 IP 工具输出无效
	StatusExternalIPUtilityOutputInvalid
	// StatusExternalIPAddressInvalid 外部 IP 地址无效
	StatusExternalIPAddressInvalid
	// StatusHelperNATServerNotFound ICMP 服务端辅助程序不存在
	StatusHelperNATServerNotFound
	// StatusHelperNATServerStartFailed ICMP 服务端辅助程序启动失败
	StatusHelperNATServerStartFailed
	// StatusHelperNATClientNotFound ICMP 客户端辅助程序不存在
	StatusHelperNATClientNotFound
	// StatusHelperNATClientFailed ICMP 客户端辅助程序执行失败
	StatusHelperNATClientFailed
	// StatusDNSResolutionFailed 动态 DNS 解析失败
	StatusDNSResolutionFailed
)

var statusNames = map[StatusCode]string{
	StatusSuccess:                        "success",
	StatusIPCError:                       "ipc_error",
	StatusInternalNetworkError:           "internal_network_error",
	StatusUPnPNotFound:                   "upnp_not_found",
	StatusUPnPFailed:                     "upnp_failed",
	StatusUPnPTimeout:                    "upnp_timeout",
	StatusUPnPPortMapFailed:              "upnp_portmap_failed",
	StatusExternalIPUtilityNotFound:      "extip_utility_not_found",
	StatusExternalIPUtilityFailed:        "extip_utility_failed",
	StatusExternalIPUtilityOutputInvalid: "extip_utility_output_invalid",
	StatusExternalIPAddressInvalid:       "extip_address_invalid",
	StatusHelperNATServerNotFound:        "helper_nat_server_not_found",
	StatusHelperNATServerStartFailed:     "helper_nat_server_start_failed",
	StatusHelperNATClientNotFound:        "helper_nat_client_not_found",
	StatusHelperNATClientFailed:          "helper_nat_client_failed",
	StatusDNSResolutionFailed:            "dns_resolution_failed",
}

// String 返回状态码名称
func (c StatusCode) String() string {
	if n, ok := statusNames[c]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// StatusError 带状态码的辅助程序错误
type StatusError struct {
	Code  StatusCode
	Cause error
}

// NewStatusError 创建 StatusError
func NewStatusError(code StatusCode, cause error) *StatusError {
	return &StatusError{Code: code, Cause: cause}
}

// Error 实现 error 接口
func (e *StatusError) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Cause.Error()
}

// Unwrap 返回底层错误
func (e *StatusError) Unwrap() error {
	return e.Cause
}

// StatusOf 从错误链中提取状态码，非 StatusError 返回 StatusInternalNetworkError
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusInternalNetworkError
}
