// Package types 定义 natd 的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
//   - socketaddr.go - SocketAddr 套接字地址（IPv4/IPv6 + 端口）及其二进制形式
//   - addrclass.go  - AddressClass 地址分类位掩码
//   - flags.go      - Protocol, RegisterFlags, Source
//   - status.go     - StatusCode, StatusError 辅助程序状态
package types
