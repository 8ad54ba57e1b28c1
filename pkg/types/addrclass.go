package types

import "strings"

// AddressClass 地址分类位掩码
//
// 各位可以组合，例如 GLOBAL|MANUAL 表示手动配置的公网地址。
type AddressClass uint32

const (
	// ClassNone 无分类
	ClassNone AddressClass = 0
	// ClassOther 其他
	ClassOther AddressClass = 1
	// ClassPrivate 隐私扩展地址（IPv6 EUI-64 ff:fe 标记）
	ClassPrivate AddressClass = 2
	// ClassGlobal 公网地址
	ClassGlobal AddressClass = 4
	// ClassLAN 局域网地址
	ClassLAN AddressClass = 8
	// ClassExtern 由外部来源（STUN/UPnP/外部 IP 工具）得知的地址
	ClassExtern AddressClass = 16
	// ClassManual 手动配置
	ClassManual AddressClass = 32
	// ClassLoopback 回环地址
	ClassLoopback AddressClass = 64

	// ClassGlobalPrivate 公网隐私地址
	ClassGlobalPrivate = ClassGlobal | ClassPrivate
	// ClassLANPrivate 局域网隐私地址
	ClassLANPrivate = ClassLAN | ClassPrivate
	// ClassAny 任意
	ClassAny AddressClass = 0xFFFF
)

var classNames = []struct {
	bit  AddressClass
	name string
}{
	{ClassOther, "other"},
	{ClassPrivate, "private"},
	{ClassGlobal, "global"},
	{ClassLAN, "lan"},
	{ClassExtern, "extern"},
	{ClassManual, "manual"},
	{ClassLoopback, "loopback"},
}

// Has 是否包含指定的全部位
func (c AddressClass) Has(bits AddressClass) bool {
	return c&bits == bits
}

// String 列出已设置的位，例如 "global|manual"
func (c AddressClass) String() string {
	if c == ClassNone {
		return "none"
	}
	if c == ClassAny {
		return "any"
	}
	var parts []string
	for _, n := range classNames {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
