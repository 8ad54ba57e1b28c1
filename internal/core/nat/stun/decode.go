package stun

import (
	"encoding/binary"
	"net/netip"

	pionstun "github.com/pion/stun"

	"github.com/dep2p/go-natd/pkg/lib/log"
	"github.com/dep2p/go-natd/pkg/types"
)

var logger = log.Logger("core/nat/stun")

// ============================================================================
//                              常量定义
// ============================================================================

const (
	// HeaderSize STUN 消息头长度
	HeaderSize = 20

	// MagicCookie RFC 5389 magic cookie
	MagicCookie uint32 = 0x2112A442

	// STUN 属性类型
	attrMappedAddress          uint16 = 0x0001
	attrXORMappedAddress       uint16 = 0x0020
	attrXORMappedAddressVendor uint16 = 0x8020

	attrHeaderSize = 4
	addrValueSize  = 8
	familyIPv4     = byte(0x01)
)

// 已接受的地址来源，数值越大优先级越高
const (
	fromNone = iota
	fromMapped
	fromVendorXOR
	fromXOR
)

// ============================================================================
//                              解码
// ============================================================================

// Decode 从 STUN 响应中提取外部 IPv4 地址
//
// 载荷短于消息头、magic cookie 不符或声明长度超出实际长度时直接拒绝。
// 属性区中途截断时保留已经提取到的地址。没有可用地址时返回 ok=false，
// 这是正常情况（例如非 Binding 响应）。
func Decode(payload []byte) (addr types.SocketAddr, ok bool) {
	if !pionstun.IsMessage(payload) {
		return types.SocketAddr{}, false
	}
	msgLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if msgLen > len(payload)-HeaderSize {
		logger.Debug("STUN 声明长度超出载荷", "declared", msgLen, "available", len(payload)-HeaderSize)
		return types.SocketAddr{}, false
	}

	end := HeaderSize + msgLen
	from := fromNone
	offset := HeaderSize
	for end-offset >= attrHeaderSize {
		attrType := binary.BigEndian.Uint16(payload[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(payload[offset+2 : offset+4]))
		offset += attrHeaderSize
		if attrLen > end-offset {
			break
		}
		value := payload[offset : offset+attrLen]

		switch attrType {
		case attrXORMappedAddress:
			if a, good := readAddress(value, true); good {
				addr, from = a, fromXOR
			}
		case attrXORMappedAddressVendor:
			if from < fromXOR {
				if a, good := readAddress(value, true); good {
					addr, from = a, fromVendorXOR
				}
			}
		case attrMappedAddress:
			if from < fromVendorXOR {
				if a, good := readAddress(value, false); good {
					addr, from = a, fromMapped
				}
			}
		}

		offset += attrLen
		// 对齐到 4 字节边界
		if pad := (4 - attrLen%4) % 4; pad > 0 {
			if pad > end-offset {
				break
			}
			offset += pad
		}
	}

	if from == fromNone {
		logger.Debug("STUN 消息中没有可用地址", "type", MessageTypeName(payload))
		return types.SocketAddr{}, false
	}
	return addr, true
}

// readAddress 解析 reserved u8 | family u8 | port u16 | addr 形式的地址属性
//
// 只接受 IPv4。
func readAddress(value []byte, xor bool) (types.SocketAddr, bool) {
	if len(value) < addrValueSize || value[1] != familyIPv4 {
		return types.SocketAddr{}, false
	}
	port := binary.BigEndian.Uint16(value[2:4])
	ip := binary.BigEndian.Uint32(value[4:8])
	if xor {
		port ^= uint16(MagicCookie >> 16)
		ip ^= MagicCookie
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return types.NewSocketAddr(netip.AddrFrom4(b), port), true
}

// MessageTypeName 返回 STUN 消息类型名称，用于日志
func MessageTypeName(payload []byte) string {
	if len(payload) < 2 {
		return "short"
	}
	var t pionstun.MessageType
	t.ReadValue(binary.BigEndian.Uint16(payload[0:2]))
	return t.String()
}
