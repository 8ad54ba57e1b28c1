// Package msg 实现客户端注册消息的二进制编解码
//
// 格式（大端）：
//
//	flags u8 | proto u8 | numAddrs u16 | sectionLen u16 | addrs... | section
//
// 每个地址为 family u8 | port u16 | addr（4 或 16 字节）。
package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dep2p/go-natd/pkg/types"
)

// MaxBoundAddresses 一条注册消息允许携带的最大地址数
const MaxBoundAddresses = 64

// MaxSectionLen 配置段名最大长度
const MaxSectionLen = 256

const headerSize = 6

var (
	// ErrMalformed 注册消息格式错误
	ErrMalformed = errors.New("msg: malformed register message")

	// ErrTooManyAddresses 地址数量超过上限
	ErrTooManyAddresses = errors.New("msg: too many addresses")
)

// DecodeError 携带出错位置的解码错误
type DecodeError struct {
	Offset int
	Err    error
}

// Error 实现 error 接口
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode register at offset %d: %v", e.Offset, e.Err)
}

// Unwrap 返回底层错误
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Register 客户端注册消息
type Register struct {
	Flags    types.RegisterFlags
	Protocol types.Protocol
	Addrs    []types.SocketAddr
	Section  string
}

// MarshalBinary 编码注册消息
func (m *Register) MarshalBinary() ([]byte, error) {
	if len(m.Addrs) > MaxBoundAddresses {
		return nil, ErrTooManyAddresses
	}
	if len(m.Section) > MaxSectionLen {
		return nil, fmt.Errorf("%w: section name too long", ErrMalformed)
	}

	b := make([]byte, headerSize, headerSize+len(m.Addrs)*19+len(m.Section))
	b[0] = byte(m.Flags)
	b[1] = byte(m.Protocol)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(m.Addrs)))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(m.Section)))

	var err error
	for _, a := range m.Addrs {
		if b, err = a.AppendBinary(b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return append(b, m.Section...), nil
}

// Decode 解码注册消息
//
// 地址数超过 MaxBoundAddresses 返回 ErrTooManyAddresses；截断、未知地址族、
// 未知协议或多余的尾部字节返回 ErrMalformed。两种错误都会导致服务断开客户端。
func Decode(b []byte) (*Register, error) {
	if len(b) < headerSize {
		return nil, &DecodeError{Offset: 0, Err: ErrMalformed}
	}
	m := &Register{
		Flags:    types.RegisterFlags(b[0]),
		Protocol: types.Protocol(b[1]),
	}
	if !m.Protocol.Valid() {
		return nil, &DecodeError{Offset: 1, Err: fmt.Errorf("%w: protocol %d", ErrMalformed, b[1])}
	}
	numAddrs := int(binary.BigEndian.Uint16(b[2:4]))
	sectionLen := int(binary.BigEndian.Uint16(b[4:6]))
	if numAddrs > MaxBoundAddresses {
		return nil, &DecodeError{Offset: 2, Err: ErrTooManyAddresses}
	}
	if sectionLen > MaxSectionLen {
		return nil, &DecodeError{Offset: 4, Err: fmt.Errorf("%w: section length %d", ErrMalformed, sectionLen)}
	}

	offset := headerSize
	m.Addrs = make([]types.SocketAddr, 0, numAddrs)
	for i := 0; i < numAddrs; i++ {
		a, n, err := types.ReadSocketAddr(b[offset:])
		if err != nil {
			return nil, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		m.Addrs = append(m.Addrs, a)
		offset += n
	}

	if len(b)-offset != sectionLen {
		return nil, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: section length %d, %d bytes left", ErrMalformed, sectionLen, len(b)-offset)}
	}
	m.Section = string(b[offset:])
	return m, nil
}
