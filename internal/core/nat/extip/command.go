package extip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"strings"

	natif "github.com/dep2p/go-natd/pkg/interfaces/nat"
	"github.com/dep2p/go-natd/pkg/types"
)

// DefaultCommand 默认外部 IP 工具
const DefaultCommand = "external-ip"

// CommandProber 运行外部 IP 工具并解析输出的第一行 IPv4 地址
type CommandProber struct {
	// Command 可执行文件名或路径
	Command string

	// Args 额外参数
	Args []string
}

var _ natif.ExternalIPProber = (*CommandProber)(nil)

// NewCommandProber 创建命令探测器
func NewCommandProber(command string, args ...string) *CommandProber {
	if command == "" {
		command = DefaultCommand
	}
	return &CommandProber{Command: command, Args: args}
}

// Probe 执行工具，返回外部 IPv4 地址
//
// 找不到工具、执行失败、输出为空、地址不是 IPv4 分别对应不同的状态码。
func (p *CommandProber) Probe(ctx context.Context) (netip.Addr, error) {
	path, err := exec.LookPath(p.Command)
	if err != nil {
		return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityNotFound, err)
	}

	out, err := exec.CommandContext(ctx, path, p.Args...).Output()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityFailed, err)
	}
	return ParseOutput(out)
}

var errNoOutput = errors.New("no address in output")

// ParseOutput 解析工具输出：取第一个非空行
func ParseOutput(out []byte) (netip.Addr, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityOutputInvalid, err)
		}
		addr = addr.Unmap()
		if !addr.Is4() || addr.IsUnspecified() {
			return netip.Addr{}, types.NewStatusError(types.StatusExternalIPAddressInvalid, errors.New(line))
		}
		return addr, nil
	}
	return netip.Addr{}, types.NewStatusError(types.StatusExternalIPUtilityOutputInvalid, errNoOutput)
}
