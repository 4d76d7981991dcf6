package mdb

import (
	"fmt"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/config"
)

// TransportProfile 传输会话参数：方言+波特率+各级超时
type TransportProfile struct {
	Dialect          Dialect
	BaudRate         int
	CommandTimeout   time.Duration // 单条命令整体超时
	InterByteTimeout time.Duration // 二进制帧字节间空闲判定
}

func (p TransportProfile) String() string {
	return fmt.Sprintf("%s@%d", p.Dialect, p.BaudRate)
}

// DefaultCandidates 探测顺序表。文本适配器优先（现役硬件
// 多为USB接口文本方言），二进制候选按波特率从高到低。
func DefaultCandidates() []TransportProfile {
	return []TransportProfile{
		{Dialect: DialectText, BaudRate: 115200, CommandTimeout: 2 * time.Second, InterByteTimeout: 50 * time.Millisecond},
		{Dialect: DialectBinary, BaudRate: 38400, CommandTimeout: 2 * time.Second, InterByteTimeout: 50 * time.Millisecond},
		{Dialect: DialectBinary, BaudRate: 19200, CommandTimeout: 2 * time.Second, InterByteTimeout: 50 * time.Millisecond},
		{Dialect: DialectBinary, BaudRate: 9600, CommandTimeout: 2 * time.Second, InterByteTimeout: 50 * time.Millisecond},
	}
}

// ProfilesFromConfig 从配置构建候选表，配置为空时用默认表
func ProfilesFromConfig(candidates []config.ProfileCandidate) []TransportProfile {
	if len(candidates) == 0 {
		return DefaultCandidates()
	}

	profiles := make([]TransportProfile, 0, len(candidates))
	for _, c := range candidates {
		p := TransportProfile{
			Dialect:          Dialect(c.Dialect),
			BaudRate:         c.BaudRate,
			CommandTimeout:   c.CommandTimeout,
			InterByteTimeout: c.InterByteTimeout,
		}
		if p.CommandTimeout <= 0 {
			p.CommandTimeout = 2 * time.Second
		}
		if p.InterByteTimeout <= 0 {
			p.InterByteTimeout = 50 * time.Millisecond
		}
		profiles = append(profiles, p)
	}
	return profiles
}
