//go:build !linux

package enforcer

import (
	"context"
	"time"
)

const DefaultSysfsRoot = ""

// Sysfs 非 Linux 平台没有 sysfs, 系统级阻断始终不可用, 只保留应用层阻断
type Sysfs struct{}

func NewSysfs(string, time.Duration) *Sysfs { return &Sysfs{} }

func (s *Sysfs) IsAvailable(context.Context) bool { return false }

func (s *Sysfs) BlockByIdentifier(context.Context, string) (bool, error) {
	return false, ErrUnavailable
}
