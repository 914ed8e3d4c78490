// Package enforcer 提供两层阻断能力:
// 应用层 (进程内设备记录, 总是可用) 和系统层 (内核设备栈, 可能不可用或失败)。
package enforcer

import (
	"context"
	"errors"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
)

var (
	ErrUnavailable  = errors.New("system-level enforcement unavailable")
	ErrTimeout      = errors.New("system-level enforcement timed out")
	ErrNoIdentifier = errors.New("device has no bus identifier")
)

// SystemLevel 系统级阻断能力
type SystemLevel interface {
	IsAvailable(ctx context.Context) bool
	// BlockByIdentifier 失败不致命, 只影响 BlockingStatus.SystemLevelBlocked
	BlockByIdentifier(ctx context.Context, id string) (bool, error)
}

// Application 应用层阻断: 修改设备记录, 不会失败
type Application struct {
	now func() time.Time
}

func NewApplication() *Application {
	return &Application{now: time.Now}
}

// Block status=blocked, authenticated=false, quarantinedAt=now
func (a *Application) Block(d *model.Device) {
	d.MarkBlocked(a.now())
}
