package monitor

import (
	"errors"

	"github.com/Hara602/usbResponder/internal/model"
)

var ErrUnsupported = errors.New("file monitor not supported on this platform")

// FileMonitor 挂载点上的文件活动
type FileMonitor interface {
	Start()
	Stop()
	AddWatch(mountPath string) error // 设备挂载后动态添加
	RemoveWatch(mountPath string)
	Events() <-chan model.FileEvent
}

func New() (FileMonitor, error) {
	return newMonitor()
}
