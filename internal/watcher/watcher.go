package watcher

import (
	"errors"

	"github.com/Hara602/usbResponder/internal/model"
)

var ErrUnsupported = errors.New("device watcher not supported on this platform")

// DeviceWatcher USB 存储插拔事件源
type DeviceWatcher interface {
	Start() (<-chan model.USBEvent, error)
	Stop()
}

func New() DeviceWatcher {
	return newWatcher()
}
