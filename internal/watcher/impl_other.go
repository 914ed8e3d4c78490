//go:build !linux

package watcher

import "github.com/Hara602/usbResponder/internal/model"

type unsupportedWatcher struct{}

func newWatcher() DeviceWatcher { return unsupportedWatcher{} }

func (unsupportedWatcher) Start() (<-chan model.USBEvent, error) { return nil, ErrUnsupported }
func (unsupportedWatcher) Stop()                                 {}
