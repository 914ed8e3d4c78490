//go:build !linux

package monitor

func newMonitor() (FileMonitor, error) { return nil, ErrUnsupported }
