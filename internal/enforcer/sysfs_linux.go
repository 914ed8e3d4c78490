//go:build linux

package enforcer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const DefaultSysfsRoot = "/sys/bus/usb/devices"

// Sysfs 通过 sysfs 的 authorized 属性在物理层级禁用 USB 设备
type Sysfs struct {
	root    string
	timeout time.Duration
}

func NewSysfs(root string, timeout time.Duration) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sysfs{root: root, timeout: timeout}
}

// IsAvailable 需要对 sysfs 设备目录有写权限 (通常即 root)
func (s *Sysfs) IsAvailable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return unix.Access(s.root, unix.W_OK) == nil
}

// BlockByIdentifier busID 类似于 "1-1.2" (从 uevent 获取)
// 路径: /sys/bus/usb/devices/1-1.2/authorized, 写入 "0" 代表物理层级禁用
func (s *Sysfs) BlockByIdentifier(ctx context.Context, busID string) (bool, error) {
	if busID == "" {
		return false, ErrNoIdentifier
	}
	if strings.ContainsAny(busID, `/\`) || strings.Contains(busID, "..") {
		return false, fmt.Errorf("invalid bus id %q", busID)
	}
	path := filepath.Join(s.root, busID, "authorized")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// O_TRUNC 对 sysfs 属性无意义, 只写不建
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		_, err = f.Write([]byte("0"))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("block failed: %w", err)
		}
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %s", ErrTimeout, path)
	}
}
