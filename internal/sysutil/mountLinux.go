//go:build linux

package sysutil

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"
)

// MountsFile 测试时可替换
var MountsFile = "/proc/mounts"

// WaitForMount 轮询 /proc/mounts 等待设备挂载
// Udev event 触发时文件系统可能还没挂载好, 超时或 ctx 取消返回 ""
func WaitForMount(ctx context.Context, devPath string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for {
		if mp := LookupMount(devPath); mp != "" {
			return mp
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// LookupMount 返回设备当前的挂载点, 未挂载返回 ""
func LookupMount(devPath string) string {
	f, err := os.Open(MountsFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devPath {
			// /proc/mounts 中空格被转义为 \040
			return strings.ReplaceAll(fields[1], `\040`, " ")
		}
	}
	return ""
}
