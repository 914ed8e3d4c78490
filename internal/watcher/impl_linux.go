//go:build linux

package watcher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbResponder/internal/analysis"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// 测试时可替换
var (
	sysRoot      = "/sys"
	mountTimeout = 3 * time.Second
)

type linuxWatcher struct {
	events   chan model.USBEvent
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

func newWatcher() DeviceWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &linuxWatcher{
		events: make(chan model.USBEvent, 10),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *linuxWatcher) Start() (<-chan model.USBEvent, error) {
	// 监听 UDEV 事件, 连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}

	// 只关心块设备分区
	matcher := &netlink.RuleDefinitions{}
	matcher.AddRule(netlink.RuleDefinition{
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"DEVTYPE":   "partition",
		},
	})

	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, matcher)

	go func() {
		defer conn.Close()

		// 在处理新事件前, 先扫描已存在的设备
		go w.scanExistingUSB()

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case err := <-errChan:
				// 忽略底层网络错误, 继续尝试
				sysutil.Log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		close(w.stop)
	})
}

func (w *linuxWatcher) emit(ev model.USBEvent) {
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	switch uevent.Action {
	case netlink.ADD:
		go w.handleAdd(uevent)
	case netlink.REMOVE:
		w.emit(model.USBEvent{Action: "remove", DevicePath: devName(uevent.Env["DEVNAME"]), TimeStamp: time.Now()})
	}
}

func (w *linuxWatcher) handleAdd(uevent netlink.UEvent) {
	// UEvent Env 示例: DEVNAME=/dev/sdb1, DEVPATH=/devices/...
	dev := devName(uevent.Env["DEVNAME"])
	usbRoot := findUSBRoot(sysRoot + uevent.Env["DEVPATH"])
	if usbRoot == "" {
		// 不在 USB 总线上 (内置磁盘分区)
		return
	}

	mountPoint := sysutil.WaitForMount(w.ctx, dev, mountTimeout)
	if mountPoint == "" {
		sysutil.Log.Warn("Device detected but mount point not found (timeout)", zap.String("dev", dev))
		return
	}
	w.emit(describe(dev, mountPoint, usbRoot))
}

// scanExistingUSB 扫描当前已挂载的文件系统, 寻找遗漏的 USB 设备
func (w *linuxWatcher) scanExistingUSB() {
	f, err := os.Open(sysutil.MountsFile)
	if err != nil {
		sysutil.Log.Error("Failed to scan existing mounts", zap.Error(err))
		return
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		devPath, mountPoint := fields[0], strings.ReplaceAll(fields[1], `\040`, " ")

		// 只关心 /dev/ 开头的设备, 且不是 loop 设备
		if !strings.HasPrefix(devPath, "/dev/") || strings.HasPrefix(devPath, "/dev/loop") {
			continue
		}

		// 通过 /sys/class/block/{name} 回溯判断是否为 USB
		realSysPath, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "class/block", filepath.Base(devPath)))
		if err != nil {
			continue
		}
		usbRoot := findUSBRoot(realSysPath)
		if usbRoot == "" {
			continue
		}

		found++
		sysutil.Log.Info("🔍 Found existing USB device during scan", zap.String("mount", mountPoint), zap.String("dev", devPath))
		w.emit(describe(devPath, mountPoint, usbRoot))
	}
	if found == 0 {
		sysutil.Log.Info("No existing USB storage mounted")
	}
}

// describe 采集 USB 设备信息
func describe(devPath, mountPoint, usbRoot string) model.USBEvent {
	isBad, devType := analysis.CheckBadUSB(usbRoot)
	ev := model.USBEvent{
		Action:     "add",
		DevicePath: devPath,
		MountPoint: mountPoint,
		BusID:      filepath.Base(usbRoot),
		SysPath:    usbRoot,
		VendorID:   readFile(filepath.Join(usbRoot, "idVendor")),
		ProductID:  readFile(filepath.Join(usbRoot, "idProduct")),
		Serial:     readFile(filepath.Join(usbRoot, "serial")),
		Product:    readFile(filepath.Join(usbRoot, "product")),
		DeviceType: devType,
		TimeStamp:  time.Now(),
	}
	if isBad {
		sysutil.Log.Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("serial", ev.Serial), zap.String("bus", ev.BusID))
	}
	return ev
}

// findUSBRoot 向上查找包含 idVendor 的目录 (即 USB Device 根目录), 找不到返回 ""
func findUSBRoot(path string) string {
	dir := path
	// 向上回溯最多 10 层
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	return ""
}

func devName(name string) string {
	if name == "" || strings.HasPrefix(name, "/dev") {
		return name
	}
	return "/dev/" + name
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
