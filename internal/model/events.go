package model

import "time"

// USBEvent 硬件插拔事件
type USBEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	MountPoint string // e.g., /media/usb
	BusID      string // e.g., 1-1.2, 对应 /sys/bus/usb/devices/<BusID>
	SysPath    string // USB 设备根目录 (sysfs)
	VendorID   string
	ProductID  string
	Serial     string
	Product    string
	DeviceType string // "udisk", "BADUSB_SUSPECT", "other"
	TimeStamp  time.Time
}

// DeviceID 生成稳定的设备标识: vid:pid:serial
func (e USBEvent) DeviceID() string {
	return e.VendorID + ":" + e.ProductID + ":" + e.Serial
}

type FileEvent struct {
	PID       int32  // 进程ID
	ProcName  string // 进程名
	MountPath string // 所属挂载点
	FilePath  string
	Operation string
	TimeStamp time.Time
}
