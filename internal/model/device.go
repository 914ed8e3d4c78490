package model

import (
	"sync"
	"time"
)

// AccessStatus 设备访问状态
type AccessStatus string

const (
	AccessActive  AccessStatus = "active"
	AccessBlocked AccessStatus = "blocked"
)

// Device 由设备管理器持有, 响应会话只在一次会话期间引用它。
// 可变字段只允许 ApplicationLevel 执行器和状态机的处置写入修改。
type Device struct {
	ID          string // vid:pid:serial
	BusID       string // sysfs 总线标识, 系统级阻断使用
	Name        string
	MountPoint  string // 可选
	VendorID    string
	ProductID   string
	Serial      string
	ConnectedAt time.Time

	mu            sync.RWMutex
	status        AccessStatus
	authenticated bool
	quarantinedAt time.Time
	systemBlocked bool
}

// NewDevice 新接入的设备默认为 active 且已认证
func NewDevice(ev USBEvent) *Device {
	name := ev.Product
	if name == "" || name == "unknown" {
		name = ev.DevicePath
	}
	return &Device{
		ID:            ev.DeviceID(),
		BusID:         ev.BusID,
		Name:          name,
		MountPoint:    ev.MountPoint,
		VendorID:      ev.VendorID,
		ProductID:     ev.ProductID,
		Serial:        ev.Serial,
		ConnectedAt:   ev.TimeStamp,
		status:        AccessActive,
		authenticated: true,
	}
}

// DeviceState 设备可变字段的快照
type DeviceState struct {
	Status        AccessStatus `json:"status"`
	Authenticated bool         `json:"authenticated"`
	QuarantinedAt time.Time    `json:"quarantined_at,omitempty"`
	SystemBlocked bool         `json:"system_blocked"`
}

func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceState{
		Status:        d.status,
		Authenticated: d.authenticated,
		QuarantinedAt: d.quarantinedAt,
		SystemBlocked: d.systemBlocked,
	}
}

// Restore 从持久化记录恢复状态 (仅设备管理器在会话开始前调用)
func (d *Device) Restore(s DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s.Status
	d.authenticated = s.Authenticated
	d.quarantinedAt = s.QuarantinedAt
	d.systemBlocked = s.SystemBlocked
}

// MarkBlocked 应用层阻断。不可逆, 重复调用不会覆盖首次隔离时间。
func (d *Device) MarkBlocked(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = AccessBlocked
	d.authenticated = false
	if d.quarantinedAt.IsZero() {
		d.quarantinedAt = now
	}
}

func (d *Device) MarkSystemBlocked() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemBlocked = true
}

func (d *Device) IsBlocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status == AccessBlocked
}
