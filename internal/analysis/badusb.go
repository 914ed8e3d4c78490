package analysis

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbResponder/internal/model"
)

// USB 接口类码
const (
	classHID     = "03"
	classStorage = "08"
)

// CheckBadUSB 如果一个 USB 设备树下同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB
func CheckBadUSB(sysPath string) (bool, string) {
	files, err := os.ReadDir(sysPath)
	if err != nil {
		return false, "unknown"
	}
	hasStorage := false
	hasHID := false
	for _, f := range files {
		// 接口目录, 例如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, _ := os.ReadFile(filepath.Join(sysPath, f.Name(), "bInterfaceClass"))
		switch strings.TrimSpace(string(content)) {
		case classHID:
			hasHID = true
		case classStorage:
			hasStorage = true
		}
	}
	if hasStorage && hasHID {
		return true, "BADUSB_SUSPECT"
	} else if hasStorage {
		return false, "udisk"
	}
	return false, "other"
}

// BadUSBFinding 设备级检出项
func BadUSBFinding(sysPath string) model.Finding {
	return model.Finding{
		File:     sysPath,
		Severity: model.SeverityCritical,
		Reason:   "Composite device exposes both mass-storage and HID interfaces (BadUSB)",
	}
}

// CheckAutorun 挂载根目录下的 autorun.inf 视为高危 (大小写不敏感)
func CheckAutorun(mountPoint string) (model.Finding, bool) {
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return model.Finding{}, false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), "autorun.inf") {
			return model.Finding{
				File:     filepath.Join(mountPoint, e.Name()),
				Severity: model.SeverityCritical,
				Reason:   "autorun.inf present on removable media",
			}, true
		}
	}
	return model.Finding{}, false
}
