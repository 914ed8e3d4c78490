package response

import (
	"time"

	"github.com/Hara602/usbResponder/internal/classifier"
)

// State 会话生命周期
type State int

const (
	StateObserving    State = iota // 扫描进行中, 尚无判定
	StateThreatsFound              // 恶意, 倒计时中, 已阻断
	StateClean                     // 干净, 倒计时中
	StateIncomplete                // 扫描失败/超时, 倒计时中, 按恶意处理
	StateClosed                    // 终态
)

func (s State) String() string {
	switch s {
	case StateObserving:
		return "observing"
	case StateThreatsFound:
		return "threats_found"
	case StateClean:
		return "clean"
	case StateIncomplete:
		return "incomplete"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// pending 处于倒计时的待终结状态
func (s State) pending() bool {
	return s == StateThreatsFound || s == StateClean || s == StateIncomplete
}

// Disposition 最终处置
type Disposition int

const (
	DispositionNone Disposition = iota
	DispositionBlocked
	DispositionAllowed
)

func (d Disposition) String() string {
	switch d {
	case DispositionBlocked:
		return "blocked"
	case DispositionAllowed:
		return "allowed"
	default:
		return "none"
	}
}

func (d Disposition) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// BlockingStatus 由设备记录和协调器标志实时计算, 只用于展示
type BlockingStatus struct {
	ApplicationLevelBlocked bool `json:"application_level_blocked"`
	SystemLevelBlocked      bool `json:"system_level_blocked"`
	Applied                 bool `json:"applied"`
	ThreatCount             int  `json:"threat_count"`
}

// Layers 展示用的阻断层级描述
func (b BlockingStatus) Layers() string {
	switch {
	case b.ApplicationLevelBlocked && b.SystemLevelBlocked:
		return "dual-level"
	case b.ApplicationLevelBlocked:
		return "application-level only"
	case b.SystemLevelBlocked:
		return "system-level only"
	default:
		return "none"
	}
}

// Update 推送给展示层的快照
type Update struct {
	SessionID    string            `json:"session_id"`
	DeviceID     string            `json:"device_id"`
	State        State             `json:"state"`
	Counts       classifier.Counts `json:"counts"`
	Remaining    int               `json:"remaining"`
	FilesScanned int               `json:"files_scanned"`
	BytesScanned int64             `json:"bytes_scanned"`
	Elapsed      time.Duration     `json:"elapsed"`
	Error        string            `json:"error,omitempty"`
	Status       BlockingStatus    `json:"status"`
	Disposition  Disposition       `json:"disposition"`
}

// Timing 计时参数, 倒计时以 CountdownPeriod 为一个单位
type Timing struct {
	LiveUpdatePeriod    time.Duration
	CountdownPeriod     time.Duration
	ThreatCountdown     int
	CleanCountdown      int
	IncompleteCountdown int
	ScanTimeout         time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		LiveUpdatePeriod:    250 * time.Millisecond,
		CountdownPeriod:     time.Second,
		ThreatCountdown:     10,
		CleanCountdown:      3,
		IncompleteCountdown: 3,
		ScanTimeout:         10 * time.Minute,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.LiveUpdatePeriod <= 0 {
		t.LiveUpdatePeriod = d.LiveUpdatePeriod
	}
	if t.CountdownPeriod <= 0 {
		t.CountdownPeriod = d.CountdownPeriod
	}
	if t.ThreatCountdown <= 0 {
		t.ThreatCountdown = d.ThreatCountdown
	}
	if t.CleanCountdown <= 0 {
		t.CleanCountdown = d.CleanCountdown
	}
	if t.IncompleteCountdown <= 0 {
		t.IncompleteCountdown = d.IncompleteCountdown
	}
	if t.ScanTimeout <= 0 {
		t.ScanTimeout = d.ScanTimeout
	}
	return t
}
