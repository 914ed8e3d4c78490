// Package audit 提供安全日志接收端: 每次状态迁移、阻断动作与失败都会记录一条。
// Sink 只接收, 不返回任何影响决策的结果。
package audit

import "time"

// Kind 安全日志类别
type Kind string

const (
	KindDialogOpened        Kind = "dialog-opened"
	KindScanCompleted       Kind = "scan-completed"
	KindBlockingApplied     Kind = "blocking-applied"
	KindBlockingDegraded    Kind = "blocking-degraded"
	KindCountdownStarted    Kind = "countdown-started"
	KindManualBlock         Kind = "manual-block"
	KindTerminalDisposition Kind = "terminal-disposition"
	KindError               Kind = "error"
)

// Entry 一条安全日志
type Entry struct {
	Time      time.Time
	Kind      Kind
	SessionID string
	DeviceID  string
	Message   string
	Fields    map[string]any
}

// Sink 安全日志接收端。实现不得 panic 到调用方, 也不得阻塞决策流程。
type Sink interface {
	Record(e Entry)
}
