package scanner

import (
	"sync"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
)

// Feed 扫描结果的并发安全容器: 扫描器写入, 响应会话轮询读取
type Feed struct {
	mu      sync.RWMutex
	result  model.ScanResult
	started time.Time
}

func NewFeed() *Feed {
	return &Feed{}
}

// CurrentResult 返回深拷贝快照, 扫描进行中时 Elapsed 实时计算
func (f *Feed) CurrentResult() model.ScanResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r := f.result.Clone()
	if !r.Completed && !r.Failed() && !f.started.IsZero() {
		r.Elapsed = time.Since(f.started)
	}
	return r
}

func (f *Feed) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started.IsZero() {
		f.started = time.Now()
	}
}

// AddFinding 追加检出项, 扫描结束后追加无效
func (f *Feed) AddFinding(finding model.Finding) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result.Completed || f.result.Failed() {
		return false
	}
	f.result.Findings = append(f.result.Findings, finding)
	f.result.MaliciousCount = len(f.result.Findings)
	return true
}

func (f *Feed) addFile(n int64, findings ...model.Finding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result.FilesScanned++
	f.result.BytesScanned += n
	f.result.Findings = append(f.result.Findings, findings...)
	f.result.MaliciousCount = len(f.result.Findings)
}

// finish 只生效一次; err 非空时结果为不完整
func (f *Feed) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result.Completed || f.result.Failed() {
		return
	}
	if !f.started.IsZero() {
		f.result.Elapsed = time.Since(f.started)
	}
	if err != nil {
		f.result.Error = err.Error()
		return
	}
	f.result.Completed = true
}

// Preset 直接写入一个已完成的结果 (黑名单设备等无需扫描的场景)
func Preset(r model.ScanResult) *Feed {
	return &Feed{result: r.Clone()}
}
