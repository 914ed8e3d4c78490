package model

import "time"

// Severity 威胁等级
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// Finding 单个检出项
type Finding struct {
	File     string   `json:"file"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// ScanResult 扫描引擎产出的结果, 扫描过程中可能只填充了一部分
type ScanResult struct {
	Completed      bool          `json:"completed"`
	MaliciousCount int           `json:"malicious_count"`
	Findings       []Finding     `json:"findings"`
	FilesScanned   int           `json:"files_scanned"`
	BytesScanned   int64         `json:"bytes_scanned"`
	Elapsed        time.Duration `json:"elapsed"`
	Error          string        `json:"error,omitempty"`
}

// Clone 深拷贝, Findings 不与生产者共享底层数组
func (r ScanResult) Clone() ScanResult {
	out := r
	if r.Findings != nil {
		out.Findings = make([]Finding, len(r.Findings))
		copy(out.Findings, r.Findings)
	}
	return out
}

// Failed 扫描报告了错误
func (r ScanResult) Failed() bool {
	return r.Error != ""
}
