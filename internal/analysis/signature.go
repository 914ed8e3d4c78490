package analysis

import (
	"bytes"
	"io"

	"github.com/Hara602/usbResponder/internal/model"
)

// Signature 内置字节特征
type Signature struct {
	Name     string
	Pattern  []byte
	Severity model.Severity
}

// 内置规则, 不依赖 CGO 的 YARA
var builtinSignatures = []Signature{
	{Name: "EICAR-Test-File", Pattern: []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`), Severity: model.SeverityCritical},
	{Name: "Mimikatz", Pattern: []byte("sekurlsa::logonpasswords"), Severity: model.SeverityCritical},
	{Name: "Rubber-Ducky-Payload", Pattern: []byte("DELAY 1000\nGUI r"), Severity: model.SeverityHigh},
	{Name: "PowerShell-Download-Cradle", Pattern: []byte("IEX (New-Object Net.WebClient).DownloadString"), Severity: model.SeverityHigh},
	{Name: "Autorun-Shell-Open", Pattern: []byte("shell\\open\\command="), Severity: model.SeverityMedium},
}

const chunkSize = 64 * 1024

// SignatureMatcher 流式匹配, 块之间保留 maxLen-1 字节避免特征跨块漏检
type SignatureMatcher struct {
	sigs   []Signature
	maxLen int
}

func NewSignatureMatcher(extra ...Signature) *SignatureMatcher {
	m := &SignatureMatcher{sigs: append(append([]Signature{}, builtinSignatures...), extra...)}
	for _, s := range m.sigs {
		if len(s.Pattern) > m.maxLen {
			m.maxLen = len(s.Pattern)
		}
	}
	return m
}

// Match 最多读取 limit 字节 (limit<=0 表示不限), 返回首个命中的规则和实际读取字节数
func (m *SignatureMatcher) Match(r io.Reader, limit int64) (*Signature, int64, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	buf := make([]byte, 0, chunkSize+m.maxLen)
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			buf = append(buf, chunk[:n]...)
			for i := range m.sigs {
				if bytes.Contains(buf, m.sigs[i].Pattern) {
					return &m.sigs[i], total, nil
				}
			}
			if keep := m.maxLen - 1; len(buf) > keep {
				buf = append(buf[:0], buf[len(buf)-keep:]...)
			}
		}
		if err == io.EOF {
			return nil, total, nil
		}
		if err != nil {
			return nil, total, err
		}
	}
}
