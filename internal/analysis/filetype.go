package analysis

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Hara602/usbResponder/internal/model"
	"github.com/h2non/filetype"
)

// HeaderSize filetype 库建议的最佳文件头长度
const HeaderSize = 262

// Result 单个文件的检测结果
type Result struct {
	IsMasquerade bool           // 是否是伪装文件
	RealExt      string         // 真实的类型后缀 (根据文件头)
	DeclaredExt  string         // 声明的后缀 (文件名)
	Risk         model.Severity // 伪装时为 HIGH/MEDIUM, 否则为空
	Message      string
}

// Finding 把伪装结果转换为检出项, 非伪装返回 false
func (r *Result) Finding(file string) (model.Finding, bool) {
	if r == nil || !r.IsMasquerade {
		return model.Finding{}, false
	}
	return model.Finding{File: file, Severity: r.Risk, Reason: r.Message}, true
}

// TypeInspector 文件类型检查器, 比较文件头与扩展名
type TypeInspector struct {
	// 规则支持运行时追加, 用读写锁保护
	aliasMap map[string]map[string]bool
	mu       sync.RWMutex
}

func NewTypeInspector() *TypeInspector {
	inspector := &TypeInspector{
		aliasMap: make(map[string]map[string]bool),
	}
	inspector.initRules()
	return inspector
}

// Allow 登记合法的 "表里不一" (真实类型 -> 允许的扩展名)
func (t *TypeInspector) Allow(realType string, allowedExts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.aliasMap[realType]; !ok {
		t.aliasMap[realType] = make(map[string]bool)
	}
	t.aliasMap[realType][realType] = true
	for _, ext := range allowedExts {
		t.aliasMap[realType][ext] = true
	}
}

func (t *TypeInspector) initRules() {
	// ZIP 家族: 最大的误报源
	t.Allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear",
		"apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg", "epub",
	)
	t.Allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.Allow("mp4", "m4v", "mov", "qt", "m4a")
	t.Allow("ogg", "ogv", "oga", "spx", "opus")
	t.Allow("mov", "qt", "mp4")
	t.Allow("jpg", "jpeg", "jpe")
	t.Allow("tif", "tiff")
	// PE: 技术上相同, 互相改后缀不算伪装
	t.Allow("exe", "dll", "sys", "scr", "cpl", "ocx", "efi")
	t.Allow("gz", "gzip", "tgz")
	t.Allow("tar")
	t.Allow("rar")
	t.Allow("7z")
}

// Inspect 读取文件头并检测
func (t *TypeInspector) Inspect(filePath string) (*Result, error) {
	if filepath.Ext(filePath) == "" {
		return &Result{Message: "No extension"}, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer file.Close()

	head := make([]byte, HeaderSize)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read header failed: %w", err)
	}
	return t.InspectHeader(filePath, head[:n]), nil
}

// InspectHeader 对已读取的文件头做判定
func (t *TypeInspector) InspectHeader(name string, head []byte) *Result {
	rawExt := filepath.Ext(name)
	if rawExt == "" {
		// 没有后缀的文件暂且放行
		return &Result{Message: "No extension"}
	}
	declaredExt := strings.ToLower(strings.TrimPrefix(rawExt, "."))

	if len(head) == 0 {
		// 空文件没有 magic bytes, 视为安全
		return &Result{DeclaredExt: declaredExt, Message: "Empty file"}
	}

	kind, _ := filetype.Match(head)
	// 纯文本 (txt, go, md, json) 通常识别为 Unknown, 默认信任
	if kind == filetype.Unknown {
		return &Result{
			RealExt:     "unknown",
			DeclaredExt: declaredExt,
			Message:     "Unknown binary signature (likely text)",
		}
	}

	realExt := kind.Extension
	if realExt == declaredExt {
		return &Result{RealExt: realExt, DeclaredExt: declaredExt}
	}

	t.mu.RLock()
	allowed := t.aliasMap[realExt][declaredExt]
	t.mu.RUnlock()
	if allowed {
		return &Result{
			RealExt:     realExt,
			DeclaredExt: declaredExt,
			Message:     fmt.Sprintf("Allowed alias: %s is compatible with %s", declaredExt, realExt),
		}
	}

	risk := model.SeverityMedium
	if isExecutable(realExt) {
		// 可执行文件伪装成其他格式
		risk = model.SeverityHigh
	}

	return &Result{
		IsMasquerade: true,
		RealExt:      realExt,
		DeclaredExt:  declaredExt,
		Risk:         risk,
		Message:      fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declaredExt),
	}
}

func isExecutable(ext string) bool {
	switch ext {
	case "exe", "elf", "dll", "macho":
		return true
	}
	return false
}
