// Package scanner 扫描挂载的移动存储, 逐步把结果写入 Feed。
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Hara602/usbResponder/internal/analysis"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/telemetry"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Workers      int   // 并发检查的文件数
	MaxFileBytes int64 // 单个文件最多读取的字节数, <=0 不限
}

// Target 被扫描的设备
type Target struct {
	MountPoint string
	SysPath    string // USB 设备根目录, 用于 BadUSB 检查
	BadUSB     bool
}

type Scanner struct {
	inspector  *analysis.TypeInspector
	signatures *analysis.SignatureMatcher
	opts       Options
	log        *zap.Logger
}

func New(opts Options, log *zap.Logger) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		inspector:  analysis.NewTypeInspector(),
		signatures: analysis.NewSignatureMatcher(),
		opts:       opts,
		log:        log.Named("scanner"),
	}
}

// Inspector 文件监控复用同一套规则
func (s *Scanner) Inspector() *analysis.TypeInspector { return s.inspector }

// Scan 阻塞直到扫描结束; 任何读取错误都使结果不完整 (失败安全)。
// ctx 取消时不写入结果, Feed 停留在进行中。
func (s *Scanner) Scan(ctx context.Context, target Target, feed *Feed) {
	feed.start()
	start := time.Now()
	s.log.Info("🔍 Scan started", zap.String("mount", target.MountPoint))

	if target.BadUSB {
		feed.AddFinding(analysis.BadUSBFinding(target.SysPath))
	}
	if f, ok := analysis.CheckAutorun(target.MountPoint); ok {
		feed.AddFinding(f)
	}

	err := s.walk(ctx, target.MountPoint, feed)
	if ctx.Err() != nil {
		// 调用方中止 (设备拔出/退出) 不是扫描失败, 结果保持未完成
		res := feed.CurrentResult()
		telemetry.BytesScanned.Add(float64(res.BytesScanned))
		s.log.Info("Scan aborted", zap.String("mount", target.MountPoint), zap.Int("files", res.FilesScanned))
		return
	}
	feed.finish(err)

	res := feed.CurrentResult()
	telemetry.BytesScanned.Add(float64(res.BytesScanned))
	if err != nil {
		s.log.Error("Scan incomplete", zap.String("mount", target.MountPoint), zap.Error(err))
		return
	}
	s.log.Info("Scan finished",
		zap.String("mount", target.MountPoint),
		zap.Int("files", res.FilesScanned),
		zap.String("bytes", humanize.Bytes(uint64(res.BytesScanned))),
		zap.Int("findings", len(res.Findings)),
		zap.Duration("elapsed", time.Since(start)))
}

func (s *Scanner) walk(ctx context.Context, root string, feed *Feed) error {
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("mount point unavailable: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		// 不跟随符号链接, 只检查普通文件
		if !d.Type().IsRegular() {
			return nil
		}
		g.Go(func() error {
			n, finding, err := s.InspectFile(path)
			if err != nil {
				return err
			}
			if finding != nil {
				s.log.Warn("⚠️ Suspicious file", zap.String("file", path), zap.String("severity", string(finding.Severity)), zap.String("reason", finding.Reason))
				feed.addFile(n, *finding)
			} else {
				feed.addFile(n)
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", root, walkErr)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan cancelled: %w", err)
	}
	return nil
}

// InspectFile 打开一次文件: 文件头做类型伪装检查, 内容做特征匹配
func (s *Scanner) InspectFile(path string) (int64, *model.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, analysis.HeaderSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return int64(n), nil, fmt.Errorf("read %s: %w", path, err)
	}
	head = head[:n]

	sig, read, err := s.signatures.Match(io.MultiReader(bytes.NewReader(head), f), s.opts.MaxFileBytes)
	if err != nil {
		return read, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if sig != nil {
		return read, &model.Finding{File: path, Severity: sig.Severity, Reason: "Signature match: " + sig.Name}, nil
	}

	if finding, ok := s.inspector.InspectHeader(path, head).Finding(path); ok {
		return read, &finding, nil
	}
	return read, nil, nil
}
