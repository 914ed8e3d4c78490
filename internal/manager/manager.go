// Package manager 为每个接入的 USB 存储分区维护一个响应会话。
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbResponder/internal/audit"
	"github.com/Hara602/usbResponder/internal/blackwhitelist"
	"github.com/Hara602/usbResponder/internal/enforcer"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/response"
	"github.com/Hara602/usbResponder/internal/scanner"
	"github.com/Hara602/usbResponder/internal/telemetry"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// 已结束会话保留给查询接口的数量
const historySize = 128

// Store 设备与黑名单持久化
type Store interface {
	IsBlocked(ctx context.Context, vid, pid, serial string) (bool, string)
	AddBlockRule(ctx context.Context, vid, pid, serial, reason string) error
	SaveDevice(ctx context.Context, dev *model.Device, disposition string) error
	LoadDevice(ctx context.Context, id string) (blackwhitelist.Record, error)
}

// WatchRegistry 挂载点文件监控 (monitor.FileMonitor 的子集)
type WatchRegistry interface {
	AddWatch(mountPath string) error
	RemoveWatch(mountPath string)
}

type Options struct {
	Timing  response.Timing
	System  enforcer.SystemLevel
	Sink    audit.Sink
	Scanner *scanner.Scanner
	Store   Store
	Watches WatchRegistry // 可为 nil
	Logger  *zap.Logger
}

type entry struct {
	session    *response.Session
	feed       *scanner.Feed
	devPath    string
	mount      string
	cancelScan context.CancelFunc
}

type Manager struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	active   map[string]*entry // key: 分区设备路径
	sessions map[string]*response.Session
	history  []string
	errs     error
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scanner == nil {
		opts.Scanner = scanner.New(scanner.Options{}, opts.Logger)
	}
	opts.Sink = audit.Safe(opts.Sink)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		log:      opts.Logger.Named("manager"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*entry),
		sessions: make(map[string]*response.Session),
	}
}

// Run 分发设备和文件事件, 直到 ctx 取消或设备事件通道关闭
func (m *Manager) Run(ctx context.Context, devices <-chan model.USBEvent, files <-chan model.FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-devices:
			if !ok {
				return
			}
			switch ev.Action {
			case "add":
				if _, err := m.HandleAdd(ev); err != nil {
					m.log.Error("Failed to open response session", zap.String("dev", ev.DevicePath), zap.Error(err))
				}
			case "remove":
				m.HandleRemove(ev.DevicePath)
			}
		case ev, ok := <-files:
			if !ok {
				files = nil
				continue
			}
			m.HandleFileEvent(ev)
		}
	}
}

// HandleAdd 为新接入的分区开启会话; 同一分区重复的 add 事件被忽略
func (m *Manager) HandleAdd(ev model.USBEvent) (*response.Session, error) {
	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("manager is shut down")
	}
	m.mu.RLock()
	if e, ok := m.active[ev.DevicePath]; ok {
		m.mu.RUnlock()
		return e.session, nil
	}
	m.mu.RUnlock()

	dev := model.NewDevice(ev)
	m.log.Info("✅ USB Connected",
		zap.String("mount", ev.MountPoint),
		zap.String("vid", ev.VendorID),
		zap.String("pid", ev.ProductID),
		zap.String("product", ev.Product),
		zap.String("type", ev.DeviceType),
	)

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	m.restore(ctx, dev)

	var (
		feed    *scanner.Feed
		preset  bool
		blocked bool
		reason  string
	)
	if m.opts.Store != nil {
		blocked, reason = m.opts.Store.IsBlocked(ctx, ev.VendorID, ev.ProductID, ev.Serial)
	}
	if blocked {
		// 黑名单设备无需扫描, 直接给出已完成的恶意结果
		m.log.Warn("🚫 Blacklisted device", zap.String("device", dev.ID), zap.String("reason", reason))
		feed = scanner.Preset(model.ScanResult{
			Completed:      true,
			MaliciousCount: 1,
			Findings: []model.Finding{{
				File:     ev.MountPoint,
				Severity: model.SeverityCritical,
				Reason:   "Blacklisted device: " + reason,
			}},
		})
		preset = true
	} else {
		feed = scanner.NewFeed()
	}

	session, err := response.NewSession(response.Config{
		Device:      dev,
		Feed:        feed,
		Coordinator: response.NewCoordinator(enforcer.NewApplication(), m.opts.System, m.opts.Sink, m.opts.Logger),
		Timing:      m.opts.Timing,
		Sink:        m.opts.Sink,
		Logger:      m.opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	scanCtx, cancelScan := context.WithCancel(m.ctx)
	e := &entry{session: session, feed: feed, devPath: ev.DevicePath, mount: ev.MountPoint, cancelScan: cancelScan}

	m.mu.Lock()
	if prev, ok := m.active[ev.DevicePath]; ok {
		m.mu.Unlock()
		cancelScan()
		return prev.session, nil
	}
	m.active[ev.DevicePath] = e
	m.remember(session)
	m.mu.Unlock()
	telemetry.ActiveSessions.Inc()

	if m.opts.Watches != nil && ev.MountPoint != "" && !preset {
		if err := m.opts.Watches.AddWatch(ev.MountPoint); err != nil {
			m.log.Error("Failed to watch mount", zap.String("mount", ev.MountPoint), zap.Error(err))
		} else {
			m.log.Info("👀 Monitoring started", zap.String("path", ev.MountPoint))
		}
	}

	if !preset {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.opts.Scanner.Scan(scanCtx, scanner.Target{
				MountPoint: ev.MountPoint,
				SysPath:    ev.SysPath,
				BadUSB:     ev.DeviceType == "BADUSB_SUSPECT",
			}, feed)
		}()
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.follow(session)
	}()
	go func() {
		defer m.wg.Done()
		session.Run(m.ctx)
		m.finish(e)
	}()
	return session, nil
}

// restore 上次被阻断的设备保留隔离记录; 系统层授权在重新插拔后已复位
func (m *Manager) restore(ctx context.Context, dev *model.Device) {
	if m.opts.Store == nil {
		return
	}
	rec, err := m.opts.Store.LoadDevice(ctx, dev.ID)
	if err != nil {
		if !errors.Is(err, blackwhitelist.ErrNotFound) {
			m.log.Warn("Failed to load device record", zap.String("device", dev.ID), zap.Error(err))
		}
		return
	}
	if rec.Disposition != response.DispositionBlocked.String() {
		return
	}
	dev.Restore(model.DeviceState{
		Status:        rec.State.Status,
		Authenticated: false,
		QuarantinedAt: rec.State.QuarantinedAt,
	})
}

// follow 记录状态变化, 同时消费更新通道
func (m *Manager) follow(s *response.Session) {
	last := response.StateObserving
	for {
		select {
		case u := <-s.Updates():
			if u.State == last {
				continue
			}
			last = u.State
			m.log.Info("Session state changed",
				zap.String("session", u.SessionID),
				zap.String("device", u.DeviceID),
				zap.Stringer("state", u.State),
				zap.Int("threats", u.Counts.Total),
				zap.String("scanned", humanize.Bytes(uint64(u.BytesScanned))),
				zap.String("blocking", u.Status.Layers()))
		case <-s.Done():
			return
		}
	}
}

// finish 会话结束后的持久化与清理
func (m *Manager) finish(e *entry) {
	e.cancelScan()
	s := e.session
	dev := s.Device()

	m.mu.Lock()
	if m.active[e.devPath] == e {
		delete(m.active, e.devPath)
	}
	m.mu.Unlock()
	telemetry.ActiveSessions.Dec()

	if m.opts.Watches != nil && e.mount != "" {
		m.opts.Watches.RemoveWatch(e.mount)
	}

	d, _ := s.FinalDisposition()
	snap := s.Snapshot()
	telemetry.SessionsTotal.WithLabelValues(d.String()).Inc()
	for sev, n := range map[string]int{
		string(model.SeverityCritical): snap.Counts.Critical,
		string(model.SeverityHigh):     snap.Counts.High,
		string(model.SeverityMedium):   snap.Counts.Medium,
		"OTHER":                        snap.Counts.Other,
	} {
		if n > 0 {
			telemetry.FindingsTotal.WithLabelValues(sev).Add(float64(n))
		}
	}

	m.log.Info("Session closed",
		zap.String("session", s.ID()),
		zap.String("device", dev.ID),
		zap.Stringer("disposition", d),
		zap.String("blocking", snap.Status.Layers()))

	// 观察阶段被丢弃的会话不改动设备记录
	if !snap.Status.Applied && d == response.DispositionBlocked {
		return
	}
	if m.opts.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs error
	if snap.Status.Applied {
		reason := fmt.Sprintf("blocked by response session %s (%d threats)", s.ID(), snap.Status.ThreatCount)
		errs = multierr.Append(errs, m.opts.Store.AddBlockRule(ctx, dev.VendorID, dev.ProductID, dev.Serial, reason))
	}
	errs = multierr.Append(errs, m.opts.Store.SaveDevice(ctx, dev, d.String()))
	if errs != nil {
		m.log.Error("Failed to persist device", zap.String("device", dev.ID), zap.Error(errs))
		m.mu.Lock()
		m.errs = multierr.Append(m.errs, errs)
		m.mu.Unlock()
	}
}

// HandleRemove 设备拔出, 在终态之前结束会话。
// 扫描由 finish 在会话关闭后取消, 这里先取消会被当作扫描失败。
func (m *Manager) HandleRemove(devPath string) {
	m.mu.RLock()
	e, ok := m.active[devPath]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.log.Info("❌ USB Removed", zap.String("path", devPath))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.session.Close(m.ctx, "device removed")
	}()
}

// HandleFileEvent 观察阶段写入完成的文件立即检查, 检出项追加到该设备的扫描结果
func (m *Manager) HandleFileEvent(ev model.FileEvent) {
	m.log.Info("📂 File Activity",
		zap.String("op", ev.Operation),
		zap.String("file", ev.FilePath),
		zap.String("process", ev.ProcName),
		zap.Int32("pid", ev.PID),
	)
	if !strings.Contains(ev.Operation, "CLOSE_WRITE") && !strings.Contains(ev.Operation, "MOVED_TO") {
		return
	}

	e := m.entryForMount(ev.MountPath)
	if e == nil || e.session.State() != response.StateObserving {
		return
	}
	for _, f := range e.feed.CurrentResult().Findings {
		if f.File == ev.FilePath {
			return
		}
	}

	_, finding, err := m.opts.Scanner.InspectFile(ev.FilePath)
	if err != nil {
		m.log.Debug("Inspect failed", zap.String("file", ev.FilePath), zap.Error(err))
		return
	}
	if finding == nil {
		return
	}
	if e.feed.AddFinding(*finding) {
		m.log.Warn("🚨 Suspicious file written to device",
			zap.String("file", ev.FilePath),
			zap.String("severity", string(finding.Severity)),
			zap.String("process", ev.ProcName))
	}
}

func (m *Manager) entryForMount(mount string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.active {
		if e.mount == mount {
			return e
		}
	}
	return nil
}

func (m *Manager) remember(s *response.Session) {
	m.sessions[s.ID()] = s
	m.history = append(m.history, s.ID())

	excess := len(m.history) - historySize
	if excess <= 0 {
		return
	}
	// 从最旧的开始淘汰已结束的会话, 仍在运行的会话保留
	kept := m.history[:0]
	for _, id := range m.history {
		sess, ok := m.sessions[id]
		if excess > 0 && (!ok || finished(sess)) {
			delete(m.sessions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.history = kept
}

func finished(s *response.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Session 按会话 ID 查询 (包括最近结束的)
func (m *Manager) Session(id string) (*response.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions 最近的会话快照, 按接入时间排序
func (m *Manager) Sessions() []response.Update {
	m.mu.RLock()
	list := make([]*response.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Device().ConnectedAt.Before(list[j].Device().ConnectedAt)
	})
	out := make([]response.Update, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}

// ManualBlock 用户提前阻断
func (m *Manager) ManualBlock(ctx context.Context, id string) (bool, error) {
	s, ok := m.Session(id)
	if !ok {
		return false, ErrSessionNotFound
	}
	return s.ManualBlock(ctx), nil
}

// Shutdown 结束所有会话并等待清理完成
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return multierr.Append(err, m.errs)
}
