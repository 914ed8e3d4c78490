package response

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbResponder/internal/audit"
	"github.com/Hara602/usbResponder/internal/classifier"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Feed 扫描结果来源, 需要能与生产者并发读取
type Feed interface {
	CurrentResult() model.ScanResult
}

// Config 创建会话所需的协作者
type Config struct {
	Device      *model.Device
	Feed        Feed // 可为 nil, 只依赖 Observe 推送
	Coordinator *Coordinator
	Timing      Timing
	Sink        audit.Sink
	Logger      *zap.Logger
}

type scanEvent struct{ result model.ScanResult }

type manualBlockEvent struct{ reply chan bool }

type closeEvent struct{ reason string }

// Session 一次设备接入的响应会话。
// 所有状态迁移都在 Run 的事件循环 goroutine 中串行执行, 计时器是循环里的调度事件。
type Session struct {
	id     string
	dev    *model.Device
	feed   Feed
	coord  *Coordinator
	timing Timing
	sink   audit.Sink
	log    *zap.Logger

	events  chan any
	updates chan Update
	done    chan struct{}
	started atomic.Bool

	mu          sync.RWMutex
	state       State
	counts      classifier.Counts
	last        model.ScanResult
	remaining   int
	disposition Disposition

	// 以下只在事件循环中访问
	live       *time.Ticker
	countdown  *time.Ticker
	scanTimer  *time.Timer
	finalizing Disposition
	openedAt   time.Time
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("session requires a device")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	coord := cfg.Coordinator
	if coord == nil {
		return nil, fmt.Errorf("session requires a coordinator")
	}

	id := uuid.New().String()
	coord.sessionID = id

	return &Session{
		id:     id,
		dev:    cfg.Device,
		feed:   cfg.Feed,
		coord:  coord,
		timing: cfg.Timing.withDefaults(),
		sink:   audit.Safe(cfg.Sink),
		log:    log.Named("session").With(zap.String("session", id), zap.String("device", cfg.Device.ID)),
		events: make(chan any, 16),
		// 展示层读取不及时只会丢弃旧快照
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
		state:   StateObserving,
	}, nil
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Device() *model.Device  { return s.dev }
func (s *Session) Updates() <-chan Update { return s.updates }
func (s *Session) Done() <-chan struct{}  { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot 当前展示快照
func (s *Session) Snapshot() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Update {
	return Update{
		SessionID:    s.id,
		DeviceID:     s.dev.ID,
		State:        s.state,
		Counts:       s.counts,
		Remaining:    s.remaining,
		FilesScanned: s.last.FilesScanned,
		BytesScanned: s.last.BytesScanned,
		Elapsed:      s.last.Elapsed,
		Error:        s.last.Error,
		Status:       s.coord.Status(s.dev),
		Disposition:  s.disposition,
	}
}

// CurrentStatus 阻断状态, 只用于展示
func (s *Session) CurrentStatus() BlockingStatus {
	return s.coord.Status(s.dev)
}

// FinalDisposition 仅在 Closed 之后可用
func (s *Session) FinalDisposition() (Disposition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateClosed {
		return DispositionNone, false
	}
	return s.disposition, true
}

// Observe 推送一次扫描结果 (与定时轮询 Feed 等价)
func (s *Session) Observe(result model.ScanResult) {
	select {
	case s.events <- scanEvent{result: result.Clone()}:
	case <-s.done:
	}
}

// ManualBlock 用户提前阻断, 只在 ThreatsFound 状态下接受
func (s *Session) ManualBlock(ctx context.Context) bool {
	reply := make(chan bool, 1)
	select {
	case s.events <- manualBlockEvent{reply: reply}:
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		select {
		case ok := <-reply:
			return ok
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

// Close 在终态之前结束会话 (如设备被拔出), 等待会话结束或 ctx 取消
func (s *Session) Close(ctx context.Context, reason string) {
	select {
	case s.events <- closeEvent{reason: reason}:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// Run 事件循环, 会话进入 Closed 或 ctx 取消后返回
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer s.stopTimers()

	s.openedAt = time.Now()
	s.live = time.NewTicker(s.timing.LiveUpdatePeriod)
	s.scanTimer = time.NewTimer(s.timing.ScanTimeout)
	s.log.Info("🛡️ Response session opened", zap.String("name", s.dev.Name), zap.String("mount", s.dev.MountPoint))
	s.record(audit.KindDialogOpened, "response session opened", map[string]any{"name": s.dev.Name, "mount": s.dev.MountPoint})
	s.publish()

	for !s.closed() {
		select {
		case <-ctx.Done():
			s.handleClose(ctx, "context cancelled")
			if !s.closed() {
				// 只可能在等待系统层阻断, 其耗时受执行器超时约束
				<-s.coord.Done()
				s.close(s.finalizing, "blocking attempt finished")
			}
			return

		case ev := <-s.events:
			switch e := ev.(type) {
			case scanEvent:
				s.handleScan(ctx, e.result)
			case manualBlockEvent:
				e.reply <- s.handleManualBlock(ctx)
			case closeEvent:
				s.handleClose(ctx, e.reason)
			}

		case <-tickerC(s.live):
			if s.feed != nil {
				s.handleScan(ctx, s.feed.CurrentResult())
			}

		case <-timerC(s.scanTimer):
			s.handleScanTimeout(ctx)

		case <-tickerC(s.countdown):
			s.handleCountdownTick()

		case <-s.blockWait():
			s.close(s.finalizing, "blocking attempt finished")
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) handleScan(ctx context.Context, result model.ScanResult) {
	if s.State() != StateObserving {
		// 判定已作出, 之后的进度更新不影响分类
		return
	}

	counts := classifier.Classify(result.Findings)

	s.mu.Lock()
	stale := !result.Completed && !result.Failed() && result.FilesScanned < s.last.FilesScanned
	changed := !stale && (counts != s.counts ||
		result.FilesScanned != s.last.FilesScanned ||
		result.BytesScanned != s.last.BytesScanned)
	if !stale {
		s.counts = counts
		s.last = result
	}
	s.mu.Unlock()

	threats := counts.Total
	if result.MaliciousCount > threats {
		threats = result.MaliciousCount
	}

	switch {
	case result.Completed && threats > 0:
		s.enterVerdict(ctx, StateThreatsFound, s.timing.ThreatCountdown, threats, result)
	case result.Failed():
		s.enterVerdict(ctx, StateIncomplete, s.timing.IncompleteCountdown, threats, result)
	case result.Completed:
		s.enterVerdict(ctx, StateClean, s.timing.CleanCountdown, 0, result)
	case changed:
		s.publish()
	}
}

func (s *Session) handleScanTimeout(ctx context.Context) {
	if s.State() != StateObserving {
		return
	}
	s.mu.Lock()
	result := s.last
	result.Error = fmt.Sprintf("scan did not complete within %s", s.timing.ScanTimeout)
	s.last = result
	threats := s.counts.Total
	s.mu.Unlock()
	s.enterVerdict(ctx, StateIncomplete, s.timing.IncompleteCountdown, threats, result)
}

// enterVerdict 进入倒计时状态。恶意/不完整时在发布新状态之前触发阻断。
func (s *Session) enterVerdict(ctx context.Context, next State, countdown, threats int, result model.ScanResult) {
	s.stopLive()

	blocking := next == StateThreatsFound || next == StateIncomplete
	if blocking {
		s.coord.Dispatch(ctx, s.dev, threats)
	}

	s.mu.Lock()
	s.state = next
	s.remaining = countdown
	counts := s.counts
	s.mu.Unlock()

	fields := map[string]any{
		"state":    next.String(),
		"critical": counts.Critical,
		"high":     counts.High,
		"medium":   counts.Medium,
		"total":    counts.Total,
		"files":    result.FilesScanned,
		"bytes":    result.BytesScanned,
		"elapsed":  result.Elapsed.String(),
	}
	if result.Failed() {
		s.log.Error("❗ Scan incomplete, failing safe", zap.String("error", result.Error))
		fields["error"] = result.Error
		s.record(audit.KindError, "scan incomplete: "+result.Error, fields)
	} else {
		s.log.Info("Scan completed", zap.String("state", next.String()), zap.Int("threats", threats))
		s.record(audit.KindScanCompleted, "scan completed", fields)
	}

	s.countdown = time.NewTicker(s.timing.CountdownPeriod)
	s.record(audit.KindCountdownStarted, "countdown started", map[string]any{"state": next.String(), "seconds": countdown})
	s.publish()
}

func (s *Session) handleCountdownTick() {
	s.mu.Lock()
	if !s.state.pending() || s.remaining <= 0 {
		s.mu.Unlock()
		return
	}
	s.remaining--
	remaining, state := s.remaining, s.state
	s.mu.Unlock()

	s.publish()
	if remaining == 0 {
		s.finalize(dispositionFor(state), "countdown expired")
	}
}

func (s *Session) handleManualBlock(ctx context.Context) bool {
	if s.State() != StateThreatsFound || s.finalizing != DispositionNone {
		s.log.Debug("Manual block ignored", zap.String("state", s.State().String()))
		return false
	}
	// 阻断已在判定时触发, 这里只是保证幂等
	s.coord.Dispatch(ctx, s.dev, s.Snapshot().Counts.Total)
	s.log.Warn("Manual block requested")
	s.record(audit.KindManualBlock, "manual block requested", nil)
	s.finalize(DispositionBlocked, "manual block")
	return true
}

func (s *Session) handleClose(ctx context.Context, reason string) {
	switch state := s.State(); {
	case state == StateObserving:
		// 尚无判定: 不触碰设备记录, 处置按失败安全默认为 Blocked
		s.stopLive()
		s.log.Info("Session discarded before verdict", zap.String("reason", reason))
		s.close(DispositionBlocked, reason)
	case state.pending():
		if s.finalizing == DispositionNone {
			s.finalize(dispositionFor(state), reason)
		}
	}
}

// finalize 停止倒计时; 阻断判定必须等阻断尝试结束后才进入 Closed
func (s *Session) finalize(d Disposition, reason string) {
	s.stopCountdown()
	s.finalizing = d
	if d == DispositionBlocked && s.coord.Applied() && !s.coord.finished() {
		s.log.Debug("Waiting for blocking attempt before closing", zap.String("reason", reason))
		return
	}
	s.close(d, reason)
}

// blockWait 只有在等待阻断结束时才返回非 nil 通道
func (s *Session) blockWait() <-chan struct{} {
	if s.finalizing == DispositionNone || s.closed() {
		return nil
	}
	return s.coord.Done()
}

func (s *Session) close(d Disposition, reason string) {
	s.stopTimers()

	s.mu.Lock()
	s.state = StateClosed
	s.remaining = 0
	s.disposition = d
	s.mu.Unlock()

	status := s.coord.Status(s.dev)
	s.log.Info("Session closed",
		zap.String("disposition", d.String()),
		zap.String("reason", reason),
		zap.String("layers", status.Layers()),
		zap.Duration("duration", time.Since(s.openedAt)))
	s.record(audit.KindTerminalDisposition, "terminal disposition", map[string]any{
		"disposition": d.String(),
		"reason":      reason,
		"layers":      status.Layers(),
	})
	s.publish()
	close(s.done)
}

func dispositionFor(state State) Disposition {
	if state == StateClean {
		return DispositionAllowed
	}
	return DispositionBlocked
}

// publish 非阻塞, 缓冲满时丢弃最旧的快照
func (s *Session) publish() {
	u := s.Snapshot()
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) record(kind audit.Kind, msg string, fields map[string]any) {
	s.sink.Record(audit.Entry{
		Time:      time.Now(),
		Kind:      kind,
		SessionID: s.id,
		DeviceID:  s.dev.ID,
		Message:   msg,
		Fields:    fields,
	})
}

func (s *Session) stopLive() {
	if s.live != nil {
		s.live.Stop()
		s.live = nil
	}
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
}

func (s *Session) stopCountdown() {
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

func (s *Session) stopTimers() {
	s.stopLive()
	s.stopCountdown()
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
