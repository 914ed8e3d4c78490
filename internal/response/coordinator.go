package response

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Hara602/usbResponder/internal/audit"
	"github.com/Hara602/usbResponder/internal/enforcer"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Coordinator 编排两层阻断, 每个会话一个实例。
// applied 是唯一需要互斥的状态: CAS 保证阻断序列最多执行一次。
type Coordinator struct {
	app  *enforcer.Application
	sys  enforcer.SystemLevel
	sink audit.Sink
	log  *zap.Logger

	sessionID string
	applied   atomic.Bool
	threats   atomic.Int64
	done      chan struct{}
}

func NewCoordinator(app *enforcer.Application, sys enforcer.SystemLevel, sink audit.Sink, log *zap.Logger) *Coordinator {
	if app == nil {
		app = enforcer.NewApplication()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		app:  app,
		sys:  sys,
		sink: audit.Safe(sink),
		log:  log.Named("coordinator"),
		done: make(chan struct{}),
	}
}

// Dispatch 抢占守卫后同步执行应用层阻断, 系统层在独立 goroutine 中执行。
// 返回 false 表示阻断已经被其他路径触发过。
func (c *Coordinator) Dispatch(ctx context.Context, dev *model.Device, threats int) bool {
	if !c.applied.CompareAndSwap(false, true) {
		c.log.Debug("Blocking already applied, skipping", zap.String("device", dev.ID))
		return false
	}
	c.threats.Store(int64(threats))

	ctx, span := telemetry.Tracer().Start(ctx, "coordinator.apply_blocking",
		trace.WithAttributes(
			attribute.String("session.id", c.sessionID),
			attribute.String("device.id", dev.ID),
			attribute.Int("threats", threats),
		))

	// (1) 应用层, 不会失败
	c.app.Block(dev)
	telemetry.BlockingApplied.WithLabelValues("application").Inc()
	c.log.Warn("🔒 Application-level block applied", zap.String("device", dev.ID), zap.Int("threats", threats))
	c.record(audit.KindBlockingApplied, dev, "application-level block applied", map[string]any{"layer": "application", "threats": threats})

	// (2) 系统层, 会话取消不应打断已经开始的阻断
	go c.enforceSystem(context.WithoutCancel(ctx), span, dev)
	return true
}

// ApplyBlocking 幂等: 触发并等待阻断序列结束 (系统层受执行器超时约束)
func (c *Coordinator) ApplyBlocking(ctx context.Context, dev *model.Device, threats int) bool {
	executed := c.Dispatch(ctx, dev, threats)
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return executed
}

func (c *Coordinator) enforceSystem(ctx context.Context, span trace.Span, dev *model.Device) {
	defer close(c.done)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			c.degrade(span, dev, "panic", fmt.Errorf("system enforcer panic: %v", r))
		}
	}()

	if c.sys == nil || !c.sys.IsAvailable(ctx) {
		c.degrade(span, dev, "unavailable", enforcer.ErrUnavailable)
		return
	}

	ok, err := c.sys.BlockByIdentifier(ctx, dev.BusID)
	switch {
	case err != nil:
		reason := "error"
		if errors.Is(err, enforcer.ErrTimeout) {
			reason = "timeout"
		}
		c.degrade(span, dev, reason, err)
		return
	case !ok:
		c.degrade(span, dev, "rejected", errors.New("system enforcer reported failure"))
		return
	}

	dev.MarkSystemBlocked()
	telemetry.BlockingApplied.WithLabelValues("system").Inc()
	span.SetStatus(codes.Ok, "dual-level")
	c.log.Warn("🔒 System-level block applied", zap.String("device", dev.ID), zap.String("bus", dev.BusID))
	c.record(audit.KindBlockingApplied, dev, "system-level block applied", map[string]any{"layer": "system", "bus": dev.BusID})
}

// degrade 系统层失败只降级为仅应用层阻断, 不重试
func (c *Coordinator) degrade(span trace.Span, dev *model.Device, reason string, err error) {
	telemetry.SystemBlockFailures.WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	c.log.Warn("⚠️ System-level block not applied, application-level only",
		zap.String("device", dev.ID),
		zap.String("reason", reason),
		zap.Error(err))
	c.record(audit.KindBlockingDegraded, dev, "system-level block not applied", map[string]any{"reason": reason, "error": err.Error()})
}

func (c *Coordinator) record(kind audit.Kind, dev *model.Device, msg string, fields map[string]any) {
	c.sink.Record(audit.Entry{
		Kind:      kind,
		SessionID: c.sessionID,
		DeviceID:  dev.ID,
		Message:   msg,
		Fields:    fields,
	})
}

// Status 只用于展示, 不用于任何后续决策
func (c *Coordinator) Status(dev *model.Device) BlockingStatus {
	st := dev.State()
	return BlockingStatus{
		ApplicationLevelBlocked: st.Status == model.AccessBlocked,
		SystemLevelBlocked:      st.SystemBlocked,
		Applied:                 c.applied.Load(),
		ThreatCount:             int(c.threats.Load()),
	}
}

// Applied 阻断是否已被触发
func (c *Coordinator) Applied() bool { return c.applied.Load() }

// Done 阻断序列 (含系统层尝试) 结束时关闭; 未触发时永不关闭
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// finished 已触发且已结束
func (c *Coordinator) finished() bool {
	if !c.applied.Load() {
		return false
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
