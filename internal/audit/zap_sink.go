package audit

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink 通过 zap 输出结构化安全日志
type ZapSink struct {
	log      *zap.Logger
	fallback *zap.Logger // 主日志链路失败时写 stderr
}

func NewZapSink(log *zap.Logger) *ZapSink {
	fallback := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.ErrorLevel,
	))
	return &ZapSink{log: log.Named("security"), fallback: fallback}
}

func (s *ZapSink) Record(e Entry) {
	// 日志失败与决策隔离
	defer func() {
		if r := recover(); r != nil {
			s.fallback.Error("security log failure",
				zap.String("kind", string(e.Kind)),
				zap.String("session", e.SessionID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	fields := make([]zap.Field, 0, len(e.Fields)+4)
	fields = append(fields,
		zap.String("kind", string(e.Kind)),
		zap.String("session", e.SessionID),
		zap.String("device", e.DeviceID),
		zap.Time("at", e.Time),
	)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Fields[k]))
	}

	s.log.Log(levelFor(e.Kind), e.Message, fields...)
}

func levelFor(k Kind) zapcore.Level {
	switch k {
	case KindError:
		return zapcore.ErrorLevel
	case KindBlockingApplied, KindBlockingDegraded, KindManualBlock:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// Safe 包装任意 Sink, 吞掉其 panic
func Safe(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return safeSink{inner: s}
}

type safeSink struct{ inner Sink }

func (s safeSink) Record(e Entry) {
	defer func() { _ = recover() }()
	s.inner.Record(e)
}

// Nop 丢弃所有日志
type Nop struct{}

func (Nop) Record(Entry) {}
