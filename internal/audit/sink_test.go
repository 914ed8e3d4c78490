package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type panicSink struct{}

func (panicSink) Record(Entry) { panic("disk full") }

func TestSafe_SwallowsPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Safe(panicSink{}).Record(Entry{Kind: KindError})
	})
	assert.NotPanics(t, func() {
		Safe(nil).Record(Entry{Kind: KindError})
	})
}

func TestZapSink_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))

	sink.Record(Entry{Kind: KindDialogOpened, SessionID: "s1", DeviceID: "d1", Message: "opened"})
	sink.Record(Entry{Kind: KindBlockingApplied, Message: "blocked", Fields: map[string]any{"layer": "application"}})
	sink.Record(Entry{Kind: KindError, Message: "boom"})

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		assert.Equal(t, "s1", entries[0].ContextMap()["session"])
		assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
		assert.Equal(t, "application", entries[1].ContextMap()["layer"])
		assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	}
}

// panicCore 模拟写入时崩溃的日志后端
type panicCore struct{ zapcore.LevelEnabler }

func (c panicCore) With([]zapcore.Field) zapcore.Core { return c }
func (c panicCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(e, c)
}
func (panicCore) Write(zapcore.Entry, []zapcore.Field) error { panic("encoder exploded") }
func (panicCore) Sync() error                                { return nil }

func TestZapSink_PanicGoesToFallback(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(panicCore{zapcore.DebugLevel}))
	sink.fallback = zap.New(core)

	assert.NotPanics(t, func() {
		sink.Record(Entry{Kind: KindBlockingApplied, SessionID: "s1", Message: "blocked"})
	})
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "security log failure", entries[0].Message)
		assert.Equal(t, "encoder exploded", entries[0].ContextMap()["panic"])
		assert.Equal(t, "s1", entries[0].ContextMap()["session"])
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	s.Record(Entry{Kind: KindCountdownStarted})
	s.Record(Entry{Kind: KindCountdownStarted})
	s.Record(Entry{Kind: KindError})

	assert.Equal(t, 2, s.Count(KindCountdownStarted))
	assert.Len(t, s.Entries(), 3)
}
