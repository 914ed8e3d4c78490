package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/usbResponder/internal/audit"
	"github.com/Hara602/usbResponder/internal/blackwhitelist"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/response"
	"github.com/Hara602/usbResponder/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

type fakeSystem struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSystem) IsAvailable(context.Context) bool { return true }

func (f *fakeSystem) BlockByIdentifier(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true, nil
}

func (f *fakeSystem) blocked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeWatches struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (f *fakeWatches) AddWatch(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, p)
	return nil
}

func (f *fakeWatches) RemoveWatch(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, p)
}

type harness struct {
	m       *Manager
	db      *blackwhitelist.DB
	sys     *fakeSystem
	watches *fakeWatches
	sink    *audit.MemorySink
}

func fastTiming() response.Timing {
	return response.Timing{
		LiveUpdatePeriod:    5 * time.Millisecond,
		CountdownPeriod:     5 * time.Millisecond,
		ThreatCountdown:     3,
		CleanCountdown:      2,
		IncompleteCountdown: 2,
		ScanTimeout:         5 * time.Second,
	}
}

func newHarness(t *testing.T, timing response.Timing) *harness {
	t.Helper()
	db, err := blackwhitelist.Open(filepath.Join(t.TempDir(), "sentry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, sys: &fakeSystem{}, watches: &fakeWatches{}, sink: audit.NewMemorySink()}
	log := zaptest.NewLogger(t)
	h.m = New(Options{
		Timing:  timing,
		System:  h.sys,
		Sink:    h.sink,
		Scanner: scanner.New(scanner.Options{Workers: 2}, log),
		Store:   db,
		Watches: h.watches,
		Logger:  log,
	})
	return h
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))
}

func usbEvent(t *testing.T, serial string, files map[string]string) model.USBEvent {
	t.Helper()
	mount := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(mount, name), []byte(content), 0o644))
	}
	return model.USBEvent{
		Action:     "add",
		DevicePath: "/dev/sdz1",
		MountPoint: mount,
		BusID:      "1-1",
		VendorID:   "0781",
		ProductID:  "5567",
		Serial:     serial,
		Product:    "Cruzer Blade",
		DeviceType: "udisk",
		TimeStamp:  time.Now(),
	}
}

func waitDone(t *testing.T, s *response.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestManager_CleanDeviceAllowed(t *testing.T) {
	h := newHarness(t, fastTiming())
	ev := usbEvent(t, "4C530001", map[string]string{"notes.txt": "hello"})

	s, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	waitDone(t, s)
	h.shutdown(t)

	d, ok := s.FinalDisposition()
	require.True(t, ok)
	assert.Equal(t, response.DispositionAllowed, d)
	assert.Empty(t, h.sys.blocked())

	rec, err := h.db.LoadDevice(context.Background(), ev.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, "allowed", rec.Disposition)
	assert.Equal(t, model.AccessActive, rec.State.Status)

	blocked, _ := h.db.IsBlocked(context.Background(), ev.VendorID, ev.ProductID, ev.Serial)
	assert.False(t, blocked)
	assert.Equal(t, []string{ev.MountPoint}, h.watches.added)
	assert.Equal(t, []string{ev.MountPoint}, h.watches.removed)
}

func TestManager_MaliciousDeviceBlockedAndBlacklisted(t *testing.T) {
	h := newHarness(t, fastTiming())
	ev := usbEvent(t, "4C530002", map[string]string{"eicar.com": eicar})

	s, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	waitDone(t, s)
	h.shutdown(t)

	d, _ := s.FinalDisposition()
	assert.Equal(t, response.DispositionBlocked, d)
	assert.Equal(t, []string{"1-1"}, h.sys.blocked())
	assert.Equal(t, "dual-level", s.CurrentStatus().Layers())

	rec, err := h.db.LoadDevice(context.Background(), ev.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, "blocked", rec.Disposition)
	assert.Equal(t, model.AccessBlocked, rec.State.Status)
	assert.True(t, rec.State.SystemBlocked)
	assert.False(t, rec.State.QuarantinedAt.IsZero())

	blocked, _ := h.db.IsBlocked(context.Background(), ev.VendorID, ev.ProductID, ev.Serial)
	assert.True(t, blocked)
}

func TestManager_BlacklistedDeviceSkipsScan(t *testing.T) {
	h := newHarness(t, fastTiming())
	ev := usbEvent(t, "", map[string]string{"notes.txt": "hello"})

	s, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	waitDone(t, s)
	h.shutdown(t)

	d, _ := s.FinalDisposition()
	assert.Equal(t, response.DispositionBlocked, d)
	assert.Equal(t, 1, s.Snapshot().Counts.Critical)
	assert.Empty(t, h.watches.added)
}

func TestManager_ReconnectKeepsQuarantineTime(t *testing.T) {
	h := newHarness(t, fastTiming())
	ev := usbEvent(t, "4C530003", map[string]string{"eicar.com": eicar})

	first, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	waitDone(t, first)
	require.Eventually(t, func() bool {
		_, err := h.db.LoadDevice(context.Background(), ev.DeviceID())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	rec, err := h.db.LoadDevice(context.Background(), ev.DeviceID())
	require.NoError(t, err)

	second, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	waitDone(t, second)
	h.shutdown(t)

	d, _ := second.FinalDisposition()
	assert.Equal(t, response.DispositionBlocked, d)
	assert.True(t, second.Device().State().QuarantinedAt.Equal(rec.State.QuarantinedAt))
}

func TestManager_RemoveWhileObservingLeavesRecordUntouched(t *testing.T) {
	timing := fastTiming()
	timing.LiveUpdatePeriod = time.Hour
	timing.ScanTimeout = time.Hour
	h := newHarness(t, timing)
	ev := usbEvent(t, "4C530004", nil)

	s, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	h.m.HandleRemove(ev.DevicePath)
	waitDone(t, s)
	h.shutdown(t)

	d, _ := s.FinalDisposition()
	assert.Equal(t, response.DispositionBlocked, d)
	assert.False(t, s.CurrentStatus().Applied)
	assert.Empty(t, h.sys.blocked())

	_, err = h.db.LoadDevice(context.Background(), ev.DeviceID())
	assert.ErrorIs(t, err, blackwhitelist.ErrNotFound)
}

func TestManager_RemoveMidScanIsNotAScanFailure(t *testing.T) {
	timing := fastTiming()
	timing.LiveUpdatePeriod = time.Millisecond

	for i := 0; i < 5; i++ {
		h := newHarness(t, timing)
		files := make(map[string]string, 2000)
		for j := 0; j < 2000; j++ {
			files[fmt.Sprintf("doc%04d.txt", j)] = "quarterly report"
		}
		ev := usbEvent(t, fmt.Sprintf("4C5301%02d", i), files)

		s, err := h.m.HandleAdd(ev)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return s.Snapshot().FilesScanned > 0 || s.State() != response.StateObserving
		}, 5*time.Second, time.Millisecond)

		h.m.HandleRemove(ev.DevicePath)
		waitDone(t, s)
		h.shutdown(t)

		assert.False(t, s.CurrentStatus().Applied, "run %d", i)
		assert.Empty(t, h.sys.blocked(), "run %d", i)
		blocked, _ := h.db.IsBlocked(context.Background(), ev.VendorID, ev.ProductID, ev.Serial)
		assert.False(t, blocked, "run %d", i)
	}
}

func TestManager_DuplicateAddIsIgnored(t *testing.T) {
	timing := fastTiming()
	timing.LiveUpdatePeriod = time.Hour
	timing.ScanTimeout = time.Hour
	h := newHarness(t, timing)
	ev := usbEvent(t, "4C530005", nil)

	a, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	b, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, h.m.Sessions(), 1)

	h.shutdown(t)
	waitDone(t, a)
}

func TestManager_ManualBlock(t *testing.T) {
	timing := fastTiming()
	timing.ThreatCountdown = 10000
	h := newHarness(t, timing)
	ev := usbEvent(t, "4C530006", map[string]string{"eicar.com": eicar})

	s, err := h.m.HandleAdd(ev)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == response.StateThreatsFound }, 5*time.Second, 5*time.Millisecond)

	ok, err := h.m.ManualBlock(context.Background(), s.ID())
	require.NoError(t, err)
	assert.True(t, ok)
	waitDone(t, s)

	_, err = h.m.ManualBlock(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, found := h.m.Session(s.ID())
	require.True(t, found)
	assert.Same(t, s, got)
	h.shutdown(t)
	assert.Equal(t, 1, h.sink.Count(audit.KindManualBlock))
}

func idleSession(t *testing.T) *response.Session {
	t.Helper()
	dev := model.NewDevice(model.USBEvent{VendorID: "0781", ProductID: "5567", Serial: "X"})
	s, err := response.NewSession(response.Config{
		Device:      dev,
		Coordinator: response.NewCoordinator(nil, nil, nil, nil),
	})
	require.NoError(t, err)
	return s
}

func TestManager_HistoryEvictsPastRunningSession(t *testing.T) {
	h := newHarness(t, fastTiming())
	running := idleSession(t)
	h.m.mu.Lock()
	h.m.remember(running)
	h.m.mu.Unlock()

	// 已取消的 ctx 让会话立即在观察阶段关闭
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < historySize+10; i++ {
		s := idleSession(t)
		s.Run(ctx)
		h.m.mu.Lock()
		h.m.remember(s)
		h.m.mu.Unlock()
	}

	assert.Len(t, h.m.history, historySize)
	assert.Len(t, h.m.sessions, historySize)
	_, ok := h.m.Session(running.ID())
	assert.True(t, ok)
}

func TestManager_HandleFileEvent(t *testing.T) {
	h := newHarness(t, fastTiming())
	mount := t.TempDir()
	payload := filepath.Join(mount, "dropper.com")
	require.NoError(t, os.WriteFile(payload, []byte(eicar), 0o644))

	s := idleSession(t)
	feed := scanner.NewFeed()
	h.m.active["/dev/sdz1"] = &entry{session: s, feed: feed, devPath: "/dev/sdz1", mount: mount, cancelScan: func() {}}

	ev := model.FileEvent{MountPath: mount, FilePath: payload, Operation: "CREATE"}
	h.m.HandleFileEvent(ev)
	assert.Empty(t, feed.CurrentResult().Findings)

	ev.Operation = "CLOSE_WRITE"
	h.m.HandleFileEvent(ev)
	h.m.HandleFileEvent(ev)
	res := feed.CurrentResult()
	require.Len(t, res.Findings, 1)
	assert.Equal(t, model.SeverityCritical, res.Findings[0].Severity)

	h.m.HandleFileEvent(model.FileEvent{MountPath: "/elsewhere", FilePath: payload, Operation: "CLOSE_WRITE"})
	assert.Len(t, feed.CurrentResult().Findings, 1)
}

func TestManager_RunDispatchesEvents(t *testing.T) {
	h := newHarness(t, fastTiming())
	devices := make(chan model.USBEvent, 1)
	files := make(chan model.FileEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx, devices, files)
		close(done)
	}()

	ev := usbEvent(t, "4C530007", nil)
	devices <- ev
	require.Eventually(t, func() bool { return len(h.m.Sessions()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	h.shutdown(t)

	_, err := h.m.HandleAdd(ev)
	assert.Error(t, err)
}
