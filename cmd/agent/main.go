package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hara602/usbResponder/internal/api"
	"github.com/Hara602/usbResponder/internal/audit"
	"github.com/Hara602/usbResponder/internal/blackwhitelist"
	"github.com/Hara602/usbResponder/internal/config"
	"github.com/Hara602/usbResponder/internal/enforcer"
	"github.com/Hara602/usbResponder/internal/manager"
	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/monitor"
	"github.com/Hara602/usbResponder/internal/scanner"
	"github.com/Hara602/usbResponder/internal/sysutil"
	"github.com/Hara602/usbResponder/internal/telemetry"
	"github.com/Hara602/usbResponder/internal/watcher"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// 初始化日志
	if err := sysutil.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer sysutil.Log.Sync()

	// Netlink / Fanotify / sysfs 都需要 Root 权限
	if os.Geteuid() != 0 {
		sysutil.LogSugar.Fatal("Must run as root (required by Netlink/Fanotify/sysfs).")
	}

	sysutil.Log.Info("🛡️ USB Sentry Agent Starting...", zap.String("version", version))

	telemetry.InitMetrics()
	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Trace {
		if shutdownTracer, err = telemetry.InitTracer(os.Stderr, version); err != nil {
			sysutil.Log.Fatal("Tracer init failed", zap.Error(err))
		}
	}

	db, err := blackwhitelist.Open(cfg.DBPath)
	if err != nil {
		sysutil.Log.Fatal("Database init failed", zap.String("path", cfg.DBPath), zap.Error(err))
	}

	sys := enforcer.NewSysfs(cfg.SysfsRoot, cfg.SystemBlockTimeout)
	if !sys.IsAvailable(context.Background()) {
		sysutil.Log.Warn("⚠️ System-level blocking unavailable, only application-level blocking will be applied", zap.String("root", cfg.SysfsRoot))
	}

	// 文件监控失败时降级为只做插入时扫描
	var fileEvents <-chan model.FileEvent
	var watches manager.WatchRegistry
	fileMon, err := monitor.New()
	if err != nil {
		sysutil.Log.Warn("File monitor unavailable", zap.Error(err))
	} else {
		fileMon.Start()
		defer fileMon.Stop()
		fileEvents = fileMon.Events()
		watches = fileMon
	}

	mgr := manager.New(manager.Options{
		Timing:  cfg.Timing(),
		System:  sys,
		Sink:    audit.NewZapSink(sysutil.Log.Named("audit")),
		Scanner: scanner.New(scanner.Options{Workers: cfg.ScanWorkers, MaxFileBytes: cfg.MaxFileBytes}, sysutil.Log),
		Store:   db,
		Watches: watches,
		Logger:  sysutil.Log,
	})

	var srv *api.Server
	if cfg.Addr != "" {
		srv = api.NewServer(cfg.Addr, mgr, sysutil.Log)
		srv.Start()
	}

	devWatcher := watcher.New()
	usbEvents, err := devWatcher.Start()
	if err != nil {
		sysutil.Log.Fatal("Watcher init failed", zap.Error(err))
	}
	defer devWatcher.Stop()

	// 捕获操作系统信号, 优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Run(ctx, usbEvents, fileEvents)
	sysutil.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs error
	if srv != nil {
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = multierr.Append(errs, mgr.Shutdown(shutdownCtx))
	errs = multierr.Append(errs, shutdownTracer(shutdownCtx))
	errs = multierr.Append(errs, db.Close())
	if errs != nil {
		sysutil.Log.Error("Shutdown completed with errors", zap.Errors("errors", multierr.Errors(errs)))
		return
	}
	sysutil.Log.Info("👋 Agent stopped")
}
