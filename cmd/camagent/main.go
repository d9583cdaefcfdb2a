package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/camagent/internal/api"
	"github.com/yourusername/camagent/internal/breaker"
	"github.com/yourusername/camagent/internal/camera"
	"github.com/yourusername/camagent/internal/capture"
	"github.com/yourusername/camagent/internal/config"
	"github.com/yourusername/camagent/internal/device"
	"github.com/yourusername/camagent/internal/mediamtx"
	"github.com/yourusername/camagent/internal/recording"
	"github.com/yourusername/camagent/internal/snapshot"
	"github.com/yourusername/camagent/pkg/logger"
)

const (
	defaultConfigPath = "configs/config.yaml"
	version           = "0.1.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Camera Orchestration Agent v%s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting camera orchestration agent",
		zap.String("version", version),
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
	)

	log.Info("Agent configuration",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Bool("production", cfg.Server.Production),
		zap.String("mediamtx_api", cfg.MediaMTX.APIURL),
		zap.String("device_dir", cfg.Device.DeviceDir),
	)

	app := initializeApplication(cfg, log)
	defer app.cleanup()

	log.Info("All components initialized successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("Agent is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	log.Info("Received shutdown signal",
		zap.String("signal", sig.String()),
	)
}

// Application wires the agent's components together.
type Application struct {
	logger     *zap.Logger
	monitor    *device.Monitor
	pushSource *device.PushSource
	recorder   *recording.Manager
	apiServer  *api.Server
}

func initializeApplication(cfg *config.Config, log *zap.Logger) *Application {
	app := &Application{logger: log}

	// Remote media server access: one circuit breaker guarding one client.
	brk := breaker.New("mediamtx", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    time.Duration(cfg.Breaker.FailureWindowSec) * time.Second,
		CoolDown:         time.Duration(cfg.Breaker.CoolDownSec) * time.Second,
	}, log)

	client := mediamtx.NewClient(cfg.MediaMTX.APIURL, brk, log)
	paths := mediamtx.NewPathManager(client, mediamtx.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		Jitter:      cfg.Retry.Jitter,
	}, log)

	app.recorder = recording.NewManager(paths,
		time.Duration(cfg.MediaMTX.RecordTimeoutSec)*time.Second, log)

	runner := capture.NewShellRunner(log)
	prober := snapshot.NewRTSPProber(cfg.MediaMTX.RTSPURL, log)
	selector := snapshot.NewSelector(runner, paths, prober, snapshot.Config{
		OutputDir:        cfg.Snapshot.OutputDir,
		RTSPBaseURL:      cfg.MediaMTX.RTSPURL,
		DirectTimeout:    time.Duration(cfg.Snapshot.DirectTimeoutSec) * time.Second,
		TranscodeTimeout: time.Duration(cfg.Snapshot.TranscodeTimeoutSec) * time.Second,
		StreamTimeout:    time.Duration(cfg.Snapshot.StreamTimeoutSec) * time.Second,
		OnDemandTimeout:  time.Duration(cfg.Snapshot.OnDemandTimeoutSec) * time.Second,
		DirectCommand:    cfg.Snapshot.DirectCommand,
		TranscodeCommand: cfg.Snapshot.TranscodeCommand,
		StreamCommand:    cfg.Snapshot.StreamCommand,
	}, log)

	registry := device.NewRegistry(log)
	controller := camera.NewController(registry, app.recorder, selector, camera.Config{
		PublishCommand:    cfg.Recording.PublishCommand,
		RTSPBaseURL:       cfg.MediaMTX.RTSPURL,
		RecordPathPattern: cfg.Recording.PathPattern,
		RecordFormat:      cfg.Recording.Format,
		RecordTimeout:     time.Duration(cfg.MediaMTX.RecordTimeoutSec) * time.Second,
		SnapshotTimeout:   time.Duration(cfg.MediaMTX.SnapshotTimeoutSec) * time.Second,
		StatusTimeout:     time.Duration(cfg.MediaMTX.PathTimeoutSec) * time.Second,
	}, log)

	app.monitor = device.NewMonitor(registry, controller, device.MonitorConfig{
		DebounceWindow: time.Duration(cfg.Device.DebounceMs) * time.Millisecond,
		ScanInterval:   time.Duration(cfg.Device.ScanIntervalSec) * time.Second,
		Scanner: device.DirScanner{
			Dir:    cfg.Device.DeviceDir,
			Prefix: cfg.Device.DevicePrefix,
		},
	}, log)
	app.monitor.Start()
	log.Info("Device monitor started")

	if cfg.Device.EventSourceURL != "" {
		app.pushSource = device.NewPushSource(cfg.Device.EventSourceURL, app.monitor, log)
		app.pushSource.Start()
		log.Info("Device push source started",
			zap.String("url", cfg.Device.EventSourceURL),
		)
	}

	app.apiServer = api.NewServer(api.ServerConfig{
		Port:       cfg.Server.HTTPPort,
		Production: cfg.Server.Production,
		Logger:     log,
		Controller: controller,
	})
	if err := app.apiServer.Start(); err != nil {
		log.Fatal("Failed to start API server", zap.Error(err))
	}
	log.Info("API server started")

	return app
}

// cleanup releases application resources in dependency order.
func (app *Application) cleanup() {
	app.logger.Info("Cleaning up application resources")

	if app.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.apiServer.Stop(ctx); err != nil {
			app.logger.Error("API server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if app.pushSource != nil {
		app.pushSource.Stop()
	}

	if app.monitor != nil {
		app.monitor.Stop()
	}

	if app.recorder != nil {
		app.recorder.Shutdown()
	}

	app.logger.Info("Cleanup completed")
}
