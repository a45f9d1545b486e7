package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/droidmirror/backend/internal/config"
	"github.com/droidmirror/backend/internal/device"
	"github.com/droidmirror/backend/internal/metrics"
	"github.com/droidmirror/backend/internal/mirror"
	"github.com/droidmirror/backend/internal/mock"
	"github.com/droidmirror/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Simulate devices and mirror processes (no adb/scrcpy needed)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file at %s, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	var prober device.Prober
	var launcher mirror.Launcher
	if *mockMode {
		log.Println("Starting in mock mode (simulated devices)")
		prober = mock.NewProber()
		launcher = mock.NewLauncher()
	} else {
		log.Println("Starting in real mode (adb device polling)")
		prober = &device.AdbProber{Path: cfg.Adb.Path}
		launcher = &mirror.ScrcpyLauncher{
			Path:        cfg.Mirror.ScrcpyPath,
			DefaultArgs: cfg.Mirror.DefaultArgs,
		}

		if cfg.Mirror.SweepOrphans {
			if killed, err := mirror.SweepOrphans(cfg.Mirror.ScrcpyPath); err != nil {
				log.Printf("Orphan sweep failed: %v", err)
			} else if killed > 0 {
				log.Printf("Killed %d orphaned mirror process(es)", killed)
			}
		}
	}

	broadcaster := ws.NewBroadcaster(cfg.Events.SnapshotInterval, cfg.Events.ClientBuffer)
	registry := mirror.NewRegistry(launcher, broadcaster, cfg.Mirror.ExitPollInterval)
	watcher := device.NewWatcher(prober, broadcaster, cfg.Adb.PollInterval, cfg.Adb.HealthThreshold)

	broadcaster.SetSnapshotHook(func() ws.SnapshotPayload {
		return ws.SnapshotPayload{
			Devices:  watcher.Devices(),
			Sessions: registry.Snapshot(),
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)

	// Intervals are the only settings safe to apply on a live server, so
	// hot reload covers just those.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			watcher.SetInterval(next.Adb.PollInterval)
			registry.SetExitPollInterval(next.Mirror.ExitPollInterval)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("Config watch disabled: %v", err)
		}
	}()

	server := ws.NewServer(watcher, registry, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	mux.Handle("/metrics", metrics.Handler())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		// Stop every mirror process before the daemon exits; otherwise
		// they outlive us as orphans.
		registry.Shutdown()
		broadcaster.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
