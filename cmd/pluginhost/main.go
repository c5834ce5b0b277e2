// Command pluginhost is a smoke-test composition root wiring the plugin
// lifecycle manager, update manager, file watcher, and hot reload
// orchestrator together. It is not part of the core's tested surface (see
// SPEC_FULL.md §6) — a thin entry point for exercising the stack by hand.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kitakeyos/pluginhost/internal/logging"
	"github.com/kitakeyos/pluginhost/internal/plugin"
	"github.com/kitakeyos/pluginhost/internal/plugin/namespace"
	"github.com/kitakeyos/pluginhost/internal/plugin/reload"
	"github.com/kitakeyos/pluginhost/internal/plugin/update"
	"github.com/kitakeyos/pluginhost/internal/plugin/watch"
)

func main() {
	var (
		baseDir    = pflag.String("base-dir", "./pluginhost-data", "root directory for plugins, staging, updates, backups, and state")
		logFormat  = pflag.String("log-format", "json", "log format: json or text")
		watchAuto  = pflag.Bool("watch", true, "enable the file watcher and automatic hot reload")
		rescanSecs = pflag.Int("rescan-interval", 30, "periodic rescan interval, in seconds")
	)
	pflag.Parse()

	logging.SetDefault("pluginhost", "dev", *logFormat)
	logger := slog.Default()

	dirs := struct {
		plugins, staging, data, updates, backups, state string
	}{
		plugins: filepath.Join(*baseDir, "plugins"),
		staging: filepath.Join(*baseDir, "staging"),
		data:    filepath.Join(*baseDir, "data"),
		updates: filepath.Join(*baseDir, "updates"),
		backups: filepath.Join(*baseDir, "backups"),
		state:   filepath.Join(*baseDir, "state"),
	}
	for _, d := range []string{dirs.plugins, dirs.staging, dirs.data, dirs.updates, dirs.backups, dirs.state} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			logger.Error("failed to create directory", "dir", d, "error", err)
			os.Exit(1)
		}
	}

	updater := update.NewManager(update.Options{
		PluginsDir:              dirs.plugins,
		UpdatesDir:              dirs.updates,
		BackupsDir:              dirs.backups,
		CheckVersionConstraints: true,
		CreateBackups:           true,
		AutoCleanupBackups:      true,
		CleanupUpdateFiles:      true,
		MaxBackupAge:            30 * 24 * time.Hour,
	})

	manager := plugin.NewManager(plugin.ManagerConfig{
		PluginsDir: dirs.plugins,
		DataDir:    dirs.data,
		StagingDir: dirs.staging,
	}, []namespace.Factory{
		&namespace.WasmFactory{},
		&namespace.LuaFactory{},
		&namespace.BinaryFactory{},
	}, plugin.WithUpdater(updater))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.LoadAll(ctx); err != nil {
		logger.Error("initial load failed", "error", err)
	}

	orchestrator := reload.New(manager, reload.Config{
		StateDir:             dirs.state,
		BackupDir:            dirs.backups,
		MaxConcurrentReloads: 3,
	})
	defer orchestrator.Close()

	if *watchAuto {
		watcher, err := watch.New(watch.Config{
			Dir:            dirs.plugins,
			RescanInterval: time.Duration(*rescanSecs) * time.Second,
		}, func(bundlePath string) {
			name := filepath.Base(bundlePath)
			if meta, err := manager.Loader().LoadMetadata(bundlePath); err == nil {
				name = meta.Name
			}
			logger.Info("detected bundle change, queueing hot reload", "plugin", name, "path", bundlePath)
			orchestrator.QueueAutoReload(name)
		})
		if err != nil {
			logger.Error("failed to construct file watcher", "error", err)
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Error("failed to start file watcher", "error", err)
			os.Exit(1)
		}
		defer watcher.Stop()
		logger.Info("file watcher started", "dir", dirs.plugins)
	}

	logger.Info("pluginhost running", "plugins", manager.ListPlugins())
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
}
