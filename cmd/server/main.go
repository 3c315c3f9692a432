package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nebula/panelterm/internal/api"
	"github.com/nebula/panelterm/internal/config"
	"github.com/nebula/panelterm/internal/external"
	"github.com/nebula/panelterm/internal/helper"
	"github.com/nebula/panelterm/internal/logging"
	"github.com/nebula/panelterm/internal/metrics"
	"github.com/nebula/panelterm/internal/process"
	"github.com/nebula/panelterm/internal/settings"
	"github.com/nebula/panelterm/internal/storage"
	"github.com/nebula/panelterm/internal/terminal"
	"github.com/nebula/panelterm/internal/websocket"
	"github.com/nebula/panelterm/internal/workspace"
	"github.com/nebula/panelterm/web"
	"go.uber.org/zap"
)

var version = "dev"

const pruneInterval = time.Hour

// @title panelterm API
// @version 1.0
// @description Embedded terminal panels over websockets
// @host localhost:8080
// @BasePath /api/v1
func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// bootstrap logger until the configured one is known
	log := logging.Must(logging.Config{Level: os.Getenv("PANELTERM_LOGGING_LEVEL"), Format: "console"})

	configPath := os.Getenv("PANELTERM_CONFIG")

	// a first pass without storage tells us where the database lives
	boot, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load configuration", zap.Error(err))
		return err
	}

	// Initialize storage first (needed for config overrides)
	store, err := storage.New(boot.Storage.Path)
	if err != nil {
		log.Warn("storage unavailable, settings and session records will not persist", zap.Error(err))
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	cfg, err := config.NewManager(configPath, store, log)
	if err != nil {
		log.Error("failed to load configuration", zap.Error(err))
		return err
	}
	appConfig := cfg.Get()

	if l, err := logging.New(logging.Config{Level: appConfig.Logging.Level, Format: appConfig.Logging.Format}); err == nil {
		log = l
	} else {
		log.Warn("invalid logging configuration, keeping defaults", zap.Error(err))
	}
	defer log.Sync()
	log.Info("starting panelterm", zap.String("version", version))

	helperPath := installHelper(appConfig.Terminal, log)

	m := metrics.New()
	procs := process.NewManager()
	launcher := terminal.NewLauncher(terminal.LauncherConfig{
		HelperPath: helperPath,
		HelperArgs: appConfig.Terminal.HelperArgs,
		Term:       appConfig.Terminal.Term,
	}, procs, log)

	upgrader := websocket.NewUpgrader(api.CheckOrigin(appConfig.Server.AllowedOrigins))
	hub := websocket.NewHub(upgrader, log)
	relay := api.NewStatusRelay(hub, store, log)

	var terminalManager *terminal.Manager
	settingsStore, err := settings.NewStore(store, func(shell string) bool {
		return terminalManager.IsShellAllowed(shell)
	}, log)
	if err != nil {
		log.Error("failed to load settings", zap.Error(err))
		return err
	}

	workspaceRoot := func() (*workspace.Root, error) {
		return workspace.New(cfg.Get().Terminal.WorkingDir)
	}
	sessionConfig := func() terminal.SessionConfig {
		current := cfg.Get()
		dir := current.Terminal.WorkingDir
		if root, err := workspaceRoot(); err == nil {
			dir = root.Path()
		} else {
			// the launcher reports the bad directory to the panel
			log.Warn("workspace unavailable", zap.Error(err))
		}
		s := settingsStore.Get()
		if s.DefaultShell == "" {
			s.DefaultShell = terminalManager.GetDefaultShell()
		}
		return s.SessionConfig(dir, current.Terminal.EnvMap())
	}

	terminalManager = terminal.NewManager(terminal.ManagerConfig{
		MaxPanels:     appConfig.Terminal.MaxPanels,
		AllowedShells: appConfig.Terminal.AllowedShells,
		DefaultShell:  appConfig.Terminal.DefaultShell,
	}, terminal.Options{
		Starter:         launcher,
		Config:          sessionConfig,
		Delays:          terminalDelays(appConfig.Terminal),
		ScrollbarMargin: appConfig.Terminal.ScrollbarMargin,
		Logger:          log,
		Metrics:         m,
		OnStatus:        relay.HandleStatus,
		OnSessionEnd:    relay.HandleSessionEnd,
	})

	if err := m.WatchSessions(func() []metrics.Target {
		var targets []metrics.Target
		for _, info := range terminalManager.List() {
			if info.Pid > 0 && info.Exit == nil {
				targets = append(targets, metrics.Target{Panel: info.ID, Pid: info.Pid})
			}
		}
		return targets
	}); err != nil {
		log.Warn("session collector not registered", zap.Error(err))
	}

	// Create router
	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Storage:   store,
		Terminal:  terminalManager,
		Processes: procs,
		Settings:  settingsStore,
		External:  external.New(log),
		Workspace: workspaceRoot,
		Upgrader:  upgrader,
		Hub:       hub,
		Relay:     relay,
		Metrics:   m,
		Logger:    log,
		Version:   version,
	})

	// Register static files
	web.RegisterStaticRoutes(router.Engine())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	if store != nil {
		go pruneSessions(ctx, store, appConfig.Storage.SessionRetention, log)
	}

	cfg.OnReload(func(c *config.Config) {
		reloadTerminal(c.Terminal, launcher, terminalManager, log)
		log.Info("configuration reloaded; helper and shell settings apply to the next session start, delays to panels opened afterwards; server, storage and auth changes need a restart")
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         appConfig.Address(),
		Handler:      router.Engine(),
		ReadTimeout:  appConfig.Server.ReadTimeout,
		WriteTimeout: appConfig.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("url", "http://"+appConfig.Address()),
			zap.String("swagger", "http://"+appConfig.Address()+"/swagger/index.html"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case err := <-serveErr:
			log.Error("server error", zap.Error(err))
			_ = terminalManager.Close()
			return err
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				log.Info("reloading configuration")
				if err := cfg.Reload(); err != nil {
					log.Warn("failed to reload config", zap.Error(err))
				}
				continue
			}
			log.Info("received signal", zap.String("signal", sig.String()))
			break wait
		}
	}

	// Graceful shutdown
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Close terminal panels first so every helper is reaped
	if err := terminalManager.Close(); err != nil {
		log.Warn("panels closed with errors", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	cancel()

	log.Info("server stopped")
	return nil
}

// installHelper resolves the PTY helper and, when a source is configured,
// refreshes it before any panel starts.
// reloadTerminal applies the terminal section of a reloaded configuration.
// The helper is not reinstalled; a changed helper_path is only resolved.
func reloadTerminal(tc config.TerminalConfig, launcher *terminal.Launcher, mgr *terminal.Manager, log *zap.Logger) {
	lc := launcher.Config()
	lc.HelperArgs = tc.HelperArgs
	lc.Term = tc.Term
	if path, err := helper.Locate(tc.HelperPath); err == nil {
		lc.HelperPath = path
	} else {
		log.Warn("reloaded pty helper path not found, keeping previous", zap.String("helper", tc.HelperPath), zap.Error(err))
	}
	launcher.Reconfigure(lc)

	mgr.Reconfigure(terminal.ManagerConfig{
		MaxPanels:     tc.MaxPanels,
		AllowedShells: tc.AllowedShells,
		DefaultShell:  tc.DefaultShell,
	}, terminalDelays(tc), tc.ScrollbarMargin)
}

func terminalDelays(tc config.TerminalConfig) terminal.Delays {
	return terminal.Delays{
		Mount:         tc.MountDelay,
		InitialResize: tc.InitialResizeDelay,
		Layout:        tc.LayoutDelay,
		Settle:        tc.SettleDelay,
		EchoClear:     tc.EchoClearDelay,
	}
}

func installHelper(tc config.TerminalConfig, log *zap.Logger) string {
	path, err := helper.Locate(tc.HelperPath)
	if tc.HelperSource == "" {
		if err != nil {
			// every panel will show the spawn failure
			log.Warn("pty helper not found", zap.String("helper", tc.HelperPath), zap.Error(err))
			return tc.HelperPath
		}
		return path
	}

	if err != nil {
		path = tc.HelperPath
		if !filepath.IsAbs(path) {
			if exe, exeErr := os.Executable(); exeErr == nil {
				path = filepath.Join(filepath.Dir(exe), filepath.Base(tc.HelperPath))
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := helper.Install(ctx, tc.HelperSource, path, log)
	if err != nil {
		log.Error("pty helper install failed", zap.String("source", tc.HelperSource), zap.Error(err))
		return path
	}
	if !res.Changed {
		log.Debug("pty helper up to date", zap.String("path", res.Path))
	}
	return res.Path
}

func pruneSessions(ctx context.Context, store *storage.Storage, retention time.Duration, log *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if n, err := store.PruneTerminalSessions(retention); err != nil {
			log.Warn("failed to prune session records", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned session records", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
