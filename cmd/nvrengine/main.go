// Command nvrengine is the engine process entry point: it loads
// configuration, opens the catalog database, reconciles the assigned
// camera set, and starts the Stream Keeper, the Pruner, the Motion
// Engine, the Plugin Host, the restream manager, and the HTTP/WebSocket
// query surface, with a SIGINT/SIGTERM graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/revere-nvr/engine/internal/api"
	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/config"
	"github.com/revere-nvr/engine/internal/core"
	"github.com/revere-nvr/engine/internal/database"
	"github.com/revere-nvr/engine/internal/logging"
	"github.com/revere-nvr/engine/internal/motion"
	"github.com/revere-nvr/engine/internal/pluginhost"
	"github.com/revere-nvr/engine/internal/pruner"
	"github.com/revere-nvr/engine/internal/ringfile"
	"github.com/revere-nvr/engine/internal/storagefile"
	"github.com/revere-nvr/engine/internal/streaming"
	"github.com/revere-nvr/engine/internal/streamkeeper"
)

const defaultDataPath = "/data"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, logLevel))
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		slog.Error("failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	configPath := findConfigFile(dataPath)
	slog.Info("starting revere-nvr engine", "config_path", configPath, "data_path", dataPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			slog.Error("failed to create config directory", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(configPath, []byte("version: \"1.0\"\n"), 0644); err != nil {
			slog.Error("failed to seed default configuration", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Save(); err != nil {
		slog.Warn("failed to persist defaulted configuration", "error", err)
	}
	if err := cfg.Watch(); err != nil {
		slog.Warn("configuration hot-reload disabled", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := cfg.System.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataPath, "engine.db")
	}
	db, err := database.Open(&database.Config{Path: dbPath})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	cameras, err := camera.NewStore(ctx, db)
	if err != nil {
		slog.Error("failed to load camera store", "error", err)
		os.Exit(1)
	}
	reconcileCamerasFromConfig(ctx, cameras, cfg)

	eventBus, err := core.NewEventBus(core.DefaultEventBusConfig(), logger)
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	plugins := pluginhost.New()
	if err := plugins.LoadDir(cfg.Plugins.Directory); err != nil {
		slog.Warn("failed to load plugins", "directory", cfg.Plugins.Directory, "error", err)
	}
	defer plugins.Destroy(context.Background())
	defer plugins.Stop(context.Background())

	openRing := ringOpener(cfg)
	motionEngine := motion.New(func(cameraID string) (*ringfile.RingFile, error) {
		cam, err := cameras.Get(cameraID)
		if err != nil {
			return nil, err
		}
		return openRing(cam)
	}, plugins)

	go2rtc := streaming.NewGo2RTCManagerWithPort(
		filepath.Join(dataPath, "go2rtc.yaml"),
		getEnv("GO2RTC_BIN", "go2rtc"),
		cfg.System.RTSPPort,
	)
	if err := go2rtc.Start(ctx); err != nil {
		slog.Warn("restream manager failed to start", "error", err)
	}
	defer go2rtc.Stop()

	openStorage := storageOpener(cfg)
	keeper := streamkeeper.New(streamkeeper.Deps{
		Cameras:     cameras,
		OpenStorage: openStorage,
		Go2RTC:      go2rtc,
		Motion:      motionEngine,
		Plugins:     plugins,
		RetentionHrs: func(cam camera.Camera) int {
			if cam.MinContinuousRecordingHrs > 0 {
				return cam.MinContinuousRecordingHrs
			}
			return cfg.Pruning.DefaultMinContinuousRecordingHrs
		},
	})
	go keeper.Run(ctx)
	defer keeper.Stop()

	reclaimer := pruner.New(pruner.Deps{
		Cameras:     cameras,
		OpenStorage: openStorage,
		OpenRing:    openRing,
	})
	reclaimer.Start(ctx)
	defer reclaimer.Stop()

	server := api.NewServer(api.Deps{
		Cameras:     cameras,
		Keeper:      keeper,
		OpenStorage: openStorage,
		OpenRing:    openRing,
		EventBus:    eventBus,
		Logs:        logBuffer,
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.System.HTTPPort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

// storageOpener builds a Storage File opener that allocates the file on
// first use, using each camera's per-camera overrides where set and the
// configured defaults otherwise.
func storageOpener(cfg *config.Config) streamkeeper.StorageOpener {
	return func(cam camera.Camera) (*storagefile.StorageFile, error) {
		path := cam.StoragePath
		if path == "" {
			path = filepath.Join(cfg.Storage.RootPath, cam.ID+cfg.Storage.RecordExtension)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			blockSize := cam.BlockSize
			if blockSize == 0 {
				blockSize = cfg.Storage.DefaultBlockSize
			}
			blockCount := cam.BlockCount
			if blockCount == 0 {
				blockCount = cfg.Storage.DefaultBlockCount
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			if err := storagefile.Allocate(path, blockSize, blockCount); err != nil {
				return nil, err
			}
		}
		return storagefile.Open(path)
	}
}

// ringOpener builds a motion Ring File opener, allocating on first use.
func ringOpener(cfg *config.Config) func(cam camera.Camera) (*ringfile.RingFile, error) {
	return func(cam camera.Camera) (*ringfile.RingFile, error) {
		if !cam.MotionEnabled {
			return nil, nil
		}
		path := cam.MotionStoragePath
		if path == "" {
			path = filepath.Join(cfg.Storage.RootPath, cam.ID+cfg.Storage.RingExtension)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			if err := ringfile.Allocate(path, 1, 86400); err != nil {
				return nil, err
			}
		}
		return ringfile.Open(path)
	}
}

// reconcileCamerasFromConfig creates and assigns any camera named in the
// configuration file that the store doesn't already know about. Once a
// camera exists in the store, its id is authoritative; the assignment UI
// and the store itself own further mutation.
func reconcileCamerasFromConfig(ctx context.Context, store *camera.Store, cfg *config.Config) {
	known := make(map[string]bool)
	for _, cam := range store.List() {
		known[cam.ID] = true
	}
	for _, cc := range cfg.Cameras {
		if !cc.Enabled || known[cc.ID] {
			continue
		}
		cam, err := store.Create(ctx, camera.Camera{
			ID:                        cc.ID,
			DisplayName:               cc.Name,
			RTSPURL:                   cc.RTSPURL,
			Username:                  cc.Username,
			Password:                  cc.Password,
			MotionEnabled:             cc.MotionEnabled,
			MotionPruningEnabled:      cc.MotionPruningEnabled,
			MinContinuousRecordingHrs: cc.MinContinuousRecordingHrs,
		})
		if err != nil {
			slog.Warn("failed to create configured camera", "camera", cc.ID, "error", err)
			continue
		}
		blockSize := cc.StorageBlockSize
		if blockSize == 0 {
			blockSize = cfg.Storage.DefaultBlockSize
		}
		blockCount := cc.StorageBlockCount
		if blockCount == 0 {
			blockCount = cfg.Storage.DefaultBlockCount
		}
		storagePath := filepath.Join(cfg.Storage.RootPath, cam.ID+cfg.Storage.RecordExtension)
		if _, err := store.Assign(ctx, cam.ID, storagePath, blockSize, blockCount); err != nil {
			slog.Warn("failed to assign configured camera", "camera", cc.ID, "error", err)
		}
	}
}

func findConfigFile(dataPath string) string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
