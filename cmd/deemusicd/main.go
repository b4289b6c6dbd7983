// Command deemusicd is the process that owns this module's persistent
// state: it loads configuration, opens the sqlite manifest, authenticates
// against the catalog, and runs the download manager to completion or
// until a shutdown signal arrives. Playback (the push-pull input source
// and range loader) is wired here too, exposed through the registry so a
// host process embedding this binary's packages can resolve a track by
// ID without re-deriving any of this wiring itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/deemusic/deemusic-go/internal/api"
	"github.com/deemusic/deemusic-go/internal/artwork"
	"github.com/deemusic/deemusic-go/internal/config"
	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/download"
	appErrors "github.com/deemusic/deemusic-go/internal/errors"
	"github.com/deemusic/deemusic-go/internal/monitoring"
	"github.com/deemusic/deemusic-go/internal/network"
	"github.com/deemusic/deemusic-go/internal/registry"
	"github.com/deemusic/deemusic-go/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to settings.json (defaults to the platform data directory)")
	trackID := flag.String("track", "", "with the enqueue command, the Deezer track ID to resolve and download")
	quality := flag.String("quality", "", "with the enqueue command, overrides the configured download quality")
	flag.Parse()

	cmd := "serve"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	app, err := bootstrap(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deemusicd: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "enqueue":
		if *trackID == "" {
			app.logger.Fatal("enqueue requires -track")
		}
		q := *quality
		if q == "" {
			q = app.cfg.Download.Quality
		}
		if err := app.enqueueDeezerTrack(ctx, *trackID, q); err != nil {
			app.logger.Error("enqueue failed", zap.String("track_id", *trackID), zap.Error(err))
			os.Exit(1)
		}
		app.logger.Info("enqueued track", zap.String("track_id", *trackID), zap.String("quality", q))
		fallthrough
	case "serve":
		app.logger.Info("deemusicd running", zap.Int("concurrent_downloads", app.cfg.Download.ConcurrentDownloads))
		go app.logHealthPeriodically(ctx, time.Minute)
		<-ctx.Done()
		app.logger.Info("shutdown signal received")
	default:
		fmt.Fprintf(os.Stderr, "deemusicd: unknown command %q (want serve or enqueue)\n", cmd)
		os.Exit(2)
	}
}

// application bundles every long-lived collaborator this process wires
// together as a single owned struct instead of package-level variables.
type application struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       io.Closer
	manifest *store.Manifest
	deezer   *api.DeezerClient
	registry *registry.Registry
	artwork  *artwork.Fetcher
	manager  *download.Manager
	health   *monitoring.HealthChecker
}

func bootstrap(configPath string) (*application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := monitoring.DefaultLogConfig(config.GetDataDir())
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output = cfg.Logging.Output
	logCfg.FilePath = cfg.Logging.FilePath
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	logCfg.MaxAgeDays = cfg.Logging.MaxAgeDays
	logCfg.Compress = cfg.Logging.Compress

	logger, err := monitoring.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	dbPath := store.GetDefaultDBPath()
	db, err := store.InitDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest db: %w", err)
	}
	manifest := store.NewManifest(db)

	deezer := api.NewDeezerClient(time.Duration(cfg.Network.RequestTimeoutSeconds)*time.Second, logger)
	if cfg.Deezer.ARL != "" {
		authCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		retryCfg := appErrors.DefaultRetryConfig()
		authErr := appErrors.RetryWithBackoff(authCtx, retryCfg, func() error {
			return deezer.Authenticate(authCtx, cfg.Deezer.ARL)
		})
		if authErr != nil {
			logger.Warn("deezer authentication failed, catalog lookups will be unavailable", zap.Error(authErr))
		}
	} else {
		logger.Warn("no deezer ARL configured, catalog lookups will be unavailable")
	}

	trackRegistry := registry.New()
	artworkFetcher := artwork.NewFetcher(cfg.Download.ArtworkSize)

	cipherPolicy := crypto.PassthroughOnFailure
	if cfg.Stream.CipherFailurePolicy == "abort" {
		cipherPolicy = crypto.AbortOnFailure
	}

	downloadClient := network.GetDownloadClient(time.Duration(cfg.Network.ResourceTimeoutSeconds) * time.Second)

	notifier := buildNotifier(logger)

	manager := download.NewManager(download.ManagerConfig{
		OutputDir:           cfg.Download.OutputDir,
		ArtworkDir:          cfg.Download.ArtworkDir,
		TempDir:             cfg.Stream.TempDir,
		MaxConcurrent:       cfg.Download.ConcurrentDownloads,
		MaxRetries:          cfg.Download.MaxRetries,
		CipherFailurePolicy: cipherPolicy,
	}, manifest, notifier, download.NoOpRemuxer{}, artworkFetcher, downloadClient, logger)

	if err := manager.Reconcile(); err != nil {
		logger.Warn("manifest reconciliation failed", zap.Error(err))
	}

	health := monitoring.NewHealthChecker(version, db)

	return &application{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		manifest: manifest,
		deezer:   deezer,
		registry: trackRegistry,
		artwork:  artworkFetcher,
		manager:  manager,
		health:   health,
	}, nil
}

// buildNotifier routes every download lifecycle event into the
// structured logger. A host embedding this binary's packages directly
// would instead hand the manager its own Notifier implementation.
func buildNotifier(logger *zap.Logger) *download.CallbackNotifier {
	n := download.NewCallbackNotifier()
	n.SetProgressCallback(func(taskID string, progress float64, speed string) {
		logger.Debug("download progress", zap.String("task_id", taskID), zap.Float64("progress", progress), zap.String("speed", speed))
	})
	n.SetCompleteCallback(func(taskID, filePath, artworkPath string, fileSize int64, format string) {
		logger.Info("download complete",
			zap.String("task_id", taskID),
			zap.String("file_path", filePath),
			zap.String("artwork_path", artworkPath),
			zap.Int64("file_size", fileSize),
			zap.String("format", format),
		)
	})
	n.SetErrorCallback(func(taskID, errMsg string) {
		logger.Error("download failed", zap.String("task_id", taskID), zap.String("error", errMsg))
	})
	return n
}

// enqueueDeezerTrack resolves a track's catalog metadata and media URL,
// registers a descriptor for playback, and hands the download off to the
// manager. The registry entry and the download task are independent: a
// track can be registered for streaming without ever being queued for
// download, and vice versa.
func (a *application) enqueueDeezerTrack(ctx context.Context, trackID, quality string) error {
	track, err := a.deezer.GetTrack(ctx, trackID)
	if err != nil {
		return fmt.Errorf("failed to resolve track: %w", err)
	}
	dl, err := a.deezer.GetTrackDownloadURL(ctx, trackID, quality)
	if err != nil {
		return fmt.Errorf("failed to resolve download url: %w", err)
	}

	desc := &registry.TrackDescriptor{
		TrackID:       trackID,
		Provider:      string(download.ProviderDeezer),
		EncryptedURL:  dl.URL,
		ContentLength: dl.FileSize,
		ContentType:   "audio/mpeg",
		Title:         track.Title,
		Duration:      time.Duration(track.Duration) * time.Second,
	}
	if track.Artist != nil {
		desc.Artist = track.Artist.Name
	}
	if track.Album != nil {
		desc.Album = track.Album.Title
	}
	desc.ThumbnailURL = track.Album.CoverURL()
	if err := a.registry.Register(desc); err != nil {
		return fmt.Errorf("failed to register track descriptor: %w", err)
	}
	a.logger.Info("track registered for streaming",
		zap.String("track_id", trackID),
		zap.String("stream_url", registry.StreamURL(trackID)))

	taskID := fmt.Sprintf("%s:%s", download.ProviderDeezer, trackID)
	return a.manager.Enqueue(download.EnqueueRequest{
		TaskID:     taskID,
		URL:        dl.URL,
		TrackID:    trackID,
		Provider:   download.ProviderDeezer,
		Format:     dl.Format,
		ArtworkURL: desc.ThumbnailURL,
		Metadata: download.TaskMetadata{
			Title:        track.Title,
			Artist:       desc.Artist,
			Album:        desc.Album,
			Duration:     track.Duration,
			ThumbnailURL: desc.ThumbnailURL,
		},
	})
}

// logHealthPeriodically logs a health snapshot on each tick until ctx is
// cancelled, giving an operator something to grep for without standing
// up an HTTP health endpoint.
func (a *application) logHealthPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			downloads := a.manager.GetDownloads()
			active := 0
			for _, d := range downloads {
				if d.Status == download.StatusDownloading || d.Status == download.StatusDecrypting {
					active++
				}
			}
			check := a.health.Check(len(downloads), active)
			a.logger.Info("health snapshot",
				zap.String("status", string(check.Status)),
				zap.Int("queue_size", check.QueueSize),
				zap.Int("active_downloads", check.ActiveDownloads),
				zap.String("database_status", check.DatabaseStatus),
			)
		}
	}
}

// Close releases every long-lived resource in reverse acquisition order.
func (a *application) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

const version = "0.1.0"
