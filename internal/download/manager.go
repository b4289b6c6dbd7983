// Package download implements the persistent, slot-limited background
// download engine: fetch a whole encrypted track, decrypt or remux it,
// write it to its final path, and report progress/completion/error to a
// Notifier. State mutations are serialized through a single actor
// goroutine, the same pattern internal/stream's RangeLoader uses, so an
// HTTP callback can never race a concurrent cancellation.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deemusic/deemusic-go/internal/artwork"
	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/monitoring"
	"github.com/deemusic/deemusic-go/internal/network"
	"github.com/deemusic/deemusic-go/internal/store"
)

// ManagerConfig configures a Manager's slot count and where it reads
// and writes files.
type ManagerConfig struct {
	OutputDir           string
	ArtworkDir          string
	TempDir             string
	MaxConcurrent       int
	MaxRetries          int
	CipherFailurePolicy crypto.CipherFailurePolicy
}

// Manager is the background download engine. Every field below except
// the actor's command channel and wait group is only ever touched from
// the actor goroutine.
type Manager struct {
	cfg            ManagerConfig
	manifest       *store.Manifest
	notifier       Notifier
	remuxer        Remuxer
	artworkFetcher *artwork.Fetcher
	httpClient     *http.Client
	logger         *zap.Logger

	cmds    chan func()
	tasks   map[string]*TaskRecord
	running map[string]context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a Manager and starts its actor goroutine. Call
// Reconcile once at startup to repopulate it from a persisted manifest.
func NewManager(cfg ManagerConfig, manifest *store.Manifest, notifier Notifier, remuxer Remuxer, artworkFetcher *artwork.Fetcher, httpClient *http.Client, logger *zap.Logger) *Manager {
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	if remuxer == nil {
		remuxer = NoOpRemuxer{}
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}

	m := &Manager{
		cfg:            cfg,
		manifest:       manifest,
		notifier:       notifier,
		remuxer:        remuxer,
		artworkFetcher: artworkFetcher,
		httpClient:     httpClient,
		logger:         logger,
		cmds:           make(chan func(), 64),
		tasks:          make(map[string]*TaskRecord),
		running:        make(map[string]context.CancelFunc),
		closed:         make(chan struct{}),
	}
	m.wg.Add(1)
	go m.actor()
	return m
}

func (m *Manager) actor() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

func (m *Manager) submit(fn func()) {
	select {
	case <-m.closed:
	case m.cmds <- fn:
	}
}

func (m *Manager) submitWait(fn func()) {
	done := make(chan struct{})
	m.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-m.closed:
	}
}

// Reconcile loads the persisted manifest, if any, reverting any task
// still mid-flight (downloading/decrypting) back to pending before
// re-entering it into scheduling. There is no mid-file resume: a
// reconciled task restarts its transport from byte zero.
func (m *Manager) Reconcile() error {
	persisted := make(map[string]TaskRecord)
	found, err := m.manifest.LoadJSON(store.ManifestKey, &persisted)
	if err != nil {
		return fmt.Errorf("download: failed to load manifest: %w", err)
	}
	if !found {
		return nil
	}

	m.submitWait(func() {
		for id, rec := range persisted {
			rec := rec
			if rec.Status == StatusDownloading || rec.Status == StatusDecrypting {
				rec.Status = StatusPending
				rec.Error = ""
			}
			m.tasks[id] = &rec
		}
		m.schedule()
	})
	return nil
}

// Enqueue adds one task and schedules it if a slot is free.
func (m *Manager) Enqueue(req EnqueueRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("download: task ID cannot be empty")
	}
	m.submitWait(func() {
		m.tasks[req.TaskID] = &TaskRecord{
			TaskID:     req.TaskID,
			URL:        req.URL,
			TrackID:    req.TrackID,
			Provider:   req.Provider,
			Format:     req.Format,
			ArtworkURL: req.ArtworkURL,
			Metadata:   req.Metadata,
			Status:     StatusPending,
		}
		m.persistLocked()
		m.schedule()
	})
	return nil
}

// EnqueueBatch adds every task in reqs in one atomic mutation.
func (m *Manager) EnqueueBatch(reqs []EnqueueRequest) error {
	for _, req := range reqs {
		if req.TaskID == "" {
			return fmt.Errorf("download: task ID cannot be empty")
		}
	}
	m.submitWait(func() {
		for _, req := range reqs {
			m.tasks[req.TaskID] = &TaskRecord{
				TaskID:     req.TaskID,
				URL:        req.URL,
				TrackID:    req.TrackID,
				Provider:   req.Provider,
				Format:     req.Format,
				ArtworkURL: req.ArtworkURL,
				Metadata:   req.Metadata,
				Status:     StatusPending,
			}
		}
		m.persistLocked()
		m.schedule()
	})
	return nil
}

// Cancel aborts taskID's in-flight transport (if any), removes its
// record, and persists. A freed slot is immediately backfilled.
func (m *Manager) Cancel(taskID string) {
	m.submitWait(func() {
		if cancel, ok := m.running[taskID]; ok {
			cancel()
			delete(m.running, taskID)
		}
		delete(m.tasks, taskID)
		m.persistLocked()
		m.schedule()
	})
}

// CancelAll aborts every in-flight transport and clears all state.
func (m *Manager) CancelAll() {
	m.submitWait(func() {
		for id, cancel := range m.running {
			cancel()
			delete(m.running, id)
		}
		m.tasks = make(map[string]*TaskRecord)
		m.persistLocked()
	})
}

// ClearTask removes a failed task's record so its taskId can be
// re-enqueued. It is a no-op for any other status.
func (m *Manager) ClearTask(taskID string) {
	m.submitWait(func() {
		rec, ok := m.tasks[taskID]
		if !ok || rec.Status != StatusError {
			return
		}
		delete(m.tasks, taskID)
		m.persistLocked()
	})
}

// GetDownloads synchronously hops onto the actor and returns a
// taskId-ordered snapshot of every known task.
func (m *Manager) GetDownloads() []TaskRecord {
	var out []TaskRecord
	m.submitWait(func() {
		out = make([]TaskRecord, 0, len(m.tasks))
		for _, rec := range m.tasks {
			out = append(out, rec.snapshot())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Close cancels every in-flight transport and stops the actor.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.submitWait(func() {
			for id, cancel := range m.running {
				cancel()
				delete(m.running, id)
			}
		})
		close(m.closed)
	})
	m.wg.Wait()
}

// schedule fills free transport slots from pending tasks, lexicographic
// ascending taskId first. Must run on the actor.
func (m *Manager) schedule() {
	free := m.cfg.MaxConcurrent - len(m.running)
	if free <= 0 {
		return
	}

	pendingIDs := make([]string, 0)
	for id, rec := range m.tasks {
		if rec.Status == StatusPending {
			pendingIDs = append(pendingIDs, id)
		}
	}
	sort.Strings(pendingIDs)

	monitoring.UpdateQueueSize(len(pendingIDs))

	for _, id := range pendingIDs {
		if free <= 0 {
			break
		}
		rec := m.tasks[id]
		rec.Status = StatusDownloading
		rec.startedAt = time.Now()

		ctx, cancel := context.WithCancel(context.Background())
		m.running[id] = cancel

		monitoring.RecordDownloadStart(rec.Format)
		m.wg.Add(1)
		go m.runTask(ctx, id, rec.snapshot())
		free--
	}
	m.persistLocked()
}

// persistLocked writes the current task map to the manifest. Must run
// on the actor.
func (m *Manager) persistLocked() {
	snapshot := make(map[string]TaskRecord, len(m.tasks))
	for id, rec := range m.tasks {
		snapshot[id] = rec.snapshot()
	}
	if err := m.manifest.SaveJSON(store.ManifestKey, snapshot); err != nil && m.logger != nil {
		m.logger.Error("download: failed to persist manifest", zap.Error(err))
	}
}

// runTask drives one task's transport and post-processing off the
// actor goroutine, reporting progress directly to the notifier (safe:
// only one runTask goroutine ever exists per taskId at a time) and
// submitting its terminal state transition back through the actor.
func (m *Manager) runTask(ctx context.Context, taskID string, rec TaskRecord) {
	defer m.wg.Done()

	tempPath := filepath.Join(m.cfg.TempDir, taskID+".part")
	if _, err := m.fetchToTemp(ctx, taskID, rec.URL, tempPath); err != nil {
		os.Remove(tempPath)
		if ctx.Err() != nil {
			m.clearRunning(taskID)
			return
		}
		m.failTask(taskID, rec, err)
		return
	}

	m.markDecrypting(taskID)

	outPath, artworkPath, fileSize, err := m.postProcess(ctx, rec, tempPath)
	os.Remove(tempPath)
	if err != nil {
		if ctx.Err() != nil {
			m.clearRunning(taskID)
			return
		}
		m.failTask(taskID, rec, err)
		return
	}

	m.completeTask(taskID, rec, outPath, artworkPath, fileSize)
}

func (m *Manager) clearRunning(taskID string) {
	m.submitWait(func() {
		delete(m.running, taskID)
	})
}

func (m *Manager) markDecrypting(taskID string) {
	m.submitWait(func() {
		if rec, ok := m.tasks[taskID]; ok {
			rec.Status = StatusDecrypting
			m.persistLocked()
		}
	})
}

func (m *Manager) failTask(taskID string, rec TaskRecord, cause error) {
	m.submitWait(func() {
		delete(m.running, taskID)
		if current, ok := m.tasks[taskID]; ok {
			current.Status = StatusError
			current.Error = cause.Error()
			m.persistLocked()
		}
		m.schedule()
	})
	monitoring.RecordDownloadFailed(rec.Format, "download")
	m.notifier.OnDownloadError(taskID, cause.Error())
}

func (m *Manager) completeTask(taskID string, rec TaskRecord, outPath, artworkPath string, fileSize int64) {
	m.submitWait(func() {
		delete(m.running, taskID)
		if current, ok := m.tasks[taskID]; ok {
			current.Status = StatusCompleted
			current.OutputPath = outPath
			current.ArtworkPath = artworkPath
			current.FileSize = fileSize
			m.persistLocked()
		}
		m.schedule()
	})
	if !rec.startedAt.IsZero() {
		monitoring.RecordDownloadComplete(rec.Format, time.Since(rec.startedAt), fileSize)
	}
	m.notifier.OnDownloadComplete(taskID, outPath, artworkPath, fileSize, rec.Format)
}

// fetchToTemp streams the task's URL to tempPath through the resumable
// fetch helper, reporting progress at most four times a second when the
// origin declared a content length. Mid-body transport failures retry
// from the bytes already on disk; a terminal failure leaves the caller
// to discard the partial file.
func (m *Manager) fetchToTemp(ctx context.Context, taskID, url, tempPath string) (int64, error) {
	var lastReport time.Time
	return network.FetchWithResume(ctx, network.DownloadRequest{
		URL:        url,
		DestPath:   tempPath,
		Client:     m.httpClient,
		MaxRetries: m.cfg.MaxRetries,
		Progress: func(written, total int64) {
			if total <= 0 {
				return
			}
			if written < total && time.Since(lastReport) < 250*time.Millisecond {
				return
			}
			lastReport = time.Now()
			m.notifier.OnDownloadProgress(taskID, float64(written)/float64(total))
		},
	})
}

// postProcess applies the provider-specific pipeline to a completed
// transport temp file and best-effort fetches artwork alongside it.
func (m *Manager) postProcess(ctx context.Context, rec TaskRecord, tempPath string) (outPath, artworkPath string, fileSize int64, err error) {
	switch rec.Provider {
	case ProviderDeezer:
		outPath, err = m.decryptDeezerTrack(rec, tempPath)
	default:
		outPath, err = m.remuxOrMove(rec, tempPath)
	}
	if err != nil {
		return "", "", 0, err
	}

	if info, statErr := os.Stat(outPath); statErr == nil {
		fileSize = info.Size()
	}

	if rec.ArtworkURL != "" && m.artworkFetcher != nil {
		candidate := filepath.Join(m.cfg.ArtworkDir, fmt.Sprintf("%s_%s.jpg", rec.Provider, rec.TrackID))
		if fetchErr := m.artworkFetcher.FetchToFile(ctx, rec.ArtworkURL, candidate); fetchErr != nil {
			if m.logger != nil {
				m.logger.Warn("download: artwork fetch failed",
					zap.String("taskId", rec.TaskID), zap.Error(fetchErr))
			}
		} else {
			artworkPath = candidate
		}
	}

	return outPath, artworkPath, fileSize, nil
}

// decryptDeezerTrack runs the whole downloaded file through the
// stream-mode chunk codec and writes the result to its final path.
func (m *Manager) decryptDeezerTrack(rec TaskRecord, tempPath string) (string, error) {
	raw, err := os.ReadFile(tempPath)
	if err != nil {
		return "", fmt.Errorf("download: failed to read downloaded file: %w", err)
	}

	key, err := crypto.DeriveTrackKey(rec.TrackID)
	if err != nil {
		return "", err
	}

	start := time.Now()
	plain, err := crypto.DecryptStream(key, m.cfg.CipherFailurePolicy, raw)
	if err != nil {
		return "", fmt.Errorf("download: decrypt failed: %w", err)
	}
	monitoring.RecordDecryption(time.Since(start))

	outPath := filepath.Join(m.cfg.OutputDir, fmt.Sprintf("deezer_%s.%s", rec.TrackID, extensionForFormat(rec.Format)))
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(outPath, plain, 0644); err != nil {
		return "", err
	}
	return outPath, nil
}

// remuxOrMove invokes the configured Remuxer; on failure it falls back
// to moving the raw downloaded file to the destination unchanged.
func (m *Manager) remuxOrMove(rec TaskRecord, tempPath string) (string, error) {
	outPath := filepath.Join(m.cfg.OutputDir, fmt.Sprintf("%s_%s.%s", rec.Provider, rec.TrackID, extensionForFormat(rec.Format)))
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", err
	}

	if err := m.remuxer.Remux(tempPath, outPath); err != nil {
		if m.logger != nil {
			m.logger.Info("download: remux failed, falling back to raw move",
				zap.String("taskId", rec.TaskID), zap.Error(err))
		}
		if moveErr := moveFile(tempPath, outPath); moveErr != nil {
			return "", fmt.Errorf("download: fallback move failed: %w", moveErr)
		}
	}
	return outPath, nil
}

func extensionForFormat(format string) string {
	switch strings.ToUpper(format) {
	case "FLAC":
		return "flac"
	case "M4A":
		return "m4a"
	default:
		return "mp3"
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}
