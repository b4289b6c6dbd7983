package download

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/store"
)

func newTestManifest(t *testing.T) *store.Manifest {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewManifest(db)
}

// encryptedFixture builds ciphertext that decrypts to want under the
// Deezer chunk-grid scheme for trackID, by round-tripping want through
// the stream codec's own encrypt path one chunk at a time.
func encryptedFixture(t *testing.T, trackID string, want []byte) []byte {
	t.Helper()
	key, err := crypto.DeriveTrackKey(trackID)
	if err != nil {
		t.Fatalf("DeriveTrackKey: %v", err)
	}
	cipher, err := crypto.NewChunkCipher(key)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	var out []byte
	for i := 0; i*crypto.ChunkSize < len(want); i++ {
		start := i * crypto.ChunkSize
		end := start + crypto.ChunkSize
		if end > len(want) {
			out = append(out, want[start:]...)
			break
		}
		chunk := want[start:end]
		if crypto.ChunkEncrypted(i, len(chunk)) {
			enc, err := cipher.EncryptChunk(chunk)
			if err != nil {
				t.Fatalf("EncryptChunk: %v", err)
			}
			out = append(out, enc...)
		} else {
			out = append(out, chunk...)
		}
	}
	return out
}

// testNotifier collects every event fired, guarded by a mutex since
// events arrive from background goroutines.
type testNotifier struct {
	mu        sync.Mutex
	completes []string
	errors    []string
	progress  []float64
}

func (n *testNotifier) OnDownloadProgress(taskID string, progress float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, progress)
}

func (n *testNotifier) OnDownloadComplete(taskID, filePath, artworkPath string, fileSize int64, format string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completes = append(n.completes, taskID)
}

func (n *testNotifier) OnDownloadError(taskID, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, taskID)
}

func (n *testNotifier) sawComplete(taskID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.completes {
		if id == taskID {
			return true
		}
	}
	return false
}

func (n *testNotifier) sawError(taskID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.errors {
		if id == taskID {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestManager(t *testing.T, notifier Notifier) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(ManagerConfig{
		OutputDir:           filepath.Join(dir, "tracks"),
		ArtworkDir:          filepath.Join(dir, "artwork"),
		TempDir:             filepath.Join(dir, "tmp"),
		MaxConcurrent:       2,
		CipherFailurePolicy: crypto.PassthroughOnFailure,
	}, newTestManifest(t), notifier, nil, nil, http.DefaultClient, nil)
	t.Cleanup(m.Close)
	return m
}

func TestEnqueueDownloadsAndDecryptsDeezerTrack(t *testing.T) {
	const trackID = "3135556"
	want := make([]byte, crypto.ChunkSize*3+100)
	for i := range want {
		want[i] = byte(i % 251)
	}
	ciphertext := encryptedFixture(t, trackID, want)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	defer srv.Close()

	notifier := &testNotifier{}
	m := newTestManager(t, notifier)

	taskID := "deezer:" + trackID
	if err := m.Enqueue(EnqueueRequest{
		TaskID:   taskID,
		URL:      srv.URL,
		TrackID:  trackID,
		Provider: ProviderDeezer,
		Format:   "FLAC",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return notifier.sawComplete(taskID) })

	downloads := m.GetDownloads()
	if len(downloads) != 1 {
		t.Fatalf("expected 1 task, got %d", len(downloads))
	}
	rec := downloads[0]
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}

	got, err := os.ReadFile(rec.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", rec.OutputPath, err)
	}
	if string(got) != string(want) {
		t.Error("decrypted output does not match expected plaintext")
	}
}

func TestEnqueueRejectsEmptyTaskID(t *testing.T) {
	m := newTestManager(t, &testNotifier{})
	if err := m.Enqueue(EnqueueRequest{TaskID: ""}); err == nil {
		t.Error("expected error for empty task ID")
	}
}

func TestFailedTransportMarksErrorAndNotifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	notifier := &testNotifier{}
	m := newTestManager(t, notifier)

	taskID := "deezer:404"
	if err := m.Enqueue(EnqueueRequest{
		TaskID:   taskID,
		URL:      srv.URL,
		TrackID:  "404",
		Provider: ProviderDeezer,
		Format:   "MP3_320",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return notifier.sawError(taskID) })

	downloads := m.GetDownloads()
	if len(downloads) != 1 || downloads[0].Status != StatusError {
		t.Fatalf("expected one errored task, got %+v", downloads)
	}
	if downloads[0].Error == "" {
		t.Error("expected error message to be recorded")
	}
}

func TestCancelRemovesTaskBeforeCompletion(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	m := newTestManager(t, &testNotifier{})
	taskID := "deezer:slow"
	if err := m.Enqueue(EnqueueRequest{
		TaskID:   taskID,
		URL:      srv.URL,
		TrackID:  "slow",
		Provider: ProviderDeezer,
		Format:   "FLAC",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(m.GetDownloads()) == 1 })
	m.Cancel(taskID)

	if got := m.GetDownloads(); len(got) != 0 {
		t.Fatalf("expected task removed after cancel, got %+v", got)
	}
}

func TestClearTaskOnlyRemovesErroredTasks(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	m := newTestManager(t, &testNotifier{})
	if err := m.Enqueue(EnqueueRequest{TaskID: "pending-task", URL: srv.URL, TrackID: "x", Provider: ProviderDeezer, Format: "FLAC"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	m.ClearTask("pending-task")
	if len(m.GetDownloads()) != 1 {
		t.Error("ClearTask should not remove a non-error task")
	}
}

func TestReconcileRevertsDownloadingToPending(t *testing.T) {
	manifest := newTestManifest(t)
	if err := manifest.SaveJSON(store.ManifestKey, map[string]TaskRecord{
		"deezer:1": {TaskID: "deezer:1", TrackID: "1", Provider: ProviderDeezer, Format: "FLAC", Status: StatusDownloading},
	}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	dir := t.TempDir()
	m := NewManager(ManagerConfig{
		OutputDir:     filepath.Join(dir, "tracks"),
		ArtworkDir:    filepath.Join(dir, "artwork"),
		TempDir:       filepath.Join(dir, "tmp"),
		MaxConcurrent: 0,
	}, manifest, &testNotifier{}, nil, nil, &http.Client{Timeout: time.Millisecond}, nil)
	defer m.Close()

	if err := m.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		downloads := m.GetDownloads()
		return len(downloads) == 1 && downloads[0].Status != StatusDownloading
	})
}

func TestLexicographicSchedulingOrder(t *testing.T) {
	m := newTestManager(t, &testNotifier{})
	// With unreachable URLs every task fails quickly; this only checks
	// that scheduling accepts and tracks tasks regardless of insertion
	// order, matching the "lexicographic ascending taskId" contract at
	// the data-structure level (actual slot assignment order isn't
	// independently observable without hooking the transport).
	ids := []string{"deezer:zzz", "deezer:aaa", "deezer:mmm"}
	for _, id := range ids {
		md5sum := md5.Sum([]byte(id))
		if err := m.Enqueue(EnqueueRequest{
			TaskID:   id,
			URL:      "http://127.0.0.1:0",
			TrackID:  hex.EncodeToString(md5sum[:4]),
			Provider: ProviderDeezer,
			Format:   "FLAC",
		}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	downloads := m.GetDownloads()
	if len(downloads) != len(ids) {
		t.Fatalf("expected %d tasks, got %d", len(ids), len(downloads))
	}
	for i := 1; i < len(downloads); i++ {
		if downloads[i-1].TaskID > downloads[i].TaskID {
			t.Errorf("GetDownloads() not sorted: %s before %s", downloads[i-1].TaskID, downloads[i].TaskID)
		}
	}
}

func TestExtensionForFormat(t *testing.T) {
	tests := map[string]string{"FLAC": "flac", "flac": "flac", "M4A": "m4a", "MP3_320": "mp3", "": "mp3"}
	for in, want := range tests {
		if got := extensionForFormat(in); got != want {
			t.Errorf("extensionForFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMoveFileAcrossRename(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "nested", "dst.bin")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("expected source file to be gone after move")
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "payload" {
		t.Errorf("ReadFile(dst) = %q, %v", got, err)
	}
}

func TestNoOpRemuxerAlwaysFails(t *testing.T) {
	var r NoOpRemuxer
	if err := r.Remux("in", "out"); err == nil {
		t.Error("expected NoOpRemuxer.Remux to always return an error")
	}
}

func TestRemuxFallbackMovesRawFile(t *testing.T) {
	payload := []byte("raw container bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	notifier := &testNotifier{}
	m := newTestManager(t, notifier)

	taskID := "youtube:abc"
	if err := m.Enqueue(EnqueueRequest{
		TaskID:   taskID,
		URL:      srv.URL,
		TrackID:  "abc",
		Provider: ProviderYoutube,
		Format:   "M4A",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return notifier.sawComplete(taskID) })

	downloads := m.GetDownloads()
	if len(downloads) != 1 || downloads[0].Status != StatusCompleted {
		t.Fatalf("expected completed youtube task, got %+v", downloads)
	}
	got, err := os.ReadFile(downloads[0].OutputPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("expected raw payload to be moved unchanged on remux failure")
	}
	if filepath.Ext(downloads[0].OutputPath) != ".m4a" {
		t.Errorf("expected .m4a extension, got %s", downloads[0].OutputPath)
	}
}
