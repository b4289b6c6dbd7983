package download

import (
	"fmt"
	"sync"
	"time"
)

// Notifier is the event surface the download manager drives: progress
// during a transport, and exactly one terminal event per task
// (completion or error). Implementations must not block the manager's
// actor goroutine — CallbackNotifier dispatches each callback on its own
// goroutine for that reason.
type Notifier interface {
	OnDownloadProgress(taskID string, progress float64)
	OnDownloadComplete(taskID, filePath, artworkPath string, fileSize int64, format string)
	OnDownloadError(taskID, errMsg string)
}

// downloadStats tracks the running progress rate of one in-flight task,
// used only to enrich progress callbacks with a speed estimate.
type downloadStats struct {
	lastUpdate   time.Time
	lastProgress float64
	rate         float64 // progress fraction per second
}

// CallbackNotifier is the host-runtime bridge: three plain Go callbacks
// standing in for the `onDownloadProgress`/`onDownloadComplete`/
// `onDownloadError` events a host runtime subscribes to.
type CallbackNotifier struct {
	progressCallback func(taskID string, progress float64, speed string)
	completeCallback func(taskID, filePath, artworkPath string, fileSize int64, format string)
	errorCallback    func(taskID, errMsg string)

	mu      sync.RWMutex
	stats   map[string]*downloadStats
	statsMu sync.Mutex
}

// NewCallbackNotifier creates a notifier with no callbacks registered;
// events fire into the void until Set*Callback is called.
func NewCallbackNotifier() *CallbackNotifier {
	return &CallbackNotifier{stats: make(map[string]*downloadStats)}
}

// SetProgressCallback registers the progress callback.
func (cn *CallbackNotifier) SetProgressCallback(cb func(taskID string, progress float64, speed string)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.progressCallback = cb
}

// SetCompleteCallback registers the completion callback.
func (cn *CallbackNotifier) SetCompleteCallback(cb func(taskID, filePath, artworkPath string, fileSize int64, format string)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.completeCallback = cb
}

// SetErrorCallback registers the error callback.
func (cn *CallbackNotifier) SetErrorCallback(cb func(taskID, errMsg string)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.errorCallback = cb
}

// OnDownloadProgress updates the task's speed estimate and invokes the
// progress callback, if one is registered.
func (cn *CallbackNotifier) OnDownloadProgress(taskID string, progress float64) {
	cn.mu.RLock()
	cb := cn.progressCallback
	cn.mu.RUnlock()
	if cb == nil {
		return
	}
	speed := cn.updateSpeed(taskID, progress)
	cn.safeCall(func() { cb(taskID, progress, speed) })
}

// updateSpeed estimates the rate of progress and formats it for
// display, since the manager reports completion as a [0,1] fraction
// rather than a byte count.
func (cn *CallbackNotifier) updateSpeed(taskID string, progress float64) string {
	now := time.Now()
	cn.statsMu.Lock()
	defer cn.statsMu.Unlock()

	s, ok := cn.stats[taskID]
	if !ok {
		s = &downloadStats{lastUpdate: now, lastProgress: progress}
		cn.stats[taskID] = s
		return "-"
	}
	if elapsed := now.Sub(s.lastUpdate).Seconds(); elapsed > 0 {
		s.rate = (progress - s.lastProgress) / elapsed
	}
	s.lastUpdate = now
	s.lastProgress = progress
	return formatRate(s.rate)
}

func formatRate(fractionPerSecond float64) string {
	if fractionPerSecond <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%/s", fractionPerSecond*100)
}

// OnDownloadComplete clears tracked stats and invokes the completion
// callback, if one is registered.
func (cn *CallbackNotifier) OnDownloadComplete(taskID, filePath, artworkPath string, fileSize int64, format string) {
	cn.statsMu.Lock()
	delete(cn.stats, taskID)
	cn.statsMu.Unlock()

	cn.mu.RLock()
	cb := cn.completeCallback
	cn.mu.RUnlock()
	if cb == nil {
		return
	}
	cn.safeCall(func() { cb(taskID, filePath, artworkPath, fileSize, format) })
}

// OnDownloadError clears tracked stats and invokes the error callback,
// if one is registered.
func (cn *CallbackNotifier) OnDownloadError(taskID, errMsg string) {
	cn.statsMu.Lock()
	delete(cn.stats, taskID)
	cn.statsMu.Unlock()

	cn.mu.RLock()
	cb := cn.errorCallback
	cn.mu.RUnlock()
	if cb == nil {
		return
	}
	cn.safeCall(func() { cb(taskID, errMsg) })
}

// safeCall runs fn on its own goroutine so a panicking host callback
// can never take down the download manager's actor.
func (cn *CallbackNotifier) safeCall(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("download: notifier callback panicked: %v\n", r)
			}
		}()
		fn()
	}()
}

// NoOpNotifier discards every event. Useful for tests and for running
// the manager headless.
type NoOpNotifier struct{}

func (NoOpNotifier) OnDownloadProgress(string, float64)                  {}
func (NoOpNotifier) OnDownloadComplete(string, string, string, int64, string) {}
func (NoOpNotifier) OnDownloadError(string, string)                      {}
