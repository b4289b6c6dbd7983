package download

import "time"

// TaskStatus is the lifecycle state of one download task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusDecrypting  TaskStatus = "decrypting"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
)

// Provider identifies the origin a task's URL points at, and therefore
// which post-download pipeline applies.
type Provider string

const (
	ProviderDeezer  Provider = "deezer"
	ProviderYoutube Provider = "youtube"
)

// TaskMetadata is the display metadata carried alongside a task,
// unrelated to how the file is fetched or decoded.
type TaskMetadata struct {
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	Duration     int    `json:"duration"`
	ThumbnailURL string `json:"thumbnail,omitempty"`
}

// TaskRecord is the persisted state of one download task. The
// conventional TaskID shape is "provider:trackId", but the manager
// treats whatever string the caller supplies as the map key — it never
// parses or reconstructs the ID from Provider/TrackID.
type TaskRecord struct {
	TaskID     string       `json:"taskId"`
	URL        string       `json:"url"`
	TrackID    string       `json:"trackId"`
	Provider   Provider     `json:"provider"`
	Format     string       `json:"format"`
	ArtworkURL string       `json:"artworkUrl,omitempty"`
	Metadata   TaskMetadata `json:"metadata"`

	Status TaskStatus `json:"status"`

	OutputPath  string `json:"filePath,omitempty"`
	ArtworkPath string `json:"artworkPath,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	Error       string `json:"error,omitempty"`

	startedAt time.Time // unexported: not persisted, used only for duration metrics
}

// snapshot returns a shallow copy safe to hand to a caller outside the
// actor goroutine.
func (t *TaskRecord) snapshot() TaskRecord {
	return *t
}

// EnqueueRequest is the input to Manager.Enqueue / EnqueueBatch.
type EnqueueRequest struct {
	TaskID     string
	URL        string
	TrackID    string
	Provider   Provider
	Format     string
	ArtworkURL string
	Metadata   TaskMetadata
}
