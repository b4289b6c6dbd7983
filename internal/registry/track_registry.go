// Package registry holds the in-memory mapping from an opaque track
// identifier to the metadata a stream or range loader needs to start
// fetching and decrypting that track, so a playback surface can resolve
// "play track 3135556" without re-querying the catalog on every open.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// URLScheme is the custom scheme under which registered tracks are
// addressable: "deezer-enc://{trackId}". A playback surface hands such a
// URL to its decoder, and the decoder's loader resolves it back to a
// descriptor through ResolveStreamURL.
const URLScheme = "deezer-enc"

// TrackDescriptor is everything a stream or range loader needs to serve
// one track: the key material is derived from TrackID on demand by the
// caller, not stored here.
type TrackDescriptor struct {
	TrackID       string
	Provider      string
	EncryptedURL  string
	ContentLength int64
	ContentType   string
	Title         string
	Artist        string
	Album         string
	Duration      time.Duration
	ThumbnailURL  string
	RegisteredAt  time.Time
}

// Registry is a mutex-protected trackId -> descriptor map, safe for
// concurrent register/lookup/unregister from any goroutine (an incoming
// HTTP range request, a background download worker, and a playback
// surface may all touch it at once).
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*TrackDescriptor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*TrackDescriptor)}
}

// Register stores or replaces the descriptor for a track. A zero
// RegisteredAt is filled in with the current time.
func (r *Registry) Register(desc *TrackDescriptor) error {
	if desc == nil {
		return fmt.Errorf("registry: nil descriptor")
	}
	if desc.TrackID == "" {
		return fmt.Errorf("registry: descriptor must have a track ID")
	}
	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[desc.TrackID] = desc
	return nil
}

// RegisterTrack is the convenience form of Register used by playback
// surfaces: it builds the descriptor from the fetch parameters and
// returns the "deezer-enc://{trackId}" URL the track is now addressable
// under.
func (r *Registry) RegisterTrack(trackID, encryptedURL string, contentLength int64, contentType string) (string, error) {
	err := r.Register(&TrackDescriptor{
		TrackID:       trackID,
		EncryptedURL:  encryptedURL,
		ContentLength: contentLength,
		ContentType:   contentType,
	})
	if err != nil {
		return "", err
	}
	return StreamURL(trackID), nil
}

// StreamURL returns the custom-scheme URL for a track ID.
func StreamURL(trackID string) string {
	return URLScheme + "://" + trackID
}

// ResolveStreamURL parses a "deezer-enc://{trackId}" URL and looks up
// its descriptor. A URL in any other scheme, or one whose track was
// never registered (or already unregistered), resolves to ok=false —
// the caller gets no decryption attached and the stream will fail to
// parse, which is the intended fail-open behavior.
func (r *Registry) ResolveStreamURL(rawURL string) (*TrackDescriptor, bool) {
	trackID, ok := strings.CutPrefix(rawURL, URLScheme+"://")
	if !ok || trackID == "" {
		return nil, false
	}
	return r.Lookup(trackID)
}

// Lookup returns the descriptor registered for trackID, or ok=false if
// none is registered.
func (r *Registry) Lookup(trackID string) (*TrackDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byID[trackID]
	return desc, ok
}

// Unregister removes any descriptor registered for trackID. It is a
// no-op if none exists.
func (r *Registry) Unregister(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, trackID)
}

// Len reports how many tracks currently have a registered descriptor.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
