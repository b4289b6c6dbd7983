package stream

import (
	"fmt"

	"github.com/deemusic/deemusic-go/internal/crypto"
	"github.com/deemusic/deemusic-go/internal/registry"
)

// NewInputSourceFromDescriptor derives the track's key from its
// descriptor and returns a ready, unopened InputSource. The caller still
// owns Open/Close; this just removes the key-derivation and field-mapping
// boilerplate every consumer of the registry would otherwise repeat.
func NewInputSourceFromDescriptor(desc *registry.TrackDescriptor, fetcher RangeFetcher, policy crypto.CipherFailurePolicy) (*InputSource, error) {
	key, err := crypto.DeriveTrackKey(desc.TrackID)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to derive key for track %s: %w", desc.TrackID, err)
	}
	return NewInputSource(key, desc.ContentLength, desc.EncryptedURL, fetcher, policy), nil
}

// NewRangeLoaderFromDescriptor is the range-mode counterpart of
// NewInputSourceFromDescriptor, for callers that need arbitrary
// byte-range reads instead of a sequential push-pull stream.
func NewRangeLoaderFromDescriptor(desc *registry.TrackDescriptor, fetcher RangeFetcher, policy crypto.CipherFailurePolicy) (*RangeLoader, error) {
	key, err := crypto.DeriveTrackKey(desc.TrackID)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to derive key for track %s: %w", desc.TrackID, err)
	}
	return NewRangeLoader(key, desc.EncryptedURL, fetcher, policy, desc.ContentLength, desc.ContentType), nil
}
