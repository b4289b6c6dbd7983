package api

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Track is the catalog metadata needed to populate a track descriptor
// (internal/registry.TrackDescriptor) and the enqueue metadata surfaced
// through the download bridge: title, artist, album, duration, and a
// cover URL.
type Track struct {
	ID        FlexibleID `json:"id"`
	Title     string     `json:"title"`
	Duration  int        `json:"duration"`
	MD5Origin string     `json:"md5_origin"`
	Available bool       `json:"readable"`
	Artist    *Artist    `json:"artist"`
	Album     *Album     `json:"album"`
}

// Artist is the subset of Deezer's artist object this module needs.
type Artist struct {
	ID   FlexibleID `json:"id"`
	Name string     `json:"name"`
}

// Album is the subset of Deezer's album object this module needs.
type Album struct {
	ID       FlexibleID `json:"id"`
	Title    string     `json:"title"`
	CoverXL  string      `json:"cover_xl"`
	CoverBig string      `json:"cover_big"`
}

// CoverURL returns the best available artwork URL for the album, or
// empty if none was returned by the catalog.
func (a *Album) CoverURL() string {
	if a == nil {
		return ""
	}
	if a.CoverXL != "" {
		return a.CoverXL
	}
	return a.CoverBig
}

// DownloadURL is the resolved, time-limited media origin for a track at
// a given quality, along with its declared size — together with Track,
// the two inputs a track descriptor needs beyond bare identity.
type DownloadURL struct {
	TrackID  string
	Quality  string
	URL      string
	FileSize int64
	Format   string
}

// Quality constants accepted by GetTrackDownloadURL.
const (
	QualityMP3128 = "MP3_128"
	QualityMP3320 = "MP3_320"
	QualityFLAC   = "FLAC"
)

// FlexibleID unmarshals from either a JSON string or a JSON number —
// Deezer's public and private APIs disagree on which they send.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexibleID(n.String())
		return nil
	}

	return fmt.Errorf("api: FlexibleID must be a string or number")
}

// String returns the identifier's string form.
func (f FlexibleID) String() string {
	return string(f)
}

// Int64 parses the identifier as an integer.
func (f FlexibleID) Int64() (int64, error) {
	return strconv.ParseInt(string(f), 10, 64)
}
