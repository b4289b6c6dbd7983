package api

import (
	"context"
	"fmt"
	"strconv"
)

// GetTrack resolves a track's catalog metadata by ID.
func (c *DeezerClient) GetTrack(ctx context.Context, trackID string) (*Track, error) {
	result, err := c.doPrivateAPIRequest(ctx, "song.getData", map[string]interface{}{
		"SNG_ID": trackID,
	})
	if err != nil {
		return nil, fmt.Errorf("api: failed to fetch track %s: %w", trackID, err)
	}

	data, ok := result["results"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("api: unexpected track response shape for %s", trackID)
	}

	track := &Track{Available: true}
	if id, ok := data["SNG_ID"]; ok {
		track.ID = FlexibleID(fmt.Sprintf("%v", id))
	}
	if title, ok := data["SNG_TITLE"].(string); ok {
		track.Title = title
	}
	if dur, ok := data["DURATION"].(string); ok {
		if d, err := strconv.Atoi(dur); err == nil {
			track.Duration = d
		}
	}
	if md5o, ok := data["MD5_ORIGIN"].(string); ok {
		track.MD5Origin = md5o
	}
	if artID, ok := data["ART_ID"]; ok {
		track.Artist = &Artist{ID: FlexibleID(fmt.Sprintf("%v", artID))}
		if name, ok := data["ART_NAME"].(string); ok {
			track.Artist.Name = name
		}
	}
	if albID, ok := data["ALB_ID"]; ok {
		track.Album = &Album{ID: FlexibleID(fmt.Sprintf("%v", albID))}
		if title, ok := data["ALB_TITLE"].(string); ok {
			track.Album.Title = title
		}
		if cover, ok := data["ALB_PICTURE"].(string); ok && cover != "" {
			track.Album.CoverXL = fmt.Sprintf("https://e-cdns-images.dzcdn.net/images/cover/%s/1200x1200.jpg", cover)
			track.Album.CoverBig = fmt.Sprintf("https://e-cdns-images.dzcdn.net/images/cover/%s/500x500.jpg", cover)
		}
	}

	if track.MD5Origin == "" {
		return nil, fmt.Errorf("api: track %s has no MD5 origin, likely unavailable", trackID)
	}

	return track, nil
}

// getTrackToken resolves the short-lived media token Deezer requires to
// mint a track's media URL.
func (c *DeezerClient) getTrackToken(ctx context.Context, trackID string) (string, error) {
	result, err := c.doPrivateAPIRequest(ctx, "song.getData", map[string]interface{}{
		"SNG_ID": trackID,
	})
	if err != nil {
		return "", err
	}
	data, ok := result["results"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("api: unexpected track token response shape")
	}
	token, _ := data["TRACK_TOKEN"].(string)
	if token == "" {
		return "", fmt.Errorf("api: missing track token")
	}
	return token, nil
}

// getMediaURL calls Deezer's media endpoint to mint a time-limited
// origin URL for the track at the requested format.
func (c *DeezerClient) getMediaURL(ctx context.Context, trackToken, formatCode string) (string, error) {
	c.mu.RLock()
	licenseToken := c.licenseToken
	c.mu.RUnlock()

	result, err := c.doPrivateAPIRequest(ctx, "media.getData", map[string]interface{}{
		"track_tokens": []string{trackToken},
		"license_token": licenseToken,
		"media": []map[string]interface{}{
			{
				"type": "FULL",
				"formats": []map[string]string{
					{"cipher": "BF_CBC_STRIPE", "format": formatCode},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("api: media.getData failed: %w", err)
	}

	data, ok := result["data"].([]interface{})
	if !ok || len(data) == 0 {
		return "", fmt.Errorf("api: empty media response")
	}
	entry, ok := data[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("api: unexpected media entry shape")
	}
	media, ok := entry["media"].([]interface{})
	if !ok || len(media) == 0 {
		return "", fmt.Errorf("api: track unavailable at requested quality")
	}
	mediaEntry, ok := media[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("api: unexpected media payload shape")
	}
	sources, ok := mediaEntry["sources"].([]interface{})
	if !ok || len(sources) == 0 {
		return "", fmt.Errorf("api: no media sources returned")
	}
	source, ok := sources[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("api: unexpected source shape")
	}
	url, _ := source["url"].(string)
	if url == "" {
		return "", fmt.Errorf("api: empty media URL")
	}
	return url, nil
}

// GetTrackDownloadURL resolves a time-limited media URL for trackID at
// the requested quality, falling back through FLAC -> MP3_320 -> MP3_128
// when the catalog can't serve the requested tier.
func (c *DeezerClient) GetTrackDownloadURL(ctx context.Context, trackID, quality string) (*DownloadURL, error) {
	track, err := c.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}

	token, err := c.getTrackToken(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("api: failed to get track token: %w", err)
	}

	fallback := []string{quality}
	for _, q := range []string{QualityFLAC, QualityMP3320, QualityMP3128} {
		if q != quality {
			fallback = append(fallback, q)
		}
	}

	var lastErr error
	for _, q := range fallback {
		formatCode, err := getFormatCode(q)
		if err != nil {
			lastErr = err
			continue
		}
		url, err := c.getMediaURL(ctx, token, formatCode)
		if err != nil {
			lastErr = err
			continue
		}
		return &DownloadURL{
			TrackID:  trackID,
			Quality:  q,
			URL:      url,
			FileSize: int64(0),
			Format:   formatCode,
		}, nil
	}

	return nil, fmt.Errorf("api: could not resolve download URL for track %s (MD5Origin=%s): %w", trackID, track.MD5Origin, lastErr)
}

// getFormatCode maps a quality string to Deezer's internal format code.
func getFormatCode(quality string) (string, error) {
	switch quality {
	case QualityMP3128:
		return "MP3_128", nil
	case QualityMP3320:
		return "MP3_320", nil
	case QualityFLAC:
		return "FLAC", nil
	default:
		return "", fmt.Errorf("api: unknown quality %q", quality)
	}
}

// getFormatFromQuality is the inverse lookup, returning the declared
// Quality constant for a resolved format code.
func getFormatFromQuality(formatCode string) string {
	switch formatCode {
	case "MP3_128":
		return QualityMP3128
	case "MP3_320":
		return QualityMP3320
	case "FLAC":
		return QualityFLAC
	default:
		return QualityMP3128
	}
}
