package api

import (
	"context"
	"encoding/json"
	"testing"
)

func TestGetFormatCode(t *testing.T) {
	tests := []struct {
		quality string
		want    string
		wantErr bool
	}{
		{QualityMP3128, "MP3_128", false},
		{QualityMP3320, "MP3_320", false},
		{QualityFLAC, "FLAC", false},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		got, err := getFormatCode(tt.quality)
		if (err != nil) != tt.wantErr {
			t.Errorf("getFormatCode(%q) error = %v, wantErr %v", tt.quality, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("getFormatCode(%q) = %q, want %q", tt.quality, got, tt.want)
		}
	}
}

func TestGetFormatFromQuality(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"MP3_128", QualityMP3128},
		{"MP3_320", QualityMP3320},
		{"FLAC", QualityFLAC},
		{"unknown", QualityMP3128},
	}

	for _, tt := range tests {
		if got := getFormatFromQuality(tt.code); got != tt.want {
			t.Errorf("getFormatFromQuality(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestFlexibleIDUnmarshalString(t *testing.T) {
	var f FlexibleID
	if err := json.Unmarshal([]byte(`"12345"`), &f); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if f.String() != "12345" {
		t.Errorf("String() = %q, want 12345", f.String())
	}
	n, err := f.Int64()
	if err != nil || n != 12345 {
		t.Errorf("Int64() = %d, %v, want 12345, nil", n, err)
	}
}

func TestFlexibleIDUnmarshalNumber(t *testing.T) {
	var f FlexibleID
	if err := json.Unmarshal([]byte(`67890`), &f); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if f.String() != "67890" {
		t.Errorf("String() = %q, want 67890", f.String())
	}
}

func TestFlexibleIDUnmarshalInvalid(t *testing.T) {
	var f FlexibleID
	if err := json.Unmarshal([]byte(`{}`), &f); err == nil {
		t.Error("expected error unmarshaling object into FlexibleID")
	}
}

func TestAlbumCoverURL(t *testing.T) {
	a := &Album{CoverXL: "xl.jpg", CoverBig: "big.jpg"}
	if got := a.CoverURL(); got != "xl.jpg" {
		t.Errorf("CoverURL() = %q, want xl.jpg", got)
	}

	a2 := &Album{CoverBig: "big.jpg"}
	if got := a2.CoverURL(); got != "big.jpg" {
		t.Errorf("CoverURL() = %q, want big.jpg (fallback)", got)
	}

	var nilAlbum *Album
	if got := nilAlbum.CoverURL(); got != "" {
		t.Errorf("CoverURL() on nil album = %q, want empty", got)
	}
}

func TestDeezerClientIsAuthenticatedDefault(t *testing.T) {
	c := NewDeezerClient(0, nil)
	if c.IsAuthenticated() {
		t.Error("fresh client should not be authenticated")
	}
}

func TestAuthenticateRejectsEmptyARL(t *testing.T) {
	c := NewDeezerClient(0, nil)
	if err := c.Authenticate(context.Background(), ""); err == nil {
		t.Error("expected error for empty ARL")
	}
}
