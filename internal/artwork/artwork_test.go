package artwork

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func jpegFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestFetchToFileWritesResizedImage(t *testing.T) {
	fixture := jpegFixture(t, 400, 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fixture)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "cover.jpg")

	f := NewFetcher(100)
	if err := f.FetchToFile(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("FetchToFile: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("expected file at %s: %v", dest, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("expected a decodable image, got error: %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Errorf("expected resized width 100, got %d", img.Bounds().Dx())
	}
}

func TestFetchToFileNoResize(t *testing.T) {
	fixture := jpegFixture(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fixture)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cover.jpg")
	f := NewFetcher(0)
	if err := f.FetchToFile(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("FetchToFile: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, fixture) {
		t.Error("expected untouched bytes when resize disabled")
	}
}

func TestFetchToFileEmptyURL(t *testing.T) {
	f := NewFetcher(100)
	if err := f.FetchToFile(context.Background(), "", filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestFetchToFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(100)
	if err := f.FetchToFile(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected error for 404 response")
	}
}
