package storage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnail_ScalesLongerSide(t *testing.T) {
	out, err := Thumbnail(pngBytes(t, 800, 400), 200)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestThumbnail_RejectsNonImage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 100)
	assert.Error(t, err)
}

func TestLocalPersist_WritesOutputAndThumbnail(t *testing.T) {
	data := pngBytes(t, 64, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := &Local{Dir: dir, PublicBaseURL: "https://api.test/", Logger: log.New(io.Discard, "", 0)}
	got, err := s.Persist(context.Background(), "user-1", srv.URL+"/out")
	require.NoError(t, err)
	assert.Equal(t, len(data), got.Bytes)
	assert.True(t, strings.HasPrefix(got.URL, "https://api.test/media/generations/"))
	assert.True(t, strings.HasSuffix(got.URL, ".png"))
	assert.True(t, strings.HasSuffix(got.ThumbnailURL, "_thumb.jpg"))

	rel := strings.TrimPrefix(got.URL, "https://api.test/media/")
	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
	assert.NotContains(t, got.URL, "user-1")
}

func TestLocalPersist_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := &Local{Dir: t.TempDir(), Logger: log.New(io.Discard, "", 0)}
	_, err := s.Persist(context.Background(), "u", srv.URL)
	assert.Error(t, err)
}

func TestExtFor(t *testing.T) {
	assert.Equal(t, ".webp", extFor("https://x/y/out.webp?sig=1", ""))
	assert.Equal(t, ".bin", extFor("https://x/y/out", ""))
	assert.Equal(t, ".png", extFor("https://x/y/out", "image/png"))
}
