package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const maxDownloadSize = 25 << 20

var ErrTooLarge = errors.New("output exceeds size limit")

// Stored describes a persisted generation output.
type Stored struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Bytes        int    `json:"bytes"`
}

// Local copies provider outputs onto local disk under Dir, served at PublicBaseURL + "/media/".
type Local struct {
	Dir           string
	PublicBaseURL string
	// Secret keys the per-user directory hash so paths don't leak user ids.
	Secret    []byte
	HTTP      *http.Client
	ThumbSize int
	Logger    *log.Logger
}

func (s *Local) EnsureDefaults() {
	if strings.TrimSpace(s.Dir) == "" {
		s.Dir = "media"
	}
	if s.HTTP == nil {
		s.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if s.ThumbSize <= 0 {
		s.ThumbSize = 256
	}
	if len(s.Secret) == 0 {
		s.Secret = []byte("dev-insecure-media-secret")
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
}

func (s *Local) userHash(userID string) string {
	mac := hmac.New(sha256.New, s.Secret)
	_, _ = mac.Write([]byte("user:" + strings.TrimSpace(userID)))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Persist downloads sourceURL and stores it (plus a JPEG thumbnail when it decodes as an image).
func (s *Local) Persist(ctx context.Context, userID, sourceURL string) (Stored, error) {
	s.EnsureDefaults()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(sourceURL), nil)
	if err != nil {
		return Stored{}, fmt.Errorf("bad output url: %w", err)
	}
	res, err := s.HTTP.Do(req)
	if err != nil {
		return Stored{}, fmt.Errorf("fetch output: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Stored{}, fmt.Errorf("fetch output: status %d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxDownloadSize+1))
	if err != nil {
		return Stored{}, fmt.Errorf("read output: %w", err)
	}
	if len(data) > maxDownloadSize {
		return Stored{}, ErrTooLarge
	}

	hash := s.userHash(userID)
	relDir := filepath.Join("generations", hash)
	if err := os.MkdirAll(filepath.Join(s.Dir, relDir), 0o755); err != nil {
		return Stored{}, err
	}
	name := uuid.NewString()
	ext := extFor(sourceURL, res.Header.Get("Content-Type"))
	if err := os.WriteFile(filepath.Join(s.Dir, relDir, name+ext), data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("write output: %w", err)
	}
	out := Stored{URL: s.publicURL(relDir, name+ext), Bytes: len(data)}

	thumb, err := Thumbnail(data, s.ThumbSize)
	if err != nil {
		s.Logger.Printf("[Storage][Persist] thumbnail skipped user=%s err=%v", hash, err)
	} else if err := os.WriteFile(filepath.Join(s.Dir, relDir, name+"_thumb.jpg"), thumb, 0o644); err == nil {
		out.ThumbnailURL = s.publicURL(relDir, name+"_thumb.jpg")
	}
	s.Logger.Printf("[Storage][Persist] saved user=%s file=%s bytes=%d", hash, name+ext, len(data))
	return out, nil
}

func (s *Local) publicURL(relDir, file string) string {
	rel := "/media/" + filepath.ToSlash(filepath.Join(relDir, file))
	return strings.TrimRight(s.PublicBaseURL, "/") + rel
}

// Thumbnail decodes PNG, JPEG, GIF or WebP bytes and returns a JPEG whose longer side is at most max.
func Thumbnail(data []byte, max int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("empty image")
	}
	if w > max || h > max {
		if w >= h {
			h = h * max / w
			w = max
		} else {
			w = w * max / h
			h = max
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extFor(rawURL, contentType string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(filepath.Ext(u))
	if ext != "" && len(ext) <= 6 {
		return ext
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if semi := strings.Index(ct, ";"); semi >= 0 {
		ct = strings.TrimSpace(ct[:semi])
	}
	if ct != "" {
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}
