package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/coopco/sessiond/internal/channels"
)

const defaultMaxMediaBytes = 64 << 20

var ErrPathTraversal = errors.New("media reference escapes the media directory")

// MediaResolver turns a media reference into bytes ready for a driver.
// References starting with http:// or https:// are downloaded; anything else
// is a file name relative to the media directory.
type MediaResolver struct {
	dir        string
	maxBytes   int64
	httpClient *http.Client
}

func NewMediaResolver(dir string, maxBytes int64) *MediaResolver {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMediaBytes
	}
	return &MediaResolver{
		dir:        dir,
		maxBytes:   maxBytes,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *MediaResolver) Resolve(ctx context.Context, ref string) (channels.Media, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return channels.Media{}, errors.New("empty media reference")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return r.fetch(ctx, ref)
	}
	return r.readLocal(ref)
}

func (r *MediaResolver) fetch(ctx context.Context, ref string) (channels.Media, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return channels.Media{}, fmt.Errorf("invalid media url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return channels.Media{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "sessiond/0.1")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return channels.Media{}, fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channels.Media{}, fmt.Errorf("fetch media: HTTP %d", resp.StatusCode)
	}

	data, err := r.readLimited(resp.Body)
	if err != nil {
		return channels.Media{}, err
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "file"
	}
	return newMedia(name, data), nil
}

func (r *MediaResolver) readLocal(ref string) (channels.Media, error) {
	if r.dir == "" {
		return channels.Media{}, errors.New("no media directory configured")
	}
	if filepath.IsAbs(ref) {
		return channels.Media{}, ErrPathTraversal
	}
	root, err := filepath.Abs(r.dir)
	if err != nil {
		return channels.Media{}, err
	}
	full := filepath.Join(root, ref)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return channels.Media{}, ErrPathTraversal
	}

	f, err := os.Open(full)
	if err != nil {
		return channels.Media{}, fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()
	data, err := r.readLimited(f)
	if err != nil {
		return channels.Media{}, err
	}
	return newMedia(filepath.Base(full), data), nil
}

func (r *MediaResolver) readLimited(src io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", r.maxBytes)
	}
	return data, nil
}

func newMedia(name string, data []byte) channels.Media {
	mt := mimetype.Detect(data)
	if filepath.Ext(name) == "" {
		name += mt.Extension()
	}
	return channels.Media{Name: name, MimeType: mt.String(), Data: data}
}
