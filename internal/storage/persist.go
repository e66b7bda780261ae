// Package storage turns expiring provider output URLs into durable public ones.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"genstudio/internal/domain"
)

// Persister copies a remote object into durable storage and returns its
// public URL.
type Persister interface {
	PersistRemoteURL(ctx context.Context, sourceURL, prefix string) (string, error)
}

// DefaultMaxBytes bounds a single persisted object.
const DefaultMaxBytes = 512 << 20

type fetcher struct {
	client   *http.Client
	maxBytes int64
}

func newFetcher(client *http.Client, maxBytes int64) fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return fetcher{client: client, maxBytes: maxBytes}
}

// open starts downloading sourceURL. The caller closes the body.
func (f fetcher) open(ctx context.Context, sourceURL string) (io.ReadCloser, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: invalid source url %q", domain.ErrStorageFailure, sourceURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build download request: %v", domain.ErrStorageFailure, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download: %v", domain.ErrStorageFailure, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: download status %d", domain.ErrStorageFailure, resp.StatusCode)
	}
	body := struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, f.maxBytes), resp.Body}
	return body, resp.Header.Get("Content-Type"), nil
}

// objectKey builds <prefix>/<uuid><ext>.
func objectKey(prefix, contentType, sourceURL string) string {
	name := uuid.NewString() + extensionFor(contentType, sourceURL)
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
}

func extensionFor(contentType, sourceURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := preferredExt[mediaType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ""
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
