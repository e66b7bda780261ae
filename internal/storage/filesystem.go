package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"genstudio/internal/domain"
)

// FileStore keeps provider output on local disk, served under baseURL. It is
// meant for development and single-node installs.
type FileStore struct {
	root    string
	baseURL string
	fetch   fetcher
}

// NewFileStore creates root if needed.
func NewFileStore(root, baseURL string, client *http.Client) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStore{root: root, baseURL: baseURL, fetch: newFetcher(client, 0)}, nil
}

// PersistRemoteURL streams sourceURL to <root>/<prefix>/<uuid><ext> and
// returns its public URL.
func (s *FileStore) PersistRemoteURL(ctx context.Context, sourceURL, prefix string) (string, error) {
	body, contentType, err := s.fetch.open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	key, err := sanitizeKey(objectKey(prefix, contentType, sourceURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if err := s.writeFile(ctx, key, body); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	return publicURL(s.baseURL, key), nil
}

// writeFile copies r into a temporary file next to the target and renames it
// into place, so a half-written download never becomes visible.
func (s *FileStore) writeFile(ctx context.Context, key string, r io.Reader) error {
	target := filepath.Join(s.root, filepath.FromSlash(key))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// sanitizeKey normalizes a slash-separated key and refuses keys that leave
// the root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimLeft(strings.TrimPrefix(key, "./"), "/")
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return cleaned, nil
}

var _ Persister = (*FileStore)(nil)
