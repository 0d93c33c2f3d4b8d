// Package storage persists generated and downloaded images.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"photoflow/internal/models"
	"photoflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// FSStore keeps artifacts as files under a root directory and publishes them
// under a public base URL.
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, publicBaseURL string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage root '%s': %w", root, err)
	}
	return &FSStore{root: root, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *FSStore) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Save writes data under key, replacing any previous content.
func (s *FSStore) Save(ctx context.Context, key string, data []byte, contentType string) (models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return models.Artifact{}, err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return models.Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to write artifact '%s': %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return models.Artifact{}, fmt.Errorf("failed to move artifact '%s' into place: %w", key, err)
	}
	return Describe(key, data, contentType), nil
}

// Get reads the artifact stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact %s: %w", key, store.ErrNotFound)
	}
	return data, err
}

// Exists reports whether key has been saved.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Publish returns the public URL of a saved artifact.
func (s *FSStore) Publish(ctx context.Context, key string) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("artifact %s: %w", key, store.ErrNotFound)
	}
	if s.baseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.root, key)), nil
	}
	return s.baseURL + "/" + (&url.URL{Path: strings.TrimLeft(key, "/")}).EscapedPath(), nil
}

// Describe builds an artifact descriptor, sniffing the content type when
// missing and reading image dimensions when the format is known.
func Describe(key string, data []byte, contentType string) models.Artifact {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	a := models.Artifact{Key: key, ContentType: contentType, Size: int64(len(data))}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		a.Width, a.Height = cfg.Width, cfg.Height
	} else {
		log.Debugf("Could not decode image config for %s: %v", key, err)
	}
	return a
}

// ExtensionFor maps an image content type to a file extension.
func ExtensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

var _ store.ArtifactStore = (*FSStore)(nil)
