// Package local provides a local filesystem storage provider.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/internal/storage"
)

// Config holds local filesystem provider settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Provider implements storage.Provider on a single flat directory.
type Provider struct {
	rootPath string
}

var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F", `\`, "%5C")

// New creates a local provider rooted at cfg.RootPath.
func New(cfg Config) (*Provider, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Provider{rootPath: root}, nil
}

// FlattenKey maps a logical key to a single file name. Separators are
// percent-escaped, so distinct keys never share a file and no key can
// address a subdirectory.
func FlattenKey(key string) (string, error) {
	name := keyEscaper.Replace(key)
	switch name {
	case "", ".", "..":
		return "", fmt.Errorf("invalid key %q", key)
	}
	return name, nil
}

func (p *Provider) fullPath(key string) (string, error) {
	name, err := FlattenKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(p.rootPath, name)
	if filepath.Dir(path) != p.rootPath {
		return "", fmt.Errorf("key %q escapes root", key)
	}
	return path, nil
}

// Upload writes the object atomically via a temp file and rename.
func (p *Provider) Upload(ctx context.Context, obj storage.Object) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProviderOperation(storage.Local, "upload", time.Since(start), int64(len(obj.Data)), err == nil)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := p.fullPath(obj.Key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(p.rootPath, ".filevault-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", obj.Key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(obj.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", obj.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", obj.Key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", obj.Key, err)
	}

	logging.Debug("local upload", zap.String("key", obj.Key), zap.Int("size", len(obj.Data)))
	return nil
}

// Download reads the whole file for key.
func (p *Provider) Download(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProviderOperation(storage.Local, "download", time.Since(start), int64(len(data)), err == nil)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := p.fullPath(key)
	if err != nil {
		return nil, err
	}

	data, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", key, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the file for key. A missing file is not an error.
func (p *Provider) Remove(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProviderOperation(storage.Local, "remove", time.Since(start), 0, err == nil)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := p.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	logging.Debug("local remove", zap.String("key", key))
	return nil
}

// Name returns "local".
func (p *Provider) Name() string { return storage.Local }
