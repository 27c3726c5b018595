package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
)

// Local is a filesystem-backed Provider used in development and tests.
// Objects live under BaseDir with their key as the relative path.
type Local struct {
	baseDir string
	baseURL string
	logger  logrus.FieldLogger
}

// NewLocal creates a filesystem-backed provider rooted at baseDir. baseURL
// is what GetURL prepends to keys, typically the address of the serving
// process.
func NewLocal(baseDir, baseURL string, logger logrus.FieldLogger) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Local{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}, nil
}

func (p *Local) path(key string) string {
	return filepath.Join(p.baseDir, filepath.FromSlash(key))
}

// Read returns the full contents of the object at key.
func (p *Local) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}

	data, err := os.ReadFile(p.path(key))
	if err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

// Create writes data to key atomically: temp file first, then rename.
func (p *Local) Create(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}

	dest := p.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": humanBytes(int64(len(data))),
	}).Debug("local object written")

	return nil
}

// Delete removes the object at key. Missing objects are not an error.
func (p *Local) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return &lumaframe.StorageError{Op: "delete", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &lumaframe.StorageError{Op: "delete", Key: key, Err: err}
	}

	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return &lumaframe.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists checks whether an object exists at key.
func (p *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, &lumaframe.StorageError{Op: "stat", Key: key, Err: err}
	}

	_, err := os.Stat(p.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &lumaframe.StorageError{Op: "stat", Key: key, Err: err}
}

// GetURL returns the public URL for key.
func (p *Local) GetURL(key string) string {
	return p.baseURL + "/" + key
}
