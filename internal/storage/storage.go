// Package storage resolves video source references to readable local files.
// Upload handling itself lives outside the engine; jobs arrive with a
// sourceRef pointing into the shared upload directory.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Storage interface {
	FilePath(sourceRef string) (string, error)
	Open(sourceRef string) (io.ReadSeekCloser, error)
}

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// FilePath maps a sourceRef to an absolute path under the base directory.
// Absolute refs are honored as-is so CLI runs can point at arbitrary files.
func (ls *LocalStorage) FilePath(sourceRef string) (string, error) {
	if filepath.IsAbs(sourceRef) {
		return sourceRef, nil
	}

	cleanPath := filepath.Clean(sourceRef)
	if strings.Contains(cleanPath, "..") {
		return "", fmt.Errorf("invalid source ref")
	}
	return filepath.Join(ls.basePath, cleanPath), nil
}

func (ls *LocalStorage) Open(sourceRef string) (io.ReadSeekCloser, error) {
	path, err := ls.FilePath(sourceRef)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}
