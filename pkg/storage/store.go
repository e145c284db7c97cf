package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Marker names
const (
	MarkerReportURI       = "ReportUri"
	MarkerMetricReportURI = "MetricReportUri"
)

// Store persists small string values as flat files
type Store interface {
	// Read returns "" when the marker does not exist
	Read(name string) (string, error)
	Write(name, value string) error
}

// MarkerStore implements Store over an afero filesystem
type MarkerStore struct {
	mu sync.Mutex
	fs afero.Fs
}

// NewMarkerStore creates a store rooted at the top of fsys
func NewMarkerStore(fsys afero.Fs) *MarkerStore {
	return &MarkerStore{fs: fsys}
}

// NewOsMarkerStore creates a store rooted at dir on the local disk
func NewOsMarkerStore(dir string) (*MarkerStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return NewMarkerStore(afero.NewBasePathFs(osFs, dir)), nil
}

// Read returns the trimmed marker content
func (s *MarkerStore) Read(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write replaces the marker content. The value is written to a temporary
// file first and renamed so readers never see a partial marker.
func (s *MarkerStore) Write(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := name + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write marker %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		return fmt.Errorf("failed to commit marker %s: %w", name, err)
	}
	return nil
}
