// Package storage persists capture buffer snapshots as plain text log files
// and tracks what has been saved for the frontend's recent-files list.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/esp-monitor/backend/internal/models"
	"github.com/google/uuid"
)

// Store defines the interface for saved capture files.
type Store interface {
	SaveRecords(tag models.OriginTag, records []models.LineRecord) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(id string) error
	GetFilePath(id string) (string, error)
}

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	mu     sync.RWMutex
	outDir string
	files  map[string]*models.FileInfo
	names  map[string]string // id -> filename on disk
}

// NewLocalStore creates a store writing under outDir.
func NewLocalStore(outDir string) (*LocalStore, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &LocalStore{
		outDir: outDir,
		files:  make(map[string]*models.FileInfo),
		names:  make(map[string]string),
	}, nil
}

// OutDir returns the directory saved files are written to.
func (s *LocalStore) OutDir() string {
	return s.outDir
}

// SaveRecords serializes a buffer snapshot to a timestamped file, one line
// per record: "[HH:MM:SS] <text>" for records captured with timestamps on,
// the bare text otherwise. The snapshot is not mutated; a failed save leaves
// no partial file behind.
func (s *LocalStore) SaveRecords(tag models.OriginTag, records []models.LineRecord) (*models.FileInfo, error) {
	base := fmt.Sprintf("%s_%s", tag, time.Now().Format("20060102_150405"))
	name := base + ".log"
	path := filepath.Join(s.outDir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%d.log", base, n)
		path = filepath.Join(s.outDir, name)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, rec := range records {
		if _, err := w.WriteString(rec.DisplayText() + "\n"); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("flushing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing %s: %w", path, err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	info := &models.FileInfo{
		ID:      uuid.New().String(),
		Name:    name,
		Size:    stat.Size(),
		SavedAt: time.Now(),
		Tag:     tag,
	}

	s.mu.Lock()
	s.files[info.ID] = info
	s.names[info.ID] = name
	s.mu.Unlock()

	return info, nil
}

// Get retrieves saved file metadata by ID.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", id)
	}
	return info, nil
}

// List returns the most recently saved files, newest first.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.FileInfo, 0, len(s.files))
	for _, info := range s.files {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].SavedAt.After(list[j].SavedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Delete removes a saved file and its metadata.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.names[id]
	if !ok {
		return fmt.Errorf("file not found: %s", id)
	}
	if err := os.Remove(filepath.Join(s.outDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	delete(s.files, id)
	delete(s.names, id)
	return nil
}

// GetFilePath returns the on-disk path for a saved file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	if !ok {
		return "", fmt.Errorf("file not found: %s", id)
	}
	return filepath.Join(s.outDir, name), nil
}
