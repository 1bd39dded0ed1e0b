// Package versionstore keeps uploaded build archives on disk and indexes
// them by name. The index is always rebuilt from a full directory rescan,
// so archives copied in out-of-band show up on the next List.
package versionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/filestore"
)

// Store is a directory of build archives
type Store struct {
	root string

	mu    sync.RWMutex
	index map[string]domain.BuildVersion
	names []string // sorted
}

// New opens the store rooted at dir and indexes its contents
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating versions dir: %w", err)
	}
	s := &Store{root: dir, index: make(map[string]domain.BuildVersion)}
	if _, err := s.List(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the storage directory
func (s *Store) Root() string {
	return s.root
}

// Upload verifies data against declaredChecksum, validates filename and
// persists the archive. Nothing is written when validation fails. A stored
// version is never replaced: re-uploading identical bytes returns it,
// different bytes fail with ErrVersionExists.
func (s *Store) Upload(data []byte, filename, declaredChecksum string) (domain.BuildVersion, error) {
	sum := Checksum(data)
	if !SameChecksum(sum, declaredChecksum) {
		return domain.BuildVersion{}, fmt.Errorf("%w: computed %s, declared %s", domain.ErrChecksumMismatch, sum, declaredChecksum)
	}

	v, err := ParseName(filename)
	if err != nil {
		return domain.BuildVersion{}, err
	}
	path := filepath.Join(s.root, v.Name+".zip")

	s.mu.Lock()
	existing, statErr := ChecksumFile(path)
	switch {
	case statErr == nil && SameChecksum(existing, sum):
		s.mu.Unlock()
		log.WithField("version", v.Name).Debug("versionstore: identical archive already stored")
		return s.stored(v.Name)
	case statErr == nil:
		s.mu.Unlock()
		return domain.BuildVersion{}, fmt.Errorf("%w: %s is stored with checksum %s", domain.ErrVersionExists, v.Name, existing)
	case !os.IsNotExist(statErr):
		s.mu.Unlock()
		return domain.BuildVersion{}, fmt.Errorf("reading stored %s: %w", v.Name, statErr)
	}
	err = filestore.WriteFileAtomic(path, data, 0644)
	s.mu.Unlock()
	if err != nil {
		return domain.BuildVersion{}, fmt.Errorf("writing %s: %w", filename, err)
	}

	log.WithField("version", v.Name).
		WithField("size", humanize.Bytes(uint64(len(data)))).
		Info("versionstore: stored build archive")

	return s.stored(v.Name)
}

// stored rescans and returns the indexed entry for name
func (s *Store) stored(name string) (domain.BuildVersion, error) {
	if _, err := s.List(); err != nil {
		return domain.BuildVersion{}, err
	}
	v, ok := s.lookup(name)
	if !ok {
		return domain.BuildVersion{}, fmt.Errorf("%w: %s vanished after upload", domain.ErrVersionNotFound, name)
	}
	return v, nil
}

// List rescans the storage directory, recomputing checksums and upload
// dates, and returns all valid versions ordered by name.
func (s *Store) List() ([]domain.BuildVersion, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading versions dir: %w", err)
	}

	index := make(map[string]domain.BuildVersion, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		v, err := s.scan(e.Name())
		if err != nil {
			log.WithField("file", e.Name()).WithError(err).Warn("versionstore: skipping entry")
			continue
		}
		index[v.Name] = v
	}

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	s.index = index
	s.names = names
	s.mu.Unlock()

	return s.snapshot(), nil
}

func (s *Store) scan(filename string) (domain.BuildVersion, error) {
	v, err := ParseName(filename)
	if err != nil {
		return v, err
	}
	path := filepath.Join(s.root, filename)
	info, err := os.Stat(path)
	if err != nil {
		return v, err
	}
	sum, err := ChecksumFile(path)
	if err != nil {
		return v, err
	}
	v.Checksum = sum
	v.UploadDate = info.ModTime().UTC()
	v.Size = info.Size()
	return v, nil
}

func (s *Store) snapshot() []domain.BuildVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BuildVersion, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.index[name])
	}
	return out
}

// Get returns the version with the given name, rescanning once on a miss
func (s *Store) Get(name string) (domain.BuildVersion, bool) {
	if v, ok := s.lookup(name); ok {
		return v, true
	}
	if _, err := s.List(); err != nil {
		return domain.BuildVersion{}, false
	}
	return s.lookup(name)
}

func (s *Store) lookup(name string) (domain.BuildVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.index[name]
	return v, ok
}

// Open returns a reader over the archive for name
func (s *Store) Open(name string) (*os.File, domain.BuildVersion, error) {
	v, ok := s.Get(name)
	if !ok {
		return nil, v, fmt.Errorf("%w: %s", domain.ErrVersionNotFound, name)
	}
	f, err := os.Open(filepath.Join(s.root, v.Filename()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, v, fmt.Errorf("%w: %s", domain.ErrVersionNotFound, name)
		}
		return nil, v, err
	}
	return f, v, nil
}

// FetchBytesAndChecksum loads the archive for name built for osName. The
// checksum is computed from the bytes actually returned.
func (s *Store) FetchBytesAndChecksum(name, osName string) ([]byte, string, bool) {
	v, ok := s.Get(name)
	if !ok || v.OS != osName {
		return nil, "", false
	}
	data, err := os.ReadFile(filepath.Join(s.root, v.Filename()))
	if err != nil {
		log.WithField("version", name).WithError(err).Warn("versionstore: cannot read archive")
		return nil, "", false
	}
	return data, Checksum(data), true
}

// Latest returns the most recently uploaded version for osName whose
// version prefix starts with prefix (empty prefix matches all).
func (s *Store) Latest(osName, prefix string) (domain.BuildVersion, bool) {
	var best domain.BuildVersion
	found := false
	for _, v := range s.snapshot() {
		if v.OS != osName || !strings.HasPrefix(v.VersionPrefix, prefix) {
			continue
		}
		if !found || v.UploadDate.After(best.UploadDate) ||
			(v.UploadDate.Equal(best.UploadDate) && v.Name > best.Name) {
			best = v
			found = true
		}
	}
	return best, found
}
