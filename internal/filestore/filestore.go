// Package filestore persists records as one JSON file per id inside a
// directory. Writes go through a temp file and a rename so a crash leaves
// either the old or the new record, never a partial one.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// Dir stores values of type T under root, keyed by id
type Dir[T any] struct {
	root string
}

// Open creates root if needed and returns a store for it
func Open[T any](root string) (*Dir[T], error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", root, err)
	}
	return &Dir[T]{root: root}, nil
}

// Root returns the backing directory
func (d *Dir[T]) Root() string {
	return d.root
}

// ValidateID rejects ids that are not safe to use as a file name
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\:`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", domain.ErrInvalidID, id)
	}
	return nil
}

// Save writes v as the record for id, replacing any previous record
func (d *Dir[T]) Save(id string, v *T) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	return WriteFileAtomic(filepath.Join(d.root, id), data, 0644)
}

// Load reads the record for id. Returns domain.ErrNotFound if absent.
func (d *Dir[T]) Load(id string) (*T, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.root, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return &v, nil
}

// Exists reports whether a record for id is present
func (d *Dir[T]) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(d.root, id))
	return err == nil
}

// Remove deletes the record for id; removing a missing record is not an error
func (d *Dir[T]) Remove(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.root, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Record pairs a loaded value with its id
type Record[T any] struct {
	ID    string
	Value *T
}

// LoadAll rescans the directory and decodes every record in directory
// order. Unreadable or corrupt files are logged and skipped.
func (d *Dir[T]) LoadAll() ([]Record[T], error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	records := make([]Record[T], 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		v, err := d.Load(e.Name())
		if err != nil {
			log.WithField("file", filepath.Join(d.root, e.Name())).
				WithError(err).Warn("filestore: skipping unreadable record")
			continue
		}
		records = append(records, Record[T]{ID: e.Name(), Value: v})
	}
	return records, nil
}

// WriteFileAtomic writes data to a hidden temp file next to path and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
