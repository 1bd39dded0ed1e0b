package runner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/filestore"
	"github.com/hochfrequenz/coreci/internal/versionstore"
)

// Builds is the runner's local cache of extracted build archives. Each
// version lives in <root>/<name>/ next to its original <name>.zip.
type Builds struct {
	root string
	mu   sync.Mutex
}

// NewBuilds opens the cache rooted at dir
func NewBuilds(dir string) (*Builds, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating builds dir: %w", err)
	}
	return &Builds{root: dir}, nil
}

// Upload verifies data against checksum and extracts it. The archive is
// kept next to the install and records what was installed: an identical
// re-upload is a no-op, different bytes under the same name fail with
// ErrVersionExists.
func (b *Builds) Upload(data []byte, filename, checksum string) (domain.BuildVersion, error) {
	if sum := versionstore.Checksum(data); !versionstore.SameChecksum(sum, checksum) {
		return domain.BuildVersion{}, fmt.Errorf("%w: computed %s, declared %s", domain.ErrChecksumMismatch, sum, checksum)
	}
	v, err := versionstore.ParseName(filename)
	if err != nil {
		return v, err
	}
	v.Checksum = versionstore.Checksum(data)
	v.Size = int64(len(data))

	b.mu.Lock()
	defer b.mu.Unlock()

	reinstall := false
	if b.has(v.Name) {
		installed, err := versionstore.ChecksumFile(b.archive(v.Name))
		switch {
		case err == nil && versionstore.SameChecksum(installed, v.Checksum):
			log.WithField("version", v.Name).Debug("builds: version already present")
			return v, nil
		case err == nil:
			return v, fmt.Errorf("%w: %s is installed with checksum %s", domain.ErrVersionExists, v.Name, installed)
		}
		log.WithField("version", v.Name).Warn("builds: installed version has no recorded archive, reinstalling")
		reinstall = true
	}

	tmp, err := os.MkdirTemp(b.root, ".extract-")
	if err != nil {
		return v, err
	}
	defer os.RemoveAll(tmp)

	if err := extractZip(data, tmp, v.Name); err != nil {
		return v, fmt.Errorf("extracting %s: %w", filename, err)
	}
	if reinstall {
		if err := os.RemoveAll(b.dir(v.Name)); err != nil {
			return v, fmt.Errorf("removing old %s: %w", v.Name, err)
		}
	}
	if err := os.Rename(tmp, b.dir(v.Name)); err != nil {
		return v, fmt.Errorf("installing %s: %w", v.Name, err)
	}
	if err := filestore.WriteFileAtomic(b.archive(v.Name), data, 0644); err != nil {
		return v, fmt.Errorf("recording %s: %w", filename, err)
	}

	log.WithField("version", v.Name).
		WithField("size", humanize.Bytes(uint64(len(data)))).
		Info("builds: version extracted")
	return v, nil
}

// Path returns the install directory of an extracted version
func (b *Builds) Path(name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.has(name) {
		return "", fmt.Errorf("%w: %s", domain.ErrVersionNotFound, name)
	}
	return b.dir(name), nil
}

// Has reports whether name is extracted
func (b *Builds) Has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.has(name)
}

// List returns the names of all extracted versions
func (b *Builds) List() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Builds) dir(name string) string {
	return filepath.Join(b.root, name)
}

func (b *Builds) archive(name string) string {
	return filepath.Join(b.root, name+".zip")
}

func (b *Builds) has(name string) bool {
	if filestore.ValidateID(name) != nil {
		return false
	}
	info, err := os.Stat(b.dir(name))
	return err == nil && info.IsDir()
}

// extractZip unpacks data into dest. When every entry sits below a single
// top-level directory named like the version, that directory is stripped.
// Entries escaping dest are rejected.
func extractZip(data []byte, dest, name string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}

	strip := name + "/"
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, strip) {
			strip = ""
			break
		}
	}

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range zr.File {
		rel := strings.TrimPrefix(f.Name, strip)
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("entry %q escapes the extraction directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
