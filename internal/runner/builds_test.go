package runner

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/versionstore"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestBuilds_UploadExtracts(t *testing.T) {
	builds, _ := NewBuilds(t.TempDir())
	data := makeZip(t, map[string]string{"data/rdscore/rbk": "binary"})

	v, err := builds.Upload(data, "linux-0.2.0.1.zip", versionstore.Checksum(data))
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "linux-0.2.0.1" {
		t.Errorf("name = %q", v.Name)
	}
	path, err := builds.Path("linux-0.2.0.1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(path, "data", "rdscore", "rbk"))
	if err != nil || string(got) != "binary" {
		t.Errorf("extracted = %q, %v", got, err)
	}

	names, _ := builds.List()
	if len(names) != 1 || names[0] != "linux-0.2.0.1" {
		t.Errorf("List = %v", names)
	}
}

func TestBuilds_StripsVersionDirectory(t *testing.T) {
	builds, _ := NewBuilds(t.TempDir())
	data := makeZip(t, map[string]string{"windows-0.2.0.1/data/rdscore/rbk.exe": "exe"})

	if _, err := builds.Upload(data, "windows-0.2.0.1.zip", versionstore.Checksum(data)); err != nil {
		t.Fatal(err)
	}
	path, _ := builds.Path("windows-0.2.0.1")
	if _, err := os.Stat(filepath.Join(path, "data", "rdscore", "rbk.exe")); err != nil {
		t.Errorf("expected stripped layout: %v", err)
	}
}

func TestBuilds_UploadIsIdempotent(t *testing.T) {
	builds, _ := NewBuilds(t.TempDir())
	data := makeZip(t, map[string]string{"a.txt": "one"})

	if _, err := builds.Upload(data, "linux-0.2.0.1.zip", versionstore.Checksum(data)); err != nil {
		t.Fatal(err)
	}
	if _, err := builds.Upload(data, "linux-0.2.0.1.zip", versionstore.Checksum(data)); err != nil {
		t.Fatalf("identical re-upload: %v", err)
	}
}

func TestBuilds_RejectsDifferentBytesForInstalledVersion(t *testing.T) {
	builds, _ := NewBuilds(t.TempDir())
	first := makeZip(t, map[string]string{"a.txt": "one"})
	second := makeZip(t, map[string]string{"a.txt": "two"})

	builds.Upload(first, "linux-0.2.0.1.zip", versionstore.Checksum(first))
	if _, err := builds.Upload(second, "linux-0.2.0.1.zip", versionstore.Checksum(second)); !errors.Is(err, domain.ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
	path, _ := builds.Path("linux-0.2.0.1")
	got, _ := os.ReadFile(filepath.Join(path, "a.txt"))
	if string(got) != "one" {
		t.Errorf("content = %q, installed version must be kept", got)
	}
}

func TestBuilds_ReinstallsWhenArchiveIsMissing(t *testing.T) {
	dir := t.TempDir()
	builds, _ := NewBuilds(dir)
	os.MkdirAll(filepath.Join(dir, "linux-0.2.0.1"), 0755)
	os.WriteFile(filepath.Join(dir, "linux-0.2.0.1", "stale.txt"), []byte("x"), 0644)

	data := makeZip(t, map[string]string{"a.txt": "fresh"})
	if _, err := builds.Upload(data, "linux-0.2.0.1.zip", versionstore.Checksum(data)); err != nil {
		t.Fatal(err)
	}
	path, _ := builds.Path("linux-0.2.0.1")
	if got, _ := os.ReadFile(filepath.Join(path, "a.txt")); string(got) != "fresh" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(path, "stale.txt")); err == nil {
		t.Error("stale install survived the reinstall")
	}
}

func TestBuilds_RejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	builds, _ := NewBuilds(dir)
	data := makeZip(t, map[string]string{"a": "b"})

	if _, err := builds.Upload(data, "linux-0.2.0.1.zip", "0000"); !errors.Is(err, domain.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if builds.Has("linux-0.2.0.1") {
		t.Error("version installed despite mismatch")
	}
}

func TestBuilds_RejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	builds, _ := NewBuilds(filepath.Join(dir, "builds"))
	data := makeZip(t, map[string]string{"../../escaped.txt": "x"})

	if _, err := builds.Upload(data, "linux-0.2.0.1.zip", versionstore.Checksum(data)); err == nil {
		t.Fatal("expected error for escaping entry")
	}
	if _, err := os.Stat(filepath.Join(dir, "escaped.txt")); err == nil {
		t.Error("entry escaped the builds directory")
	}
	if builds.Has("linux-0.2.0.1") {
		t.Error("partially extracted version must not be installed")
	}
}

func TestBuilds_PathUnknown(t *testing.T) {
	builds, _ := NewBuilds(t.TempDir())
	if _, err := builds.Path("linux-1.0.0"); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("err = %v, want ErrVersionNotFound", err)
	}
	if builds.Has("../etc") {
		t.Error("Has accepted an unsafe name")
	}
}
