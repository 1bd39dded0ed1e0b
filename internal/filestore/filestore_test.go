package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/coreci/internal/domain"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDir_SaveLoad(t *testing.T) {
	dir, err := Open[record](t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := dir.Save("a", &record{Name: "alpha", Count: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := dir.Load("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" || got.Count != 1 {
		t.Errorf("got %+v, want alpha/1", got)
	}

	// Overwrite replaces the record
	if err := dir.Save("a", &record{Name: "alpha", Count: 2}); err != nil {
		t.Fatal(err)
	}
	got, _ = dir.Load("a")
	if got.Count != 2 {
		t.Errorf("Count = %d, want 2", got.Count)
	}
}

func TestDir_LoadMissing(t *testing.T) {
	dir, _ := Open[record](t.TempDir())

	_, err := dir.Load("nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDir_LoadAllSkipsCorruptAndTempFiles(t *testing.T) {
	root := t.TempDir()
	dir, _ := Open[record](root)

	dir.Save("good", &record{Name: "good"})
	os.WriteFile(filepath.Join(root, "broken"), []byte("{not json"), 0644)
	os.WriteFile(filepath.Join(root, ".good.tmp-123"), []byte("{}"), 0644)

	records, err := dir.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ID != "good" {
		t.Errorf("ID = %q, want good", records[0].ID)
	}
}

func TestDir_Remove(t *testing.T) {
	dir, _ := Open[record](t.TempDir())
	dir.Save("x", &record{})

	if err := dir.Remove("x"); err != nil {
		t.Fatal(err)
	}
	if dir.Exists("x") {
		t.Error("record still exists after Remove")
	}
	if err := dir.Remove("x"); err != nil {
		t.Errorf("removing missing record: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"job-1", true},
		{"6f1c9a3e-1111-2222-3333-444455556666", true},
		{"", false},
		{"..", false},
		{"../etc", false},
		{`a\b`, false},
		{".hidden", false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateID(%q) = %v, want valid=%v", tt.id, err, tt.valid)
		}
	}
}
