package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindExistingRequiresExactlyOneCandidate(t *testing.T) {
	dir := t.TempDir()
	if _, ok := FindExisting(dir); ok {
		t.Error("expected no match in an empty directory")
	}

	eggInfo := filepath.Join(dir, "foo.egg-info")
	if err := os.MkdirAll(eggInfo, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := FindExisting(dir); ok {
		t.Error("expected no match without a PKG-INFO file")
	}

	if err := os.WriteFile(filepath.Join(eggInfo, "PKG-INFO"), []byte("Name: foo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok := FindExisting(dir)
	if !ok {
		t.Fatal("expected a match once PKG-INFO exists")
	}
	if got != eggInfo {
		t.Errorf("FindExisting() = %q, want %q", got, eggInfo)
	}

	second := filepath.Join(dir, "bar.egg-info")
	if err := os.MkdirAll(second, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "PKG-INFO"), []byte("Name: bar\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := FindExisting(dir); ok {
		t.Error("expected no match once more than one *.egg-info directory exists")
	}
}
