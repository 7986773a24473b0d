package digest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestOfIsStableAndOrderIndependent(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "setup.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pkg", "sub", "a.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got1, err := ManifestOf(root)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := ManifestOf(root)
	if err != nil {
		t.Fatal(err)
	}
	if got1 != got2 {
		t.Errorf("expected a stable digest across repeated walks, got %q then %q", got1, got2)
	}
	if len(got1) != 52 {
		t.Errorf("expected a 52-character base32 sha256 digest, got %d chars", len(got1))
	}
}

func TestManifestOfChangesWithContent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := ManifestOf(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := ManifestOf(root)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("expected the digest to change when file content changes")
	}
}

func TestManifestOfMissingRootIsAnError(t *testing.T) {
	_, err := ManifestOf(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected an error for a missing root")
	}
	if errors.Is(err, ErrInvalidDistribution) {
		t.Error("a missing directory is not a permission error")
	}
}
