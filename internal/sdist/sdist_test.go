package sdist

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pypi2zi/pypi2zi/internal/pypierrors"
	"github.com/pypi2zi/pypi2zi/internal/version"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildTarGz builds an in-memory gzip-compressed tar archive holding the
// given files.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCheckShapeRequiresSingleTopLevelDirWithSetupPy(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "foo-1.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := checkShape(root); err == nil {
		t.Fatal("expected an error when setup.py is missing")
	}

	if err := os.WriteFile(filepath.Join(root, "foo-1.0", "setup.py"), []byte("#"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir, err := checkShape(root)
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(root, "foo-1.0") {
		t.Errorf("checkShape() = %q, want %q", dir, filepath.Join(root, "foo-1.0"))
	}
}

func TestCheckShapeRejectsMultipleTopLevelEntries(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "a"), 0o755)
	os.MkdirAll(filepath.Join(root, "b"), 0o755)
	if _, err := checkShape(root); err == nil {
		t.Fatal("expected an error for multiple top-level entries")
	}
}

func TestExtractTarGzUnpacksFiles(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"foo-1.0/setup.py":   "from setuptools import setup",
		"foo-1.0/foo/__init__.py": "",
	})
	archivePath := filepath.Join(t.TempDir(), "foo-1.0.tar.gz")
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	destDir := t.TempDir()
	if err := extract(archivePath, "foo-1.0.tar.gz", destDir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "foo-1.0", "setup.py")); err != nil {
		t.Errorf("expected setup.py to be extracted: %v", err)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	evil := "../../etc/passwd"
	tw.WriteHeader(&tar.Header{Name: evil, Mode: 0o644, Size: 4})
	tw.Write([]byte("evil"))
	tw.Close()
	gz.Close()

	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	os.WriteFile(archivePath, buf.Bytes(), 0o644)

	destDir := t.TempDir()
	err := extract(archivePath, "evil.tar.gz", destDir)
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if _, ok := err.(*pypierrors.InvalidDistribution); !ok {
		t.Errorf("expected InvalidDistribution, got %T: %v", err, err)
	}
}

func TestUnrecognizedArchiveFormatIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mystery.rar")
	os.WriteFile(path, []byte("not an archive"), 0o644)
	err := extract(path, "mystery.rar", t.TempDir())
	if _, ok := err.(*pypierrors.InvalidDistribution); !ok {
		t.Errorf("expected InvalidDistribution for unrecognized format, got %T: %v", err, err)
	}
}

func TestVerifyMD5RejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	os.WriteFile(path, []byte("hello"), 0o644)
	err := verifyMD5(path, "deadbeefdeadbeefdeadbeefdeadbeef")
	if _, ok := err.(*pypierrors.InvalidDownload); !ok {
		t.Errorf("expected InvalidDownload on md5 mismatch, got %T: %v", err, err)
	}
}

func TestVerifyMD5AcceptsMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	content := []byte("hello")
	os.WriteFile(path, content, 0o644)
	sum := md5.Sum(content)
	if err := verifyMD5(path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("expected matching md5 to be accepted, got %v", err)
	}
}

func TestStabilityForFollowsLastModifier(t *testing.T) {
	stable, _ := version.Parse("1.0", true)
	if got := stabilityFor(stable); got != "stable" {
		t.Errorf("stable release: stabilityFor() = %q, want stable", got)
	}
	pre, _ := version.Parse("1.0a1", true)
	if got := stabilityFor(pre); got != "testing" {
		t.Errorf("prerelease: stabilityFor() = %q, want testing", got)
	}
	dev, _ := version.Parse("1.0.dev1", true)
	if got := stabilityFor(dev); got != "developer" {
		t.Errorf("dev release: stabilityFor() = %q, want developer", got)
	}
	post, _ := version.Parse("1.0.post1", true)
	if got := stabilityFor(post); got != "stable" {
		t.Errorf("post-only release: stabilityFor() = %q, want stable", got)
	}
}

func TestReleasedDateTruncatesTimestamp(t *testing.T) {
	if got := releasedDate("2014-03-21 10:15:00"); got != "2014-03-21" {
		t.Errorf("releasedDate() = %q, want 2014-03-21", got)
	}
}

func TestDownloadFallsBackFromMirrorToOriginal(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer good.Close()

	c := &Converter{Log: discardLogger()}
	art := Artifact{MirrorURL: "http://127.0.0.1:1/unreachable", URL: good.URL, Filename: "foo-1.0.tar.gz"}
	path, err := c.download(context.Background(), art, Options{})
	if err != nil {
		t.Fatalf("expected fallback to the original URL to succeed, got %v", err)
	}
	defer os.Remove(path)
	got, _ := os.ReadFile(path)
	if string(got) != "archive-bytes" {
		t.Errorf("downloaded content = %q, want archive-bytes", got)
	}
}
