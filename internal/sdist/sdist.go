// Package sdist converts one downloaded source distribution artifact into a
// feed implementation: download, checksum verification, extraction into a
// quota-limited scratch mount, shape validation, egg-info discovery,
// dependency conversion, and manifest digesting.
package sdist

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/pypi2zi/pypi2zi/internal/depends"
	"github.com/pypi2zi/pypi2zi/internal/digest"
	"github.com/pypi2zi/pypi2zi/internal/feed"
	"github.com/pypi2zi/pypi2zi/internal/pool"
	"github.com/pypi2zi/pypi2zi/internal/pypierrors"
	"github.com/pypi2zi/pypi2zi/internal/sandbox"
	"github.com/pypi2zi/pypi2zi/internal/version"
)

// maxArtifactSize is the largest sdist this converter will attempt; larger
// artifacts are permanently unsupported rather than retried.
const maxArtifactSize = 50 * 1024 * 1024

// minFreeSpaceForExtraction is the free-space floor below which an
// extraction failure is attributed to resource exhaustion (unsupported)
// rather than a corrupt archive (invalid).
const minFreeSpaceForExtraction = 5 * 1024 * 1024

const downloadTimeout = 2 * time.Minute

// Artifact describes one release artifact to convert. URL and MirrorURL may
// be identical; MirrorURL is tried first when non-empty, falling back to
// URL on any download failure.
type Artifact struct {
	URL         string
	MirrorURL   string
	Path        string // release_url['path']; becomes the feed implementation's id
	Filename    string
	PackageType string
	Size        int64
	MD5Digest   string
	UploadTime  string // upstream's "YYYY-MM-DD HH:MM:SS" timestamp
}

// QuotaAcquirer is the subset of *pool.QuotaDirectoryPool the converter
// needs.
type QuotaAcquirer interface {
	Acquire(ctx context.Context) (pool.QuotaLease, error)
}

// CgroupAcquirer mirrors sandbox.CgroupAcquirer so callers don't need to
// import the sandbox package just to build a Converter.
type CgroupAcquirer = sandbox.CgroupAcquirer

// Options configures the feed fields this converter can't derive from the
// artifact or the extracted tree alone.
type Options struct {
	TargetVersion   version.Version
	SourceArch      string // default "*-src" if empty
	RunnerInterface string // feed URI of the "convert_sdist" compile runner
	FeedsBaseURI    string // base URI dependency feeds live under
	HTTPClient      *http.Client
}

// Converter wires the leased resources one sdist conversion needs.
type Converter struct {
	Quota   QuotaAcquirer
	Cgroups CgroupAcquirer
	Log     *slog.Logger
}

// Convert runs the full download-to-feed-implementation pipeline for one
// artifact.
func (c *Converter) Convert(ctx context.Context, art Artifact, opts Options) (*feed.Implementation, error) {
	if art.PackageType != "sdist" {
		return nil, &pypierrors.UnsupportedDistribution{Reason: fmt.Sprintf("packagetype %q is not sdist", art.PackageType)}
	}
	if art.Size > maxArtifactSize {
		return nil, &pypierrors.UnsupportedDistribution{Reason: fmt.Sprintf("artifact size %d exceeds the %d byte limit", art.Size, maxArtifactSize)}
	}

	archivePath, err := c.download(ctx, art, opts)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archivePath)

	if err := verifyMD5(archivePath, art.MD5Digest); err != nil {
		return nil, err
	}

	lease, err := c.Quota.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("sdist: acquire quota directory: %w", err)
	}

	if err := extract(archivePath, art.Filename, lease.MountPoint); err != nil {
		return nil, classifyExtractErr(err, lease.MountPoint)
	}

	distDir, err := checkShape(lease.MountPoint)
	if err != nil {
		return nil, err
	}

	eggInfoDir, ok := sandbox.FindExisting(distDir)
	if !ok {
		eggInfoDir, err = sandbox.GenerateEggInfo(ctx, c.Cgroups, distDir)
		if err != nil {
			return nil, &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("egg-info discovery: %v", err)}
		}
	}

	reqs, err := depends.Convert(eggInfoDir, c.Log)
	if err != nil {
		return nil, err
	}

	manifestDigest, err := digest.ManifestOf(distDir)
	if err != nil {
		return nil, classifyDigestErr(err)
	}

	meta := readPKGInfo(filepath.Join(eggInfoDir, "PKG-INFO"))

	return buildImplementation(art, opts, manifestDigest, reqs, meta), nil
}

func (c *Converter) download(ctx context.Context, art Artifact, opts Options) (string, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	urls := []string{art.URL}
	if art.MirrorURL != "" && art.MirrorURL != art.URL {
		urls = []string{art.MirrorURL, art.URL}
	}

	var lastErr error
	for _, url := range urls {
		path, err := fetchToTempFile(ctx, client, url)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func fetchToTempFile(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &pypierrors.InvalidDownload{Reason: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &pypierrors.InvalidDownload{Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &pypierrors.InvalidDownload{Reason: fmt.Sprintf("%s: unexpected status %s", url, resp.Status)}
	}

	tmp, err := os.CreateTemp("", "pypi2zi-artifact-*")
	if err != nil {
		return "", fmt.Errorf("sdist: create temp file: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxArtifactSize+1))
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", &pypierrors.InvalidDownload{Reason: err.Error()}
	}
	if closeErr != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sdist: close temp file: %w", closeErr)
	}
	if n > maxArtifactSize {
		os.Remove(tmp.Name())
		return "", &pypierrors.UnsupportedDistribution{Reason: "downloaded artifact exceeds the size limit"}
	}
	return tmp.Name(), nil
}

func verifyMD5(path, expected string) error {
	if expected == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sdist: reopen downloaded artifact: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("sdist: hash downloaded artifact: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return &pypierrors.InvalidDownload{Reason: fmt.Sprintf("md5 mismatch: got %s, want %s", got, expected)}
	}
	return nil
}

// extract unpacks archivePath (whose format is inferred from filename) into
// destDir.
func extract(archivePath, filename, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		return extractTar(gz, destDir)
	case strings.HasSuffix(lower, ".tar.bz2") || strings.HasSuffix(lower, ".tbz2"):
		return extractTar(bzip2.NewReader(f), destDir)
	case strings.HasSuffix(lower, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		return extractTar(xr, destDir)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(f, destDir)
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir)
	default:
		return &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("unrecognized archive format: %s", filename)}
	}
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// safeJoin resolves name under root, rejecting any path (via ".." segments
// or an absolute path) that would escape root.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	target := filepath.Join(root, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(root)+string(filepath.Separator)) && target != filepath.Clean(root) {
		return "", &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("archive entry escapes extraction root: %s", name)}
	}
	return target, nil
}

func classifyExtractErr(err error, mountPoint string) error {
	if _, ok := err.(*pypierrors.InvalidDistribution); ok {
		return err
	}
	free, statErr := freeBytes(mountPoint)
	if statErr == nil && free < minFreeSpaceForExtraction {
		return &pypierrors.UnsupportedDistribution{Reason: fmt.Sprintf("insufficient space to extract: %v", err)}
	}
	return &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("extraction failed: %v", err)}
}

func freeBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// checkShape verifies the extracted tree has exactly one top-level entry, a
// directory containing setup.py, and returns that directory's path.
func checkShape(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("sdist: read extracted tree: %w", err)
	}
	if len(entries) != 1 {
		return "", &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("expected exactly one top-level entry, found %d", len(entries))}
	}
	if !entries[0].IsDir() {
		return "", &pypierrors.InvalidDistribution{Reason: "top-level entry is not a directory"}
	}
	distDir := filepath.Join(root, entries[0].Name())
	if _, err := os.Stat(filepath.Join(distDir, "setup.py")); err != nil {
		return "", &pypierrors.InvalidDistribution{Reason: "top-level directory has no setup.py"}
	}
	return distDir, nil
}

func classifyDigestErr(err error) error {
	switch err {
	case digest.ErrUnsupportedDistribution:
		return &pypierrors.UnsupportedDistribution{Reason: err.Error()}
	case digest.ErrInvalidDistribution:
		return &pypierrors.InvalidDistribution{Reason: err.Error()}
	default:
		return &pypierrors.InvalidDistribution{Reason: err.Error()}
	}
}

// pkgInfo holds the PKG-INFO fields the feed assembler needs per release.
type pkgInfo struct {
	license     string
	classifiers []string
}

func readPKGInfo(path string) pkgInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkgInfo{}
	}
	var info pkgInfo
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "License:"):
			info.license = strings.TrimSpace(strings.TrimPrefix(line, "License:"))
		case strings.HasPrefix(line, "Classifier:"):
			info.classifiers = append(info.classifiers, strings.TrimSpace(strings.TrimPrefix(line, "Classifier:")))
		}
	}
	return info
}

func stabilityFor(v version.Version) string {
	if v.HasModifiers() && v.LastModifierKind() == version.Dev {
		return "developer"
	}
	if v.IsPrerelease() {
		return "testing"
	}
	return "stable"
}

func releasedDate(uploadTime string) string {
	t, err := time.Parse("2006-01-02 15:04:05", uploadTime)
	if err != nil {
		if len(uploadTime) >= 10 {
			return uploadTime[:10]
		}
		return uploadTime
	}
	return t.Format("2006-01-02")
}

func toFeedRequires(reqs []depends.Requires, feedsBaseURI string) []feed.Requires {
	out := make([]feed.Requires, 0, len(reqs))
	for _, r := range reqs {
		importance := "recommended"
		if r.Required {
			importance = "essential"
		}
		out = append(out, feed.Requires{
			Interface:  strings.TrimRight(feedsBaseURI, "/") + "/" + r.CanonicalName + ".xml",
			Importance: importance,
			Version:    r.VersionExpr,
		})
	}
	return out
}

func buildImplementation(art Artifact, opts Options, manifestDigest string, reqs []depends.Requires, meta pkgInfo) *feed.Implementation {
	arch := opts.SourceArch
	if arch == "" {
		arch = "*-src"
	}
	versionStr := opts.TargetVersion.FormatTarget()
	released := releasedDate(art.UploadTime)
	stability := stabilityFor(opts.TargetVersion)
	langs := feed.LanguagesFromClassifiers(meta.classifiers)
	license := meta.license
	if license == "" {
		license = feed.LicenseFromClassifiers(meta.classifiers)
	}
	feedRequires := toFeedRequires(reqs, opts.FeedsBaseURI)

	return &feed.Implementation{
		ID:             art.Path,
		Arch:           arch,
		Version:        versionStr,
		Released:       released,
		Stability:      stability,
		ManifestDigest: feed.ManifestDigest{SHA256New: manifestDigest},
		Archive:        feed.Archive{Href: art.URL, Size: art.Size},
		// The top-level implementation keeps the original requirements
		// slice; the compile implementation below gets its own copy.
		Requires: feedRequires,
		Command: &feed.Command{
			Name:         "compile",
			Runner:       feed.Runner{Interface: opts.RunnerInterface},
			Environments: feed.CompileEnvironment(),
			CompileImplementation: feed.CompileImplementation{
				Arch:      arch,
				Version:   versionStr,
				Released:  released,
				Stability: stability,
				Langs:     langs,
				License:   license,
				Requires:  append([]feed.Requires(nil), feedRequires...),
			},
		},
	}
}
