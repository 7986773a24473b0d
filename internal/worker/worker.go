// Package worker implements the per-package conversion lifecycle: reading
// any existing feed, enumerating upstream releases, converting each new
// sdist, and atomically replacing the feed file.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pypi2zi/pypi2zi/internal/atomicfile"
	"github.com/pypi2zi/pypi2zi/internal/depends"
	"github.com/pypi2zi/pypi2zi/internal/feed"
	"github.com/pypi2zi/pypi2zi/internal/pypiclient"
	"github.com/pypi2zi/pypi2zi/internal/pypierrors"
	"github.com/pypi2zi/pypi2zi/internal/sdist"
	"github.com/pypi2zi/pypi2zi/internal/state"
	"github.com/pypi2zi/pypi2zi/internal/version"
)

// Index is the upstream surface one worker run needs.
type Index interface {
	PackageReleases(ctx context.Context, name string) ([]string, error)
	ReleaseData(ctx context.Context, name, ver string) (map[string]pypiclient.Value, error)
	ReleaseURLs(ctx context.Context, name, ver string) ([]pypiclient.ReleaseURL, error)
}

// SdistConverter is the subset of *sdist.Converter the worker loop needs.
type SdistConverter interface {
	Convert(ctx context.Context, art sdist.Artifact, opts sdist.Options) (*feed.Implementation, error)
}

// Config holds the parts of a worker run that don't change per package.
type Config struct {
	FeedsDir         string
	FeedsBaseURI     string
	MirrorBaseURL    string
	RunnerInterface  string
	RSTConverterPath string
	SourceArch       string
	// Signer runs on the staged temp feed file before it is renamed into
	// place. A nil Signer skips signing (used in tests and unsigned setups).
	Signer func(tmpPath string) error
	Log    *slog.Logger
}

// Result reports the outcome of one ProcessPackage call.
type Result struct {
	// Finished is true when no transient error occurred — the orchestrator
	// clears the package from its changed set exactly when this is true.
	Finished bool
	// Removed is true when the package's feed file was deleted because it
	// has no valid releases.
	Removed bool
}

type releasePair struct {
	pythonVersion string
	targetVersion version.Version
}

// ProcessPackage runs one conversion pass for name, per §4.H: read the
// existing feed, enumerate releases, convert anything new, and atomically
// replace the feed file.
func ProcessPackage(ctx context.Context, name string, pkg *state.Package, idx Index, converter SdistConverter, cfg Config) (Result, error) {
	log := cfg.Log
	canonicalName := depends.CanonicalName(name)
	feedPath := filepath.Join(cfg.FeedsDir, canonicalName+".xml")
	feedURI := strings.TrimRight(cfg.FeedsBaseURI, "/") + "/" + canonicalName + ".xml"

	existingData, readErr := os.ReadFile(feedPath)
	if readErr != nil && !os.IsNotExist(readErr) {
		return Result{}, fmt.Errorf("worker: reading existing feed for %s: %w", name, readErr)
	}
	existing, err := feed.Parse(existingData, feedURI)
	if err != nil {
		log.Warn("existing feed failed to parse; starting fresh", "package", name, "error", err)
		existing, _ = feed.Parse(nil, feedURI)
	}
	existingByID := make(map[string]feed.Implementation, len(existing.Implementations))
	for _, impl := range existing.Implementations {
		existingByID[impl.ID] = impl
	}

	rawVersions, err := idx.PackageReleases(ctx, name)
	if err != nil {
		if errors.Is(err, pypierrors.PyPITimeout) {
			return Result{}, err
		}
		log.Warn("enumerating releases failed; will retry next run", "package", name, "error", err)
		return Result{Finished: false}, nil
	}

	var pairs []releasePair
	for _, raw := range rawVersions {
		if pkg.IsVersionBlacklisted(raw) {
			continue
		}
		v, err := version.Parse(raw, true)
		if err != nil {
			pkg.BlacklistVersion(raw)
			log.Warn("blacklisting unparseable version", "package", name, "version", raw, "error", err)
			continue
		}
		pairs = append(pairs, releasePair{pythonVersion: raw, targetVersion: v})
	}

	if len(pairs) == 0 {
		return finishWithNoReleases(feedPath)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].targetVersion.Less(pairs[j].targetVersion) })
	latest := pairs[len(pairs)-1]

	releaseData, err := idx.ReleaseData(ctx, name, latest.pythonVersion)
	if err != nil {
		if errors.Is(err, pypierrors.PyPITimeout) {
			return Result{}, err
		}
		log.Warn("fetching release metadata failed; will retry next run", "package", name, "error", err)
		return Result{Finished: false}, nil
	}
	classifiers := pypiclient.Classifiers(releaseData)
	iface := feed.Assemble(ctx, feed.GeneralMetadata{
		URI:            feedURI,
		Name:           name,
		Summary:        releaseData["summary"].AsString(),
		Homepage:       releaseData["home_page"].AsString(),
		DescriptionRST: releaseData["description"].AsString(),
		Classifiers:    classifiers,
	}, cfg.RSTConverterPath)

	finished := true
	var kept []feed.Implementation

	for _, pair := range pairs {
		urls, err := idx.ReleaseURLs(ctx, name, pair.pythonVersion)
		if err != nil {
			if errors.Is(err, pypierrors.PyPITimeout) {
				return Result{}, err
			}
			log.Warn("fetching release urls failed; will retry next run", "package", name, "version", pair.pythonVersion, "error", err)
			finished = false
			continue
		}

		for _, u := range urls {
			if pkg.IsDistributionBlacklisted(u.URL) {
				continue
			}
			if reused, ok := existingByID[u.Path]; ok {
				kept = append(kept, reused)
				continue
			}
			if u.PackageType != "sdist" {
				pkg.BlacklistDistribution(u.URL)
				log.Warn("blacklisting unsupported package type", "package", name, "url", u.URL, "packagetype", u.PackageType)
				continue
			}

			art := sdist.Artifact{
				URL:         u.URL,
				MirrorURL:   mirrorURL(cfg.MirrorBaseURL, u.Path),
				Path:        u.Path,
				Filename:    u.Filename,
				PackageType: u.PackageType,
				Size:        u.Size,
				MD5Digest:   u.MD5Digest,
				UploadTime:  u.UploadTime,
			}
			impl, convErr := converter.Convert(ctx, art, sdist.Options{
				TargetVersion:   pair.targetVersion,
				SourceArch:      cfg.SourceArch,
				RunnerInterface: cfg.RunnerInterface,
				FeedsBaseURI:    cfg.FeedsBaseURI,
			})
			if convErr != nil {
				switch {
				case pypierrors.AsBlacklistable(convErr):
					pkg.BlacklistDistribution(u.URL)
					log.Warn("blacklisting distribution", "package", name, "url", u.URL, "error", convErr)
				case pypierrors.AsTransient(convErr):
					log.Warn("transient failure converting distribution; will retry", "package", name, "url", u.URL, "error", convErr)
					finished = false
				default:
					return Result{}, fmt.Errorf("worker: converting %s: %w", u.URL, convErr)
				}
				continue
			}
			kept = append(kept, *impl)
		}
	}

	if len(kept) == 0 {
		if finished {
			return finishWithNoReleases(feedPath)
		}
		log.Info("package still has no convertible release; will retry", "package", name)
		return Result{Finished: false}, nil
	}

	iface.Implementations = kept
	data, err := feed.Marshal(iface)
	if err != nil {
		return Result{}, fmt.Errorf("worker: marshal feed for %s: %w", name, err)
	}
	sign := cfg.Signer
	if sign == nil {
		sign = func(string) error { return nil }
	}
	if err := atomicfile.WriteWithSign(feedPath, data, 0o644, sign); err != nil {
		return Result{}, fmt.Errorf("worker: writing feed for %s: %w", name, err)
	}
	return Result{Finished: finished}, nil
}

// finishWithNoReleases implements the NoValidRelease policy: remove any
// stale feed file and report the package as successfully, finally handled.
func finishWithNoReleases(feedPath string) (Result, error) {
	if err := os.Remove(feedPath); err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("worker: removing stale feed %s: %w", feedPath, err)
	}
	return Result{Finished: true, Removed: true}, nil
}

// mirrorURL rewrites an upstream artifact path onto the configured mirror,
// or returns "" when no mirror is configured.
func mirrorURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/packages/" + strings.TrimLeft(path, "/")
}
