// Package sandbox safely induces a missing *.egg-info directory by running
// "setup.py egg_info" inside a cgroup- and quota-limited child, launched
// through a shipped firejail profile and shell wrapper, falling back from
// Python 2 to Python 3.
package sandbox

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pypi2zi/pypi2zi/internal/pool"
)

//go:embed profile/sandbox.profile profile/run.sh
var profileFS embed.FS

// execTimeout bounds a single interpreter attempt.
const execTimeout = 10 * time.Second

// interpreters is tried in order; the first to produce a valid egg-info
// wins.
var interpreters = []string{"python2", "python3"}

// ErrNoValidEggInfo is returned when neither interpreter produced a
// validly-shaped egg-info directory within the timeout.
var ErrNoValidEggInfo = errors.New("sandbox: no valid *.egg-info directory and setup.py egg_info failed or timed out")

// CgroupAcquirer is the subset of *pool.CgroupPool the sandbox executor
// needs.
type CgroupAcquirer interface {
	Acquire(ctx context.Context) (pool.CgroupLease, func(), error)
}

// FindExisting looks for a single *.egg-info directory directly under
// distDir that contains PKG-INFO. It returns false if there is not exactly
// one candidate, or the candidate isn't validly shaped.
func FindExisting(distDir string) (string, bool) {
	entries, err := os.ReadDir(distDir)
	if err != nil {
		return "", false
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".egg-info") {
			matches = append(matches, filepath.Join(distDir, e.Name()))
		}
	}
	if len(matches) != 1 {
		return "", false
	}
	if _, err := os.Stat(filepath.Join(matches[0], "PKG-INFO")); err != nil {
		return "", false
	}
	return matches[0], true
}

// GenerateEggInfo runs "setup.py egg_info" inside distDir — which must
// already live inside a leased quota-limited mount — attached to a freshly
// leased cgroup, trying python2 then python3, and returns the path to the
// resulting egg-info directory.
func GenerateEggInfo(ctx context.Context, cgroups CgroupAcquirer, distDir string) (string, error) {
	profilePath, runScriptPath, cleanup, err := materializeProfile()
	if err != nil {
		return "", fmt.Errorf("sandbox: materialize profile: %w", err)
	}
	defer cleanup()

	for _, interpreter := range interpreters {
		lease, release, err := cgroups.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("sandbox: acquire cgroup: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, execTimeout)
		args := append([]string{runScriptPath, distDir, profilePath, interpreter}, lease.TasksFiles()...)
		cmd := exec.CommandContext(attemptCtx, "sh", args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		cancel()
		release()

		if runErr != nil {
			continue
		}
		if dir, ok := FindExisting(distDir); ok {
			return dir, nil
		}
	}
	return "", ErrNoValidEggInfo
}

func materializeProfile() (profilePath, runScriptPath string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "pypi2zi-sandbox-")
	if err != nil {
		return "", "", nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }

	profileData, err := profileFS.ReadFile("profile/sandbox.profile")
	if err != nil {
		cleanup()
		return "", "", nil, err
	}
	runData, err := profileFS.ReadFile("profile/run.sh")
	if err != nil {
		cleanup()
		return "", "", nil, err
	}

	profilePath = filepath.Join(dir, "sandbox.profile")
	runScriptPath = filepath.Join(dir, "run.sh")
	if err := os.WriteFile(profilePath, profileData, 0o644); err != nil {
		cleanup()
		return "", "", nil, err
	}
	if err := os.WriteFile(runScriptPath, runData, 0o755); err != nil {
		cleanup()
		return "", "", nil, err
	}
	return profilePath, runScriptPath, cleanup, nil
}
