// Package orchestrator drives one full conversion run: refreshing the
// changed-package set from the upstream changelog, fanning work out across
// a bounded worker pool (grounded on the teacher's semaphore-gated update
// manager), and persisting state before exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/pypi2zi/pypi2zi/internal/pypiclient"
	"github.com/pypi2zi/pypi2zi/internal/pypierrors"
	"github.com/pypi2zi/pypi2zi/internal/state"
	"github.com/pypi2zi/pypi2zi/internal/worker"
)

// Exit codes, per the spec's run-wide policy.
const (
	ExitSuccess   = 0
	ExitError     = 1
	ExitCancelled = 2
	ExitUnhandled = 3
)

// Index is the upstream surface the orchestrator needs on top of what each
// worker consumes per package.
type Index interface {
	worker.Index
	ChangelogLastSerial(ctx context.Context) (int, error)
	ListPackages(ctx context.Context) ([]string, error)
	ChangelogSinceSerial(ctx context.Context, serial int) ([]pypiclient.ChangelogEntry, error)
}

// RunError carries the process exit code an unrecoverable run-level
// condition should produce.
type RunError struct {
	Code int
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("orchestrator: exit %d", e.Code)
	}
	return fmt.Sprintf("orchestrator: exit %d: %v", e.Code, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from err: nil maps to
// ExitSuccess, a *RunError to its Code, and any other error to
// ExitUnhandled.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *RunError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitUnhandled
}

// Config holds the run-wide knobs that aren't per-package.
type Config struct {
	Workers   int // <= 0 means 2 * GOMAXPROCS
	StatePath string
	Log       *slog.Logger
}

// Run executes one full conversion pass: refresh the changed set, convert
// every changed package with up to Workers concurrent goroutines, and save
// a state snapshot before returning — on success, on cancellation, and on a
// PyPITimeout abort alike.
func Run(ctx context.Context, idx Index, converter worker.SdistConverter, workerCfg worker.Config, cfg Config) error {
	log := cfg.Log

	if err := checkSigning(workerCfg.Signer); err != nil {
		return &RunError{Code: ExitError, Err: err}
	}

	st, err := state.Load(cfg.StatePath)
	if err != nil {
		return &RunError{Code: ExitError, Err: err}
	}

	if err := refreshChangeSet(ctx, idx, st); err != nil {
		saveState(st, cfg.StatePath, log)
		return &RunError{Code: ExitError, Err: err}
	}

	names := st.PopChanged()
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var unhandled []error
	var timedOut atomic.Value

	for _, name := range names {
		if err := sem.Acquire(runCtx, 1); err != nil {
			// Context cancelled (signal, or our own abort below) before this
			// package could even start; it stays marked changed for the next
			// run since its worker never ran.
			st.MarkChanged(name)
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)

			pkg := st.EnsurePackage(name)
			result, err := worker.ProcessPackage(runCtx, name, pkg, idx, converter, workerCfg)
			if err != nil {
				if errors.Is(err, pypierrors.PyPITimeout) {
					timedOut.Store(err)
					cancel()
					st.MarkChanged(name)
					return
				}
				log.Error("unhandled error processing package", "package", name, "error", err)
				mu.Lock()
				unhandled = append(unhandled, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				st.MarkChanged(name)
				return
			}
			if result.Finished {
				st.ClearChanged(name)
			} else {
				st.MarkChanged(name)
			}
		}(name)
	}
	wg.Wait()

	saveState(st, cfg.StatePath, log)

	if v := timedOut.Load(); v != nil {
		return &RunError{Code: ExitError, Err: v.(error)}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &RunError{Code: ExitCancelled, Err: ctxErr}
	}
	if len(unhandled) > 0 {
		return &RunError{Code: ExitUnhandled, Err: errors.Join(unhandled...)}
	}
	return nil
}

// checkSigning signs a throwaway stub document before any package is
// processed, so a broken signing setup fails fast instead of surfacing only
// after hundreds of conversions (original_source: update.py's
// check_gpg_signing). A nil signer (unsigned setups, tests) is a no-op.
func checkSigning(signer func(tmpPath string) error) error {
	if signer == nil {
		return nil
	}
	f, err := os.CreateTemp("", "pypi2zi-signing-check-*.xml")
	if err != nil {
		return fmt.Errorf("orchestrator: signing precheck: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if _, err := f.WriteString("<interface/>"); err != nil {
		f.Close()
		return fmt.Errorf("orchestrator: signing precheck: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("orchestrator: signing precheck: %w", err)
	}
	if err := signer(tmpPath); err != nil {
		return fmt.Errorf("orchestrator: signing precheck failed: %w", err)
	}
	return nil
}

func saveState(st *state.State, path string, log *slog.Logger) {
	if err := st.Save(path); err != nil {
		log.Error("failed to save state snapshot", "error", err)
	}
}

// refreshChangeSet implements §4.I's changelog-driven refresh: seed every
// known package as changed on a first run, or fold in the changelog delta
// since the last consumed serial on subsequent runs.
func refreshChangeSet(ctx context.Context, idx Index, st *state.State) error {
	currentSerial, err := idx.ChangelogLastSerial(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching changelog serial: %w", err)
	}

	lastSerial, hasSerial := st.Serial()
	if !hasSerial {
		names, err := idx.ListPackages(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: listing packages: %w", err)
		}
		for _, name := range names {
			st.EnsurePackage(name)
		}
		st.SetSerial(currentSerial)
		return nil
	}

	if currentSerial == lastSerial {
		return nil
	}

	entries, err := idx.ChangelogSinceSerial(ctx, lastSerial)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching changelog delta: %w", err)
	}
	for _, e := range entries {
		st.EnsurePackage(e.Name)
		st.MarkChanged(e.Name)
	}
	st.SetSerial(currentSerial)
	return nil
}
