// Command pypi2zi runs one conversion pass over the upstream package index,
// writing one signed feed per changed package.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/pypi2zi/pypi2zi/internal/orchestrator"
	"github.com/pypi2zi/pypi2zi/internal/pool"
	"github.com/pypi2zi/pypi2zi/internal/pypiclient"
	"github.com/pypi2zi/pypi2zi/internal/sdist"
	"github.com/pypi2zi/pypi2zi/internal/telemetry"
	"github.com/pypi2zi/pypi2zi/internal/worker"
)

type config struct {
	workers         int
	verbosity       int
	indexURL        string
	mirrorURL       string
	feedsDir        string
	feedsBaseURI    string
	statePath       string
	runnerInterface string
	rstConverter    string
	signCommand     string
	cgroupRoot      string
	quotaDir        string
	quotaImageSize  int64
	sourceArch      string
}

func parseFlags(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("pypi2zi", flag.ContinueOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage of pypi2zi:\n")
		fs.PrintDefaults()
	}

	fs.IntVar(&cfg.workers, "workers", 0, "concurrent package workers (default 2x effective CPU count)")
	fs.StringVar(&cfg.mirrorURL, "pypi-mirror", "", "mirror base URL; when set, downloads go to {URL}packages/{release.path}")
	fs.BoolFunc("v", "increase verbosity (repeatable): 0=silent, 1=info+error, 2=debug", func(string) error {
		cfg.verbosity++
		return nil
	})

	fs.StringVar(&cfg.indexURL, "index-url", "https://pypi.org/pypi", "upstream XML-RPC index endpoint")
	fs.StringVar(&cfg.feedsDir, "feeds-dir", "", "directory feeds and their sibling log files are written to (required)")
	fs.StringVar(&cfg.feedsBaseURI, "feeds-base-uri", "", "base URI feeds are published under (required)")
	fs.StringVar(&cfg.statePath, "state-path", "", "path to the persisted state snapshot (required)")
	fs.StringVar(&cfg.runnerInterface, "runner-interface", "", "feed URI of the convert_sdist compile runner")
	fs.StringVar(&cfg.rstConverter, "rst-converter", "", "path to the RST-to-plain converter executable")
	fs.StringVar(&cfg.signCommand, "sign-command", "", "external signing tool invoked on each staged feed file (empty disables signing)")
	fs.StringVar(&cfg.cgroupRoot, "cgroup-root", "/sys/fs/cgroup", "root of the writable memory/blkio cgroup subtrees")
	fs.StringVar(&cfg.quotaDir, "quota-dir", "", "base directory for quota-limited scratch mounts (required)")
	fs.Int64Var(&cfg.quotaImageSize, "quota-image-size", 256<<20, "size in bytes of each quota-limited scratch filesystem image")
	fs.StringVar(&cfg.sourceArch, "source-arch", "*-src", "feed architecture recorded for source implementations")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.feedsDir == "" || cfg.feedsBaseURI == "" || cfg.statePath == "" || cfg.quotaDir == "" {
		fs.Usage()
		return nil, fmt.Errorf("pypi2zi: -feeds-dir, -feeds-base-uri, -state-path and -quota-dir are required")
	}
	return cfg, nil
}

func externalSigner(command string) func(tmpPath string) error {
	if command == "" {
		return nil
	}
	return func(tmpPath string) error {
		cmd := exec.Command(command, tmpPath)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("sign command %q: %w: %s", command, err, out)
		}
		return nil
	}
}

func run(ctx context.Context, cfg *config) error {
	root, err := telemetry.NewRootLogger(ctx, cfg.verbosity)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	log := root.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := root.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	defer metrics.DumpSummary(os.Stderr)

	idxClient := pypiclient.NewClient(cfg.indexURL, &http.Client{Timeout: 30 * time.Second})
	defer idxClient.Close()

	cgroupPool := pool.NewCgroupPool(cfg.cgroupRoot, "pypi2zi", log)
	defer cgroupPool.Close()
	quotaPool := pool.NewQuotaDirectoryPool(cfg.quotaDir, cfg.quotaImageSize, log)
	defer quotaPool.Close()

	converter := &sdist.Converter{
		Quota:   quotaPool,
		Cgroups: cgroupPool,
		Log:     log.With("component", "sdist"),
	}

	workerCfg := worker.Config{
		FeedsDir:         cfg.feedsDir,
		FeedsBaseURI:     cfg.feedsBaseURI,
		MirrorBaseURL:    cfg.mirrorURL,
		RunnerInterface:  cfg.runnerInterface,
		RSTConverterPath: cfg.rstConverter,
		SourceArch:       cfg.sourceArch,
		Signer:           externalSigner(cfg.signCommand),
		Log:              log.With("component", "worker"),
	}

	orchCfg := orchestrator.Config{
		Workers:   cfg.workers,
		StatePath: cfg.statePath,
		Log:       log.With("component", "orchestrator"),
	}

	runID := telemetry.RunID()
	log.Info("starting conversion run", "run_id", runID)
	err = orchestrator.Run(ctx, idxClient, converter, workerCfg, orchCfg)
	if err != nil {
		log.Error("conversion run finished with an error", "run_id", runID, "error", err)
	} else {
		log.Info("conversion run finished", "run_id", runID)
	}
	return err
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orchestrator.ExitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	err = run(ctx, cfg)
	os.Exit(orchestrator.ExitCode(err))
}
