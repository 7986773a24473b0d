// Package pool implements the three leased resource pools the sandboxed
// conversion pipeline draws on: cgroups, quota-limited scratch directories,
// and upstream index client handles. Every pool follows the same discipline
// — a borrower acquires a lease, does its work, and releases it back to a
// free list — ported from the Python original's context-manager pools.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace is how long a cgroup's stragglers are given to die before being
// force-killed again.
const killGrace = 2 * time.Second

// CgroupLease is one leased set of cgroups, one per subsystem, that a
// sandboxed child can be attached to.
type CgroupLease struct {
	Memory string // path to the memory+swap cgroup directory
	BlkIO  string // path to the blkio cgroup directory
}

// TasksFiles returns the "tasks" control file for each cgroup in the lease,
// used by the sandbox launcher to move the child's PID into every subsystem.
func (l CgroupLease) TasksFiles() []string {
	return []string{
		filepath.Join(l.Memory, "tasks"),
		filepath.Join(l.BlkIO, "tasks"),
	}
}

// CgroupPool hands out memory+swap and blkio limited cgroups, best-effort
// cleaning up stragglers on release and on teardown.
type CgroupPool struct {
	root   string // e.g. /sys/fs/cgroup
	name   string // subsystem namespace, e.g. "pypi2zi"
	log    *slog.Logger
	mu     sync.Mutex
	nextID int
	free   []CgroupLease
	all    []CgroupLease
}

// NewCgroupPool constructs a pool rooted at root (typically
// /sys/fs/cgroup/{memory,blkio}/name must already exist and be owned by the
// running user; that setup step is a deployment concern outside this
// package).
func NewCgroupPool(root, name string, log *slog.Logger) *CgroupPool {
	return &CgroupPool{root: root, name: name, log: log}
}

// Acquire leases one cgroup pair, growing the pool on demand.
func (p *CgroupPool) Acquire(ctx context.Context) (CgroupLease, func(), error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		lease, err := p.add()
		if err != nil {
			p.mu.Unlock()
			return CgroupLease{}, nil, err
		}
		p.free = append(p.free, lease)
	}
	lease := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		p.killStragglers(lease)
		p.mu.Lock()
		p.free = append(p.free, lease)
		p.mu.Unlock()
	}
	return lease, release, nil
}

func (p *CgroupPool) add() (CgroupLease, error) {
	id := p.nextID
	p.nextID++

	mem := filepath.Join(p.root, "memory", p.name, strconv.Itoa(id))
	blk := filepath.Join(p.root, "blkio", p.name, strconv.Itoa(id))
	if err := os.MkdirAll(mem, 0o755); err != nil {
		return CgroupLease{}, fmt.Errorf("pool: create memory cgroup: %w", err)
	}
	if err := os.MkdirAll(blk, 0o755); err != nil {
		return CgroupLease{}, fmt.Errorf("pool: create blkio cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(mem, "memory.limit_in_bytes"), []byte("50M"), 0o644); err != nil {
		return CgroupLease{}, fmt.Errorf("pool: set memory limit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(mem, "memory.memsw.limit_in_bytes"), []byte("50M"), 0o644); err != nil {
		return CgroupLease{}, fmt.Errorf("pool: set memsw limit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(blk, "blkio.weight"), []byte("100"), 0o644); err != nil {
		return CgroupLease{}, fmt.Errorf("pool: set blkio weight: %w", err)
	}

	lease := CgroupLease{Memory: mem, BlkIO: blk}
	p.all = append(p.all, lease)
	return lease, nil
}

// killStragglers sends SIGKILL to every PID still attached to lease's
// cgroups, retrying until the tasks files report empty.
func (p *CgroupPool) killStragglers(lease CgroupLease) {
	for _, tasksFile := range lease.TasksFiles() {
		for {
			pids := readTasks(tasksFile)
			if len(pids) == 0 {
				break
			}
			for _, pid := range pids {
				_ = unix.Kill(pid, unix.SIGKILL)
			}
			time.Sleep(killGrace)
		}
	}
}

func readTasks(path string) []int {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Close removes every cgroup this pool ever created, killing stragglers and
// retrying on EBUSY.
func (p *CgroupPool) Close() error {
	p.mu.Lock()
	all := p.all
	p.mu.Unlock()

	var firstErr error
	for _, lease := range all {
		for _, dir := range []string{lease.Memory, lease.BlkIO} {
			for attempt := 0; attempt < 3; attempt++ {
				err := unix.Rmdir(dir)
				if err == nil || err == unix.ENOENT {
					break
				}
				p.killStragglers(lease)
				if attempt == 2 && firstErr == nil {
					firstErr = fmt.Errorf("pool: removing cgroup %s: %w", dir, err)
					p.log.Warn("cgroup removal gave up", "dir", dir, "error", err)
				}
			}
		}
	}
	return firstErr
}

// QuotaLease is a mount point backed by a fixed-size filesystem image.
type QuotaLease struct {
	MountPoint string
}

// QuotaDirectoryPool hands out mount points backed by sparse ext2 images,
// each capped at imageSize bytes. Leases are not returned to a free list on
// release — the underlying mount is torn down only when the whole pool is
// closed, mirroring the original's deferred-to-teardown release.
type QuotaDirectoryPool struct {
	baseDir   string
	imageSize int64
	log       *slog.Logger

	mu      sync.Mutex
	nextID  int
	mounted []string // mount points, in creation order, for ordered teardown
}

// NewQuotaDirectoryPool constructs a pool that creates its backing images
// and mount points under baseDir.
func NewQuotaDirectoryPool(baseDir string, imageSize int64, log *slog.Logger) *QuotaDirectoryPool {
	return &QuotaDirectoryPool{baseDir: baseDir, imageSize: imageSize, log: log}
}

// Acquire creates a new sparse-file-backed ext2 mount and returns it. There
// is no Release for an individual lease; the mount lives until Close.
func (p *QuotaDirectoryPool) Acquire(ctx context.Context) (QuotaLease, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	dir := filepath.Join(p.baseDir, strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return QuotaLease{}, fmt.Errorf("pool: create scratch dir: %w", err)
	}
	imagePath := filepath.Join(dir, "storage.img")
	mountPoint := filepath.Join(dir, "mnt")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return QuotaLease{}, fmt.Errorf("pool: create mount point: %w", err)
	}

	f, err := os.Create(imagePath)
	if err != nil {
		return QuotaLease{}, fmt.Errorf("pool: create backing image: %w", err)
	}
	if err := f.Truncate(p.imageSize); err != nil {
		f.Close()
		return QuotaLease{}, fmt.Errorf("pool: truncate backing image: %w", err)
	}
	f.Close()

	if out, err := exec.CommandContext(ctx, "mkfs.ext2", "-q", "-m", "0", imagePath).CombinedOutput(); err != nil {
		return QuotaLease{}, fmt.Errorf("pool: mkfs.ext2: %w: %s", err, out)
	}
	if err := unix.Mount(imagePath, mountPoint, "ext2", 0, ""); err != nil {
		return QuotaLease{}, fmt.Errorf("pool: mount %s: %w", mountPoint, err)
	}
	if err := os.Chown(mountPoint, os.Getuid(), os.Getgid()); err != nil {
		p.log.Warn("failed to chown quota mount point", "path", mountPoint, "error", err)
	}

	p.mu.Lock()
	p.mounted = append(p.mounted, mountPoint)
	p.mu.Unlock()

	return QuotaLease{MountPoint: mountPoint}, nil
}

// Close unmounts every mount point this pool created, in reverse of
// acquisition order.
func (p *QuotaDirectoryPool) Close() error {
	p.mu.Lock()
	mounted := p.mounted
	p.mounted = nil
	p.mu.Unlock()

	var firstErr error
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := unix.Unmount(mounted[i], unix.MNT_FORCE); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pool: unmount %s: %w", mounted[i], err)
			p.log.Warn("failed to unmount quota directory", "path", mounted[i], "error", err)
		}
	}
	return firstErr
}

// IndexClient is the minimal surface a leased upstream-index client
// handle needs to expose; satisfied by pypiclient.Client.
type IndexClient interface {
	Close() error
}

// IndexClientPool is a trivial free list of upstream-index client handles.
type IndexClientPool[C IndexClient] struct {
	new func() (C, error)

	mu   sync.Mutex
	free []C
}

// NewIndexClientPool constructs a pool that builds new clients with newFn
// as needed.
func NewIndexClientPool[C IndexClient](newFn func() (C, error)) *IndexClientPool[C] {
	return &IndexClientPool[C]{new: newFn}
}

// Acquire returns a free client handle, constructing one if none is idle.
func (p *IndexClientPool[C]) Acquire() (C, func(), error) {
	p.mu.Lock()
	if len(p.free) > 0 {
		c := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.mu.Unlock()
		return c, func() { p.release(c) }, nil
	}
	p.mu.Unlock()

	c, err := p.new()
	if err != nil {
		var zero C
		return zero, nil, err
	}
	return c, func() { p.release(c) }, nil
}

func (p *IndexClientPool[C]) release(c C) {
	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// Close releases every idle client handle.
func (p *IndexClientPool[C]) Close() error {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range free {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Combined composes the three pools and enters/exits them in the order the
// original requires: the cgroup pool, whose setup needs superuser-assisted
// directory preparation, is entered last and exited first so no sandboxed
// process is still attached to a cgroup when the quota filesystem unmounts.
type Combined[C IndexClient] struct {
	Cgroups *CgroupPool
	Quota   *QuotaDirectoryPool
	Index   *IndexClientPool[C]
}

// Close tears the pools down cgroups-first, then quota directories. Index
// client handles have no shared kernel state to race against and are closed
// last.
func (c *Combined[C]) Close() error {
	var firstErr error
	if err := c.Cgroups.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Quota.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
