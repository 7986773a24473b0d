// Package state holds the orchestrator's durable, atomically-persisted
// record of every known package: its append-only blacklists and whether it
// still needs (re)conversion.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pypi2zi/pypi2zi/internal/atomicfile"
)

// Package tracks one upstream package's permanent blacklists. Blacklists
// are append-only for the lifetime of a Package: conversion never retries a
// blacklisted entry for a transient reason.
type Package struct {
	Name                     string          `json:"name"`
	BlacklistedDistributions map[string]bool `json:"blacklisted_distributions,omitempty"`
	BlacklistedVersions      map[string]bool `json:"blacklisted_versions,omitempty"`
}

// NewPackage constructs an empty Package record for name.
func NewPackage(name string) *Package {
	return &Package{
		Name:                     name,
		BlacklistedDistributions: map[string]bool{},
		BlacklistedVersions:      map[string]bool{},
	}
}

// BlacklistDistribution permanently marks url as never-to-be-retried.
func (p *Package) BlacklistDistribution(url string) {
	if p.BlacklistedDistributions == nil {
		p.BlacklistedDistributions = map[string]bool{}
	}
	p.BlacklistedDistributions[url] = true
}

// IsDistributionBlacklisted reports whether url was previously blacklisted.
func (p *Package) IsDistributionBlacklisted(url string) bool {
	return p.BlacklistedDistributions[url]
}

// BlacklistVersion permanently marks raw as an unparseable upstream version
// string.
func (p *Package) BlacklistVersion(raw string) {
	if p.BlacklistedVersions == nil {
		p.BlacklistedVersions = map[string]bool{}
	}
	p.BlacklistedVersions[raw] = true
}

// IsVersionBlacklisted reports whether raw was previously blacklisted.
func (p *Package) IsVersionBlacklisted(raw string) bool {
	return p.BlacklistedVersions[raw]
}

// State is the orchestrator's full durable record. It is not shared with
// workers directly: the orchestrator hands out one *Package at a time and
// serializes every mutation to Changed and every snapshot to disk.
type State struct {
	mu sync.Mutex

	LastSerial int             `json:"last_serial"`
	HasSerial  bool            `json:"has_serial"`
	Packages   map[string]*Package `json:"packages"`
	Changed    map[string]bool     `json:"changed"`
}

// New returns an empty State, as if no prior run had ever completed.
func New() *State {
	return &State{Packages: map[string]*Package{}, Changed: map[string]bool{}}
}

// Load reads a previously persisted snapshot from path. A missing file is
// treated as a fresh first run, not an error.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}
	if s.Packages == nil {
		s.Packages = map[string]*Package{}
	}
	if s.Changed == nil {
		s.Changed = map[string]bool{}
	}
	return s, nil
}

// Save atomically replaces the snapshot at path with s's current contents.
func (s *State) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := atomicfile.Write(path, data, 0o600); err != nil {
		return fmt.Errorf("state: save %s: %w", path, err)
	}
	return nil
}

// PackageNames returns every known package name, in arbitrary order.
func (s *State) PackageNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.Packages))
	for name := range s.Packages {
		names = append(names, name)
	}
	return names
}

// EnsurePackage returns the Package for name, creating and registering an
// empty one (and marking it changed) if this is the first time name has
// been seen.
func (s *State) EnsurePackage(name string) *Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pkg, ok := s.Packages[name]; ok {
		return pkg
	}
	pkg := NewPackage(name)
	s.Packages[name] = pkg
	s.Changed[name] = true
	return pkg
}

// MarkChanged adds name to Changed without disturbing an existing Package
// record.
func (s *State) MarkChanged(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Changed[name] = true
}

// PopChanged removes and returns every currently-changed package name,
// leaving Changed empty. Workers are handed these names one at a time; a
// name is re-added via MarkChanged if its worker reports an unfinished run.
func (s *State) PopChanged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.Changed))
	for name := range s.Changed {
		names = append(names, name)
	}
	s.Changed = map[string]bool{}
	return names
}

// ClearChanged removes name from Changed; called once a worker reports its
// run as finished.
func (s *State) ClearChanged(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Changed, name)
}

// SetSerial records the upstream changelog cursor consumed so far.
func (s *State) SetSerial(serial int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSerial = serial
	s.HasSerial = true
}

// Serial returns the last consumed changelog serial and whether one has
// ever been recorded.
func (s *State) Serial() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastSerial, s.HasSerial
}
