// Package depends merges a distribution's egg-info requirements — across
// the unnamed required section and named extras — into a sorted set of
// target-ecosystem requires elements, each carrying a compiled version
// range expression.
package depends

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pypi2zi/pypi2zi/internal/pypierrors"
	"github.com/pypi2zi/pypi2zi/internal/specifier"
)

// Requirement is one parsed dependency line from an egg-info requires file.
type Requirement struct {
	Name       string
	Extra      string // "" for the unnamed/required section
	HasMarker  bool
	Specifiers []specifier.Spec
}

// Requires is one merged, compiled dependency ready for the feed assembler.
type Requires struct {
	CanonicalName string
	Required      bool
	VersionExpr   string // "" when the merged specifier set is unconstrained
}

// CanonicalName lowercases name and collapses any run of '-', '_', '.' into
// a single '-'.
func CanonicalName(name string) string {
	var b strings.Builder
	lastWasSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastWasSep {
				b.WriteByte('-')
				lastWasSep = true
			}
			continue
		}
		b.WriteRune(r)
		lastWasSep = false
	}
	return strings.Trim(b.String(), "-")
}

// zirequirement accumulates required-ness and specifier sets for one
// dependency name across the required section and every extra.
type zirequirement struct {
	required   bool
	specifiers []specifier.Spec
}

// Convert reads whichever of requires.txt / depends.txt exists in
// eggInfoDir, merges required and extra sections, and compiles each merged
// dependency's specifier set into a feed-ready Requires list, sorted by
// canonical name.
func Convert(eggInfoDir string, log *slog.Logger) ([]Requires, error) {
	reqPath := filepath.Join(eggInfoDir, "requires.txt")
	depPath := filepath.Join(eggInfoDir, "depends.txt")
	_, reqErr := os.Stat(reqPath)
	_, depErr := os.Stat(depPath)
	reqExists := reqErr == nil
	depExists := depErr == nil
	if reqExists && depExists {
		return nil, &pypierrors.UnsupportedDistribution{Reason: "egg-info has both a requires.txt and a depends.txt file"}
	}

	var path string
	switch {
	case reqExists:
		path = reqPath
	case depExists:
		path = depPath
	default:
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("reading %s: %v", filepath.Base(path), err)}
	}

	reqs, err := parseSections(string(data))
	if err != nil {
		return nil, &pypierrors.InvalidDistribution{Reason: err.Error()}
	}

	extras := map[string]bool{}
	hasMarkedExtra := false
	for _, r := range reqs {
		if r.Extra != "" {
			extras[r.Extra] = true
			if strings.Contains(r.Extra, ":") {
				hasMarkedExtra = true
			}
		}
		if r.HasMarker {
			log.Warn("skipping requirement with an environment marker", "name", r.Name, "extra", r.Extra)
		}
	}
	if len(extras) > 0 {
		names := make([]string, 0, len(extras))
		for e := range extras {
			names = append(names, e)
		}
		sort.Strings(names)
		log.Warn("distribution declares optional extras; dependencies are included regardless", "extras", names)
	}
	if hasMarkedExtra {
		log.Warn("distribution declares an environment-marker-qualified extra")
	}

	merged := map[string]*zirequirement{}
	for _, r := range reqs {
		if r.HasMarker {
			continue
		}
		name := CanonicalName(r.Name)
		z, ok := merged[name]
		if !ok {
			z = &zirequirement{}
			merged[name] = z
		}
		if r.Extra == "" {
			z.required = true
		}
		z.specifiers = append(z.specifiers, r.Specifiers...)
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Requires, 0, len(names))
	for _, name := range names {
		z := merged[name]
		expr, err := specifier.Compile(z.specifiers, func(msg string) {
			log.Warn("specifier compile warning", "dependency", name, "message", msg)
		})
		if err != nil {
			return nil, &pypierrors.InvalidDistribution{Reason: fmt.Sprintf("compiling specifiers for %s: %v", name, err)}
		}
		out = append(out, Requires{CanonicalName: name, Required: z.required, VersionExpr: expr})
	}
	return out, nil
}

// parseSections parses the "sections" format egg-info requirement files
// use: an unnamed leading section for required dependencies, then
// "[extra]" headers introducing optional sections.
func parseSections(data string) ([]Requirement, error) {
	var reqs []Requirement
	extra := ""
	for _, rawLine := range strings.Split(data, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			extra = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		req, err := parseRequirementLine(line)
		if err != nil {
			return nil, fmt.Errorf("parsing requirement %q: %w", line, err)
		}
		req.Extra = extra
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// parseRequirementLine parses one PEP 508-ish requirement line:
// name[extras] (specifiers); environment marker. This package only needs
// the project name, the version specifiers, and whether a marker is
// present — extras-of-the-dependency and the marker expression itself are
// not evaluated.
func parseRequirementLine(line string) (Requirement, error) {
	hasMarker := false
	if i := strings.Index(line, ";"); i >= 0 {
		hasMarker = strings.TrimSpace(line[i+1:]) != ""
		line = strings.TrimSpace(line[:i])
	}

	name := line
	specPart := ""
	for i, r := range line {
		if strings.ContainsRune("[=<>!~ ", r) {
			name = strings.TrimSpace(line[:i])
			specPart = strings.TrimSpace(line[i:])
			break
		}
	}
	if name == "" {
		return Requirement{}, fmt.Errorf("missing project name")
	}
	if bi := strings.Index(specPart, "]"); strings.HasPrefix(specPart, "[") && bi >= 0 {
		specPart = strings.TrimSpace(specPart[bi+1:])
	}

	var specs []specifier.Spec
	for _, clause := range strings.Split(specPart, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		op, ver, err := splitOperator(clause)
		if err != nil {
			return Requirement{}, err
		}
		specs = append(specs, specifier.Spec{Operator: op, Version: ver})
	}

	return Requirement{Name: name, HasMarker: hasMarker, Specifiers: specs}, nil
}

var operators = []string{"===", "~=", ">=", "<=", "==", "!=", ">", "<"}

func splitOperator(clause string) (op, ver string, err error) {
	for _, candidate := range operators {
		if strings.HasPrefix(clause, candidate) {
			return candidate, strings.TrimSpace(clause[len(candidate):]), nil
		}
	}
	return "", "", fmt.Errorf("unrecognized specifier clause %q", clause)
}
