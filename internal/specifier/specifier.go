// Package specifier compiles a PyPI requirement's (operator, version)
// specifier set into a single target-format range expression, following the
// same AST-build / distribute-and-over-or / simplify pipeline as the
// upstream converter this package is ported from.
package specifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pypi2zi/pypi2zi/internal/version"
)

// Spec is one (operator, version-string) pair from a requirement's
// specifier set.
type Spec struct {
	Operator string
	Version  string
}

// InvalidSpecifierError reports a specifier this package refuses to
// compile: an unknown operator, a prefix match on a disallowed operator, or
// a ~= whose release segment is too short.
type InvalidSpecifierError struct {
	Operator string
	Version  string
	Reason   string
}

func (e *InvalidSpecifierError) Error() string {
	return fmt.Sprintf("invalid specifier %s%s: %s", e.Operator, e.Version, e.Reason)
}

// ErrEmptyRangeConversion is returned when every specifier in a set is
// individually valid but their conjunction admits no version at all.
var ErrEmptyRangeConversion = fmt.Errorf("specifier: compiled specifier set is empty")

// rang is a half-open version interval [start, end).
type rang struct {
	start, end version.Version
}

func (r rang) empty() bool { return !r.start.Less(r.end) }

// format renders r per the target-format range grammar: a range that spans
// exactly the interval between a version and its epsilon successor renders
// as the bare version; otherwise start..!end, with MIN/MAX sides omitted.
func (r rang) format() string {
	if r.end.Equal(r.start.After()) {
		return r.start.FormatTarget()
	}
	start := ""
	if !r.start.Equal(version.Min) {
		start = r.start.FormatTarget()
	}
	end := ""
	if !r.end.Equal(version.Max) {
		end = "!" + r.end.FormatTarget()
	}
	return start + ".." + end
}

// Compile converts specs into a single target-format range expression.
// Invalid individual specifiers are reported through warn and skipped; the
// remaining ones are conjoined. An empty specs slice, or a set that skips
// every specifier, compiles to the empty string (no version constraint).
func Compile(specs []Spec, warn func(string)) (string, error) {
	var disjunctions [][]rang
	for _, s := range specs {
		d, err := convertOperator(s.Operator, s.Version)
		if err != nil {
			warn(fmt.Sprintf("skipping invalid specifier %q%s: %v", s.Operator, s.Version, err))
			continue
		}
		disjunctions = append(disjunctions, d)
	}
	if len(disjunctions) == 0 {
		return "", nil
	}

	acc := disjunctions[0]
	for _, next := range disjunctions[1:] {
		acc = intersect(acc, next)
		if len(acc) == 0 {
			return "", ErrEmptyRangeConversion
		}
	}

	sort.Slice(acc, func(i, j int) bool { return acc[i].start.Less(acc[j].start) })
	acc = mergeTouching(acc)

	if len(acc) == 2 &&
		acc[0].start.Equal(version.Min) &&
		acc[1].end.Equal(version.Max) &&
		acc[0].end.After().Equal(acc[1].start) {
		return "!" + acc[0].end.FormatTarget(), nil
	}

	parts := make([]string, len(acc))
	for i, r := range acc {
		parts[i] = r.format()
	}
	return strings.Join(parts, " | "), nil
}

// intersect distributes two disjunctions of ranges against each other,
// dropping pairwise intersections that turn out empty.
func intersect(a, b []rang) []rang {
	var out []rang
	for _, ra := range a {
		for _, rb := range b {
			start := ra.start
			if ra.start.Less(rb.start) {
				start = rb.start
			}
			end := ra.end
			if rb.end.Less(end) {
				end = rb.end
			}
			r := rang{start: start, end: end}
			if !r.empty() {
				out = append(out, r)
			}
		}
	}
	return out
}

// mergeTouching fully collapses a sorted-by-start run of touching or
// overlapping ranges; r2 touches r1 when r1.end >= r2.start.
func mergeTouching(rs []rang) []rang {
	if len(rs) == 0 {
		return rs
	}
	out := []rang{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if !last.end.Less(r.start) {
			if last.end.Less(r.end) {
				last.end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func convertOperator(op, raw string) ([]rang, error) {
	if strings.HasSuffix(raw, ".*") {
		if op != "==" && op != "!=" {
			return nil, &InvalidSpecifierError{Operator: op, Version: raw, Reason: "prefix match is only valid with == or !="}
		}
		base := strings.TrimSuffix(raw, ".*")
		v, err := version.Parse(base, true)
		if err != nil {
			return nil, err
		}
		return convertPrefixMatch(v, op == "==")
	}

	if op == "~=" {
		return convertCompatible(raw)
	}

	v, err := version.Parse(raw, true)
	if err != nil {
		return nil, err
	}
	switch op {
	case ">=":
		return []rang{{v, version.Max}}, nil
	case ">":
		return convertGT(v)
	case "<=":
		return []rang{{version.Min, v.After()}}, nil
	case "<":
		return convertLT(v)
	case "==", "===":
		return []rang{{v, v.After()}}, nil
	case "!=":
		return []rang{{version.Min, v}, {v.After(), version.Max}}, nil
	default:
		return nil, &InvalidSpecifierError{Operator: op, Version: raw, Reason: "unknown operator"}
	}
}

// convertGT implements PEP 440's "exclusive greater-than must not admit a
// post-release of v unless v itself is already a post-release" rule.
func convertGT(v version.Version) ([]rang, error) {
	canAppendPost := true
	switch v.LastModifierKind() {
	case version.Post, version.Dev:
		canAppendPost = false
	}
	if !canAppendPost {
		return []rang{{v.After(), version.Max}}, nil
	}

	var bumped version.Version
	if v.HasModifiers() {
		b, err := v.IncrementLastModifier()
		if err != nil {
			return nil, err
		}
		bumped = b
	} else {
		bumped = v.IncrementRelease()
	}
	bumped = bumped.AppendModifier(version.Modifier{Kind: version.Dev, Number: 0})
	return []rang{{bumped, version.Max}}, nil
}

func convertLT(v version.Version) ([]rang, error) {
	if !v.IsPrerelease() {
		return []rang{{version.Min, v.AppendModifier(version.Modifier{Kind: version.Dev, Number: 0})}}, nil
	}
	return []rang{{version.Min, v}}, nil
}

// convertPrefixMatch implements both ==v.* (isEq) and !=v.* (complement).
func convertPrefixMatch(v version.Version, isEq bool) ([]rang, error) {
	start := v.AppendModifier(version.Modifier{Kind: version.Dev, Number: 0})

	var end version.Version
	if v.HasModifiers() {
		if v.LastModifierKind() == version.Dev {
			return nil, &InvalidSpecifierError{Version: v.FormatTarget(), Reason: "prefix match must not end with .dev.*"}
		}
		e, err := v.IncrementLastModifier()
		if err != nil {
			return nil, err
		}
		end = e
	} else {
		end = v.IncrementRelease()
	}
	end = end.AppendModifier(version.Modifier{Kind: version.Dev, Number: 0})

	if isEq {
		return []rang{{start, end}}, nil
	}
	return []rang{{version.Min, start}, {end, version.Max}}, nil
}

// convertCompatible implements ~=v: the conjunction of >=v and ==prefix(v).*,
// where prefix(v) drops the last release component of the *untrimmed*
// release (trailing-zero trimming would otherwise strip the very component
// being dropped, producing the wrong prefix for inputs like "1.0").
func convertCompatible(raw string) ([]rang, error) {
	v, err := version.Parse(raw, true)
	if err != nil {
		return nil, err
	}
	untrimmed, err := version.Parse(raw, false)
	if err != nil {
		return nil, err
	}
	release := untrimmed.Release()
	if len(release) < 2 {
		return nil, &InvalidSpecifierError{Operator: "~=", Version: raw, Reason: "release must have at least two components"}
	}
	prefix := version.FromEpochRelease(untrimmed.Epoch(), release[:len(release)-1])

	geRange := []rang{{v, version.Max}}
	prefixRange, err := convertPrefixMatch(prefix, true)
	if err != nil {
		return nil, err
	}
	out := intersect(geRange, prefixRange)
	if len(out) == 0 {
		return nil, ErrEmptyRangeConversion
	}
	return out, nil
}
