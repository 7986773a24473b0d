// Package version implements the PEP 440 version model used to order PyPI
// releases and to render versions into the target ecosystem's own
// epoch-release-modifiers format.
//
// Ordering is delegated entirely to the rendered target-format string: two
// versions are compared by rendering both with FormatTarget and handing the
// result to the target ecosystem's own comparator (here, go-rpm-version,
// whose dash/dot-segmented epoch:version-release grammar happens to match
// the rendered shape closely enough to reuse verbatim). Version itself never
// implements its own segment-by-segment comparison.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	rpmversion "github.com/knqyf263/go-rpm-version"
)

// Kind identifies a modifier slot. The zero value never appears in a parsed
// Version's Modifiers slice; it exists only as the rendering-time "no
// modifier" sentinel.
type Kind string

const (
	Dev  Kind = "dev"
	A    Kind = "a"
	B    Kind = "b"
	RC   Kind = "rc"
	Post Kind = "post"
)

// priority orders modifier kinds for target-format rendering:
// dev < a < b < rc < (no modifier) < post.
var priority = map[Kind]int{
	Dev:  0,
	A:    1,
	B:    2,
	RC:   3,
	Post: 5,
}

// noModifierPriority is the priority rendered for an absent modifier slot.
const noModifierPriority = 4

// maxModifierSlots bounds how many modifiers a version carries: one
// pre-release slot, one post slot, one dev slot.
const maxModifierSlots = 3

// Modifier is one (type, number) pair in a version's modifier sequence.
type Modifier struct {
	Kind   Kind
	Number int
}

func (m Modifier) formatTarget() string {
	return fmt.Sprintf("%d.%d", priority[m.Kind], m.Number)
}

// InvalidVersionError reports why a raw version string was rejected.
type InvalidVersionError struct {
	Raw    string
	Reason string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Raw, e.Reason)
}

// Version is a parsed PEP 440 version plus the bookkeeping needed to render
// it into target format and to synthesize the range endpoints the specifier
// compiler needs.
//
// The zero Version is not meaningful; construct one with Parse, or use Min
// or Max.
type Version struct {
	epoch     int
	release   []int
	modifiers []Modifier
	after     int
	isMax     bool
}

// Min is the smallest version any real release can equal or exceed.
var Min Version

// Max is a sentinel strictly greater than every real version. It cannot be
// rendered or have FormatTarget called on it.
var Max = Version{isMax: true}

func init() {
	v, err := Parse("0.dev", true)
	if err != nil {
		panic("version: failed to construct Min sentinel: " + err.Error())
	}
	Min = v
}

// pattern mirrors the canonical PEP 440 grammar (the same regex the
// standalone Go pep440 package in the corpus uses), extended with a local
// group so Parse can reject local versions explicitly rather than silently
// discarding them.
var pattern = regexp.MustCompile(`(?i)^\s*v?` +
	`(?:(?P<epoch>[0-9]+)!)?` +
	`(?P<release>[0-9]+(?:\.[0-9]+)*)` +
	`(?P<pre>[-_.]?(?P<pre_l>a|b|c|rc|alpha|beta|pre|preview)[-_.]?(?P<pre_n>[0-9]+)?)?` +
	`(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_.]?(?P<post_l>post|rev|r)[-_.]?(?P<post_n2>[0-9]+)?))?` +
	`(?P<dev>[-_.]?(?P<dev_l>dev)[-_.]?(?P<dev_n>[0-9]+)?)?` +
	`(?P<local>\+[a-z0-9]+(?:[-_.][a-z0-9]+)*)?` +
	`\s*$`)

// Parse normalizes raw into a Version, expanding PEP 440 aliases (alpha->a,
// beta->b, c/pre/preview->rc, rev/r->post) and rejecting local-version
// suffixes. When trimZeros is true, trailing ".0" release components are
// dropped, keeping at least one component; callers needing the untrimmed
// release (the ~= compatible-release operator) pass false.
func Parse(raw string, trimZeros bool) (Version, error) {
	m := pattern.FindStringSubmatch(raw)
	if m == nil {
		return Version{}, &InvalidVersionError{Raw: raw, Reason: "does not match PEP 440 grammar"}
	}
	names := pattern.SubexpNames()
	get := func(name string) string {
		for i, n := range names {
			if n == name && m[i] != "" {
				return m[i]
			}
		}
		return ""
	}

	if get("local") != "" {
		return Version{}, &InvalidVersionError{Raw: raw, Reason: "local version suffixes are not supported"}
	}

	v := Version{}
	if e := get("epoch"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil {
			return Version{}, &InvalidVersionError{Raw: raw, Reason: "malformed epoch"}
		}
		v.epoch = n
	}

	relStr := get("release")
	if relStr == "" {
		return Version{}, &InvalidVersionError{Raw: raw, Reason: "missing release segment"}
	}
	for _, part := range strings.Split(relStr, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, &InvalidVersionError{Raw: raw, Reason: "malformed release component"}
		}
		v.release = append(v.release, n)
	}
	if trimZeros {
		for len(v.release) > 1 && v.release[len(v.release)-1] == 0 {
			v.release = v.release[:len(v.release)-1]
		}
	}

	if preLabel := get("pre_l"); preLabel != "" {
		kind, err := normalizePreLabel(preLabel)
		if err != nil {
			return Version{}, &InvalidVersionError{Raw: raw, Reason: err.Error()}
		}
		n := 0
		if s := get("pre_n"); s != "" {
			n, _ = strconv.Atoi(s)
		}
		v.modifiers = append(v.modifiers, Modifier{Kind: kind, Number: n})
	}
	if get("post") != "" {
		n := 0
		if s := get("post_n1"); s != "" {
			n, _ = strconv.Atoi(s)
		} else if s := get("post_n2"); s != "" {
			n, _ = strconv.Atoi(s)
		}
		v.modifiers = append(v.modifiers, Modifier{Kind: Post, Number: n})
	}
	if get("dev") != "" {
		n := 0
		if s := get("dev_n"); s != "" {
			n, _ = strconv.Atoi(s)
		}
		v.modifiers = append(v.modifiers, Modifier{Kind: Dev, Number: n})
	}

	return v, nil
}

func normalizePreLabel(l string) (Kind, error) {
	switch strings.ToLower(l) {
	case "a", "alpha":
		return A, nil
	case "b", "beta":
		return B, nil
	case "rc", "c", "pre", "preview":
		return RC, nil
	default:
		return "", fmt.Errorf("unrecognized pre-release label %q", l)
	}
}

// IsMax reports whether v is the Max sentinel.
func (v Version) IsMax() bool { return v.isMax }

// Epoch returns v's epoch component.
func (v Version) Epoch() int { return v.epoch }

// FromEpochRelease builds an unmodified, no-modifier version from an epoch
// and release sequence. Used by the specifier compiler to construct the
// synthetic prefix version the ~= operator compares against.
func FromEpochRelease(epoch int, release []int) Version {
	out := Version{epoch: epoch}
	out.release = append([]int(nil), release...)
	return out
}

// IsPrerelease reports whether v's leading modifier is a pre-release marker.
func (v Version) IsPrerelease() bool {
	if len(v.modifiers) == 0 {
		return false
	}
	switch v.modifiers[0].Kind {
	case A, B, RC:
		return true
	default:
		return false
	}
}

// LastModifierKind returns the kind of the last modifier, or the empty Kind
// if v has none.
func (v Version) LastModifierKind() Kind {
	if len(v.modifiers) == 0 {
		return ""
	}
	return v.modifiers[len(v.modifiers)-1].Kind
}

// HasModifiers reports whether v carries any pre/post/dev modifier.
func (v Version) HasModifiers() bool { return len(v.modifiers) > 0 }

// Modifiers returns a copy of v's modifier sequence.
func (v Version) Modifiers() []Modifier {
	out := make([]Modifier, len(v.modifiers))
	copy(out, v.modifiers)
	return out
}

// Release returns a copy of v's release component slice.
func (v Version) Release() []int {
	out := make([]int, len(v.release))
	copy(out, v.release)
	return out
}

// AppendModifier returns a copy of v with m appended to its modifier
// sequence. It does not check slot order: callers are responsible for
// keeping pre-release, post, and dev modifiers in that relative position.
// The specifier compiler appends a fresh dev modifier; for an operand that
// already ends in dev (as in "<1.0.dev1") the result carries two dev
// modifiers.
func (v Version) AppendModifier(m Modifier) Version {
	out := v.clone()
	out.modifiers = append(out.modifiers, m)
	return out
}

// IncrementLastModifier returns a copy of v with its last modifier's number
// raised by one. It fails if v has no modifiers.
func (v Version) IncrementLastModifier() (Version, error) {
	if len(v.modifiers) == 0 {
		return Version{}, fmt.Errorf("version: cannot increment last modifier of a version with no modifiers")
	}
	out := v.clone()
	last := len(out.modifiers) - 1
	out.modifiers[last].Number++
	return out, nil
}

// IncrementRelease returns a copy of v with its last release component
// raised by one.
func (v Version) IncrementRelease() Version {
	out := v.clone()
	out.release[len(out.release)-1]++
	return out
}

// After returns a value strictly between v and the next real version a
// Python-expressible version string could name, by stepping an internal
// epsilon counter that renders as a trailing numeric segment.
func (v Version) After() Version {
	out := v.clone()
	out.after++
	return out
}

func (v Version) clone() Version {
	out := Version{epoch: v.epoch, after: v.after, isMax: v.isMax}
	out.release = append([]int(nil), v.release...)
	out.modifiers = append([]Modifier(nil), v.modifiers...)
	return out
}

// FormatTarget renders v as epoch-release-mods[-after]. It panics if v is
// the Max sentinel, which has no target-format representation.
func (v Version) FormatTarget() string {
	if v.isMax {
		panic("version: Max has no target-format rendering")
	}
	relParts := make([]string, len(v.release))
	for i, n := range v.release {
		relParts[i] = strconv.Itoa(n)
	}

	modParts := make([]string, 0, maxModifierSlots)
	for _, m := range v.modifiers {
		modParts = append(modParts, m.formatTarget())
	}
	if len(modParts) < maxModifierSlots {
		modParts = append(modParts, strconv.Itoa(noModifierPriority))
	}

	s := fmt.Sprintf("%d-%s-%s", v.epoch, strings.Join(relParts, "."), strings.Join(modParts, "-"))
	if v.after != 0 {
		s += "-" + strconv.Itoa(v.after)
	}
	return s
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other. Max sorts above every other Version; Max.Compare(Max) is 0.
func (v Version) Compare(other Version) int {
	if v.isMax && other.isMax {
		return 0
	}
	if v.isMax {
		return 1
	}
	if other.isMax {
		return -1
	}
	if v.Equal(other) {
		return 0
	}
	a := rpmversion.NewVersion(v.FormatTarget())
	b := rpmversion.NewVersion(other.FormatTarget())
	return a.Compare(b)
}

// Equal reports whether v and other denote the same version, ignoring any
// source string each might have been parsed from.
func (v Version) Equal(other Version) bool {
	if v.isMax != other.isMax {
		return false
	}
	if v.isMax {
		return true
	}
	if v.epoch != other.epoch || v.after != other.after {
		return false
	}
	if len(v.release) != len(other.release) {
		return false
	}
	for i := range v.release {
		if v.release[i] != other.release[i] {
			return false
		}
	}
	if len(v.modifiers) != len(other.modifiers) {
		return false
	}
	for i := range v.modifiers {
		if v.modifiers[i] != other.modifiers[i] {
			return false
		}
	}
	return true
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }
