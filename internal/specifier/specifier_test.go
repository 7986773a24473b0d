package specifier

import (
	"errors"
	"testing"
)

func noWarnings(t *testing.T) func(string) {
	return func(msg string) { t.Errorf("unexpected warning: %s", msg) }
}

type compileTestcase struct {
	Name  string
	Specs []Spec
	Want  string
}

func (tc compileTestcase) Run(t *testing.T) {
	got, err := Compile(tc.Specs, noWarnings(t))
	if err != nil {
		t.Fatalf("Compile(%v): %v", tc.Specs, err)
	}
	if got != tc.Want {
		t.Errorf("Compile(%v) = %q, want %q", tc.Specs, got, tc.Want)
	}
}

func TestCompileSingleOperators(t *testing.T) {
	tt := []compileTestcase{
		{Name: ">=", Specs: []Spec{{">=", "1.5"}}, Want: "0-1.5-4.."},
		{Name: "<=", Specs: []Spec{{"<=", "1.5"}}, Want: "..!0-1.5-4-1"},
		{Name: "==", Specs: []Spec{{"==", "1.5"}}, Want: "0-1.5-4"},
		{Name: "===", Specs: []Spec{{"===", "1.5"}}, Want: "0-1.5-4"},
		{Name: "!=", Specs: []Spec{{"!=", "1.5"}}, Want: "!0-1.5-4"},
		{Name: ">", Specs: []Spec{{">", "1.5"}}, Want: "0-1.6-0.0-4.."},
		{Name: "<", Specs: []Spec{{"<", "1.5"}}, Want: "..!0-1.5-0.0-4"},
		{Name: "compatible", Specs: []Spec{{"~=", "1.5"}}, Want: "0-1.5-4..!0-2-0.0-4"},
		{Name: "prefix eq", Specs: []Spec{{"==", "1.5.*"}}, Want: "0-1.5-0.0-4..!0-1.6-0.0-4"},
		{Name: "prefix ne", Specs: []Spec{{"!=", "1.5.*"}}, Want: "..!0-1.5-0.0-4 | 0-1.6-0.0-4.."},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

// TestAllButOneCollapse pins scenario 4 from the end-to-end examples: "!=1"
// compiles to a single NotVersion, not an explicit two-range disjunction.
func TestAllButOneCollapse(t *testing.T) {
	got, err := Compile([]Spec{{"!=", "1"}}, noWarnings(t))
	if err != nil {
		t.Fatal(err)
	}
	if want := "!0-1-4"; got != want {
		t.Errorf("Compile(!=1) = %q, want %q", got, want)
	}
}

// TestEmptyRangeRejection pins scenario 5: an unsatisfiable conjunction
// raises ErrEmptyRangeConversion.
func TestEmptyRangeRejection(t *testing.T) {
	_, err := Compile([]Spec{{">=", "2"}, {"<", "1"}}, noWarnings(t))
	if !errors.Is(err, ErrEmptyRangeConversion) {
		t.Errorf("Compile(>=2,<1) error = %v, want ErrEmptyRangeConversion", err)
	}
}

// Compile skips a rejected specifier with a warning (see
// TestInvalidOperatorIsSkippedWithWarning); the rejection itself is the
// error convertOperator returns.
func TestCompatibleRejectsShortRelease(t *testing.T) {
	_, err := convertOperator("~=", "1")
	if err == nil {
		t.Error("expected error for ~=1 (release has only one component)")
	}
}

func TestPrefixMatchRejectsDevTail(t *testing.T) {
	_, err := convertOperator("==", "1.0.dev1.*")
	if err == nil {
		t.Error("expected error for a prefix match ending in .dev.*")
	}
}

func TestPrefixMatchOnlyAllowsEqAndNe(t *testing.T) {
	var warned bool
	warn := func(string) { warned = true }
	got, err := Compile([]Spec{{">=", "1.0.*"}}, warn)
	if err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Error("expected a warning for a disallowed prefix-match operator")
	}
	if got != "" {
		t.Errorf("expected the invalid specifier to be skipped, got %q", got)
	}
}

func TestInvalidOperatorIsSkippedWithWarning(t *testing.T) {
	var warned bool
	warn := func(string) { warned = true }
	got, err := Compile([]Spec{{"%%", "1.0"}, {">=", "1.0"}}, warn)
	if err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Error("expected a warning for the unknown operator")
	}
	if want := "0-1-4.."; got != want {
		t.Errorf("Compile = %q, want %q", got, want)
	}
}

func TestEmptySpecSetCompilesToEmptyString(t *testing.T) {
	got, err := Compile(nil, noWarnings(t))
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("Compile(nil) = %q, want empty string", got)
	}
}

// TestCompileIsDeterministic checks that compiling the same specifier set
// twice yields the same rendered expression.
func TestCompileIsDeterministic(t *testing.T) {
	first, err := Compile([]Spec{{">=", "1.0"}, {"!=", "1.5"}}, noWarnings(t))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compile([]Spec{{">=", "1.0"}, {"!=", "1.5"}}, noWarnings(t))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected stable output, got %q then %q", first, second)
	}
}
