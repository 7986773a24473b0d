package version

import "testing"

type parseTestcase struct {
	Name string
	In   string
	Trim bool
	Err  bool
	Want string // expected FormatTarget, only checked when Err is false
}

func (tc parseTestcase) Run(t *testing.T) {
	v, err := Parse(tc.In, tc.Trim)
	if (err != nil) != tc.Err {
		t.Fatalf("Parse(%q) error = %v, wantErr = %v", tc.In, err, tc.Err)
	}
	if tc.Err {
		return
	}
	if got := v.FormatTarget(); got != tc.Want {
		t.Errorf("Parse(%q).FormatTarget() = %q, want %q", tc.In, got, tc.Want)
	}
}

func TestParse(t *testing.T) {
	tt := []parseTestcase{
		{Name: "simple", In: "1.0", Trim: true, Want: "0-1-4"},
		{Name: "trims trailing zero", In: "1.0.0", Trim: true, Want: "0-1-4"},
		{Name: "keeps zeros when asked", In: "1.0.0", Trim: false, Want: "0-1.0.0-4"},
		{Name: "epoch", In: "1!2.3", Trim: true, Want: "1-2.3-4"},
		{Name: "alpha alias", In: "1.0alpha1", Trim: true, Want: "0-1-1.1-4"},
		{Name: "beta alias", In: "1.0b2", Trim: true, Want: "0-1-2.2-4"},
		{Name: "preview alias", In: "1.0pre3", Trim: true, Want: "0-1-3.3-4"},
		{Name: "rev alias", In: "1.0rev1", Trim: true, Want: "0-1-5.1-4"},
		{Name: "dev only", In: "1.0.dev1", Trim: true, Want: "0-1-0.1-4"},
		{Name: "pre and post and dev", In: "1.0a1.post2.dev3", Trim: true, Want: "0-1-1.1-5.2-0.3"},
		{Name: "v prefix", In: "v2.0", Trim: true, Want: "0-2-4"},
		{Name: "local rejected", In: "1.0+local.1", Trim: true, Err: true},
		{Name: "garbage rejected", In: "not-a-version", Trim: true, Err: true},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

func TestOrderingAgreesWithPEP440(t *testing.T) {
	// dev < a < b < rc < release < post, and pre-release/dev sort before
	// the version they qualify.
	in := []string{"1.0.dev1", "1.0a1", "1.0b1", "1.0rc1", "1.0", "1.0.post1"}
	var prev Version
	for i, s := range in {
		v, err := Parse(s, true)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if i > 0 && !prev.Less(v) {
			t.Errorf("expected %q < %q", in[i-1], s)
		}
		prev = v
	}
}

func TestMinMaxBounds(t *testing.T) {
	v, err := Parse("1.0", true)
	if err != nil {
		t.Fatal(err)
	}
	if !Min.Less(v) {
		t.Error("expected Min < 1.0")
	}
	if !v.Less(Max) {
		t.Error("expected 1.0 < Max")
	}
	if Max.Less(Max) {
		t.Error("Max must not be less than itself")
	}
}

func TestAfterIsAnEpsilonStep(t *testing.T) {
	v, err := Parse("1.0", true)
	if err != nil {
		t.Fatal(err)
	}
	after := v.After()
	if !v.Less(after) {
		t.Error("expected v < v.After()")
	}
	if !after.Less(after.After()) {
		t.Error("expected v.After() < v.After().After()")
	}
	if v.Equal(after) {
		t.Error("v.After() must differ from v")
	}
}

func TestIncrementLastModifierRequiresAModifier(t *testing.T) {
	v, err := Parse("1.0", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.IncrementLastModifier(); err == nil {
		t.Error("expected error incrementing last modifier of a version with no modifiers")
	}

	withMod, err := Parse("1.0a1", true)
	if err != nil {
		t.Fatal(err)
	}
	bumped, err := withMod.IncrementLastModifier()
	if err != nil {
		t.Fatal(err)
	}
	if bumped.FormatTarget() != "0-1-1.2-4" {
		t.Errorf("FormatTarget() = %q, want %q", bumped.FormatTarget(), "0-1-1.2-4")
	}
}

func TestIncrementReleaseBumpsLastComponent(t *testing.T) {
	v, err := Parse("1.2.3", true)
	if err != nil {
		t.Fatal(err)
	}
	got := v.IncrementRelease().FormatTarget()
	want := "0-1.2.4-4"
	if got != want {
		t.Errorf("IncrementRelease().FormatTarget() = %q, want %q", got, want)
	}
}

func TestIsPrerelease(t *testing.T) {
	pre, err := Parse("1.0a1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !pre.IsPrerelease() {
		t.Error("expected 1.0a1 to be a prerelease")
	}
	post, err := Parse("1.0.post1", true)
	if err != nil {
		t.Fatal(err)
	}
	if post.IsPrerelease() {
		t.Error("1.0.post1 must not be a prerelease")
	}
}
