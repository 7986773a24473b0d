package depends

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCanonicalName(t *testing.T) {
	tt := map[string]string{
		"Foo_Bar":     "foo-bar",
		"foo.bar--baz": "foo-bar-baz",
		"FOO":         "foo",
		"--foo--":     "foo",
	}
	for in, want := range tt {
		if got := CanonicalName(in); got != want {
			t.Errorf("CanonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeRequires(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertMergesRequiredAndExtra(t *testing.T) {
	dir := t.TempDir()
	writeRequires(t, dir, "requires.txt", "Dependency>=1.0\n\n[test]\nDependency<2.0\nOther==1.0\n")

	got, err := Convert(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 merged dependencies, got %d: %+v", len(got), got)
	}
	byName := map[string]Requires{}
	for _, r := range got {
		byName[r.CanonicalName] = r
	}

	dep, ok := byName["dependency"]
	if !ok {
		t.Fatal("expected a merged 'dependency' requirement")
	}
	if !dep.Required {
		t.Error("'dependency' appears in the required section and must be Required")
	}
	if dep.VersionExpr == "" {
		t.Error("expected a non-empty version expression for a merged >=1.0,<2.0 constraint")
	}

	other, ok := byName["other"]
	if !ok {
		t.Fatal("expected a merged 'other' requirement")
	}
	if other.Required {
		t.Error("'other' only appears in an extra and must not be Required")
	}
}

func TestConvertRejectsBothRequiresAndDependsFiles(t *testing.T) {
	dir := t.TempDir()
	writeRequires(t, dir, "requires.txt", "foo>=1.0\n")
	writeRequires(t, dir, "depends.txt", "foo>=1.0\n")

	if _, err := Convert(dir, discardLogger()); err == nil {
		t.Fatal("expected an error when both requires.txt and depends.txt exist")
	}
}

func TestConvertSkipsMarkedRequirements(t *testing.T) {
	dir := t.TempDir()
	writeRequires(t, dir, "requires.txt", "foo>=1.0; python_version<\"3\"\n")

	got, err := Convert(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected marked requirements to be skipped entirely, got %+v", got)
	}
}

func TestConvertNoRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	got, err := Convert(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil result when no requirements file exists, got %+v", got)
	}
}
