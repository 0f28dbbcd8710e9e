package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

func TestBuiltinTemplatesCoverEveryPurpose(t *testing.T) {
	for _, p := range Purposes() {
		spec, ok := Lookup(p)
		if !ok {
			t.Fatalf("no spec for %s", p)
		}
		if _, ok := builtinTemplates[spec.File]; !ok {
			t.Errorf("no built-in template %s for %s", spec.File, p)
		}
	}
}

func TestLibrary_RenderBuiltins(t *testing.T) {
	lib := NewLibrary("")
	for _, p := range Purposes() {
		spec, _ := Lookup(p)
		vars := Vars{}
		for _, name := range spec.Required {
			vars[name] = "<" + name + ">"
		}
		out, err := lib.Render(p, vars)
		if err != nil {
			t.Errorf("%s: %v", p, err)
			continue
		}
		if strings.Contains(out, "{{") {
			t.Errorf("%s: unexpanded placeholder in output", p)
		}
	}
}

func TestLibrary_RenderMissingRequired(t *testing.T) {
	lib := NewLibrary("")
	_, err := lib.Render(PurposeFixBuild, Vars{"manifest": "x"})
	if err == nil || !strings.Contains(err.Error(), "log") {
		t.Errorf("expected missing log variable error, got %v", err)
	}
}

func TestLibrary_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fix-syntax.md"), []byte("custom {{manifest}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewLibrary(dir)
	out, err := lib.Render(PurposeFixSyntax, Vars{"manifest": "m", "log": "l", "lang": "nix"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "custom m" {
		t.Errorf("got %q", out)
	}
	// purposes without an override still resolve
	if _, err := lib.Load(PurposeFixHash); err != nil {
		t.Errorf("fallback to built-in: %v", err)
	}
}

func TestLibrary_OverrideWithUnknownVariable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fix-hash-mismatch.md"), []byte("{{manifest}}\n{{#if hint}}{{hint}}{{/if}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewLibrary(dir)
	_, err := lib.Load(PurposeFixHash)
	if err == nil || !strings.Contains(err.Error(), "hint") {
		t.Errorf("expected unknown variable error, got %v", err)
	}
	if err := lib.Check(); err == nil {
		t.Error("Check should report the bad override")
	}
	// optional variables are fine
	if err := os.WriteFile(filepath.Join(dir, "fix-hash-mismatch.md"), []byte("{{manifest}}{{#if hints}}{{hints}}{{/if}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := lib.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestBuiltinTemplatesUseDeclaredVariables(t *testing.T) {
	for _, p := range Purposes() {
		spec, _ := Lookup(p)
		if err := checkTemplate(spec, builtinTemplates[spec.File]); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}
}

func TestLibrary_UnknownPurpose(t *testing.T) {
	if _, err := NewLibrary("").Load("nope"); err == nil {
		t.Error("expected error")
	}
}

func TestInstallBuiltinTemplates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	keep := filepath.Join(dir, "set-up.md")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keep, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := InstallBuiltinTemplates(dir)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(written) != len(Purposes())-1 {
		t.Errorf("wrote %d templates, want %d", len(written), len(Purposes())-1)
	}
	data, _ := os.ReadFile(keep)
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}
}

func TestForKind(t *testing.T) {
	cases := map[classify.Kind]Purpose{
		classify.KindSyntax:            PurposeFixSyntax,
		classify.KindResponseParse:     PurposeFixSyntax,
		classify.KindHashMismatch:      PurposeFixHash,
		classify.KindMissingDependency: PurposeFixMissingDep,
		classify.KindDependencyBuild:   PurposeFixDependencyBuild,
		classify.KindBrokenOutput:      PurposeFixLogOutput,
		classify.KindGeneric:           PurposeFixBuild,
	}
	for k, want := range cases {
		if got := ForKind(k); got != want {
			t.Errorf("ForKind(%s) = %s, want %s", k, got, want)
		}
	}
}
