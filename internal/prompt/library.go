package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Library resolves prompt templates, preferring files in an override
// directory over the built-in set.
type Library struct {
	dir string
}

// NewLibrary creates a Library. An empty dir means built-ins only.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// DefaultDir returns ~/.pkgforge/prompts.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pkgforge", "prompts")
}

// Load returns the template text for a purpose.
func (l *Library) Load(p Purpose) (string, error) {
	spec, ok := Lookup(p)
	if !ok {
		return "", fmt.Errorf("unknown prompt purpose %q", p)
	}
	if l.dir != "" {
		path := filepath.Join(l.dir, spec.File)
		absPath, err := filepath.Abs(path)
		if err == nil {
			absDir, err2 := filepath.Abs(l.dir)
			if err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
				return "", fmt.Errorf("template path %q escapes %s", spec.File, l.dir)
			}
		}
		if data, err := os.ReadFile(path); err == nil {
			if err := checkTemplate(spec, string(data)); err != nil {
				return "", fmt.Errorf("template %s: %w", path, err)
			}
			return string(data), nil
		}
	}
	body, ok := builtinTemplates[spec.File]
	if !ok {
		return "", fmt.Errorf("no built-in template for %q", p)
	}
	return body, nil
}

// checkTemplate rejects a template that does not parse or refers to a
// variable its purpose never sets.
func checkTemplate(spec Spec, text string) error {
	t, err := Parse(text)
	if err != nil {
		return err
	}
	var unknown []string
	for _, name := range t.Names() {
		if !spec.Allows(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown variables for %s: %s", spec.Purpose, strings.Join(unknown, ", "))
	}
	return nil
}

// Check loads every template and reports the ones that would fail.
func (l *Library) Check() error {
	var errs []error
	for _, p := range Purposes() {
		if _, err := l.Load(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render loads and expands the template for p after checking that every
// required variable is present.
func (l *Library) Render(p Purpose, vars Vars) (string, error) {
	spec, ok := Lookup(p)
	if !ok {
		return "", fmt.Errorf("unknown prompt purpose %q", p)
	}
	var missing []string
	for _, name := range spec.Required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt %s: missing variables: %s", p, strings.Join(missing, ", "))
	}
	tmpl, err := l.Load(p)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("prompt %s: %w", p, err)
	}
	return out, nil
}

// InstallBuiltinTemplates writes the built-in templates into dir, skipping
// files that already exist. It returns the names written.
func InstallBuiltinTemplates(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("no template directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	var written []string
	for _, p := range Purposes() {
		spec, _ := Lookup(p)
		path := filepath.Join(dir, spec.File)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[spec.File]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", spec.File, err)
		}
		written = append(written, spec.File)
	}
	return written, nil
}
