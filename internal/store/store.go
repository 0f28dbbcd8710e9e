// Package store keeps the on-disk artifacts of each session: every
// candidate, build log and prompt, plus the final manifest.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/pkgforge/internal/candidate"
)

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("session not found")

// Meta is the content of session.json.
type Meta struct {
	ID           string `json:"id"`
	Project      string `json:"project"`
	Subject      string `json:"subject,omitempty"`
	Model        string `json:"model,omitempty"`
	ManifestFile string `json:"manifest_file"`
	CreatedAt    string `json:"created_at"`
}

// Store manages session directories under a base directory.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SessionDir returns the directory of a session.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.SessionDir(id), "session.json")
}

// Create initialises a session directory.
func (s *Store) Create(m Meta) error {
	dir := s.SessionDir(m.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("session %s already exists", m.ID)
	}
	for _, sub := range []string{"candidates", "builds", "prompts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := writeJSON(s.metaPath(m.ID), m); err != nil {
		return fmt.Errorf("write session.json: %w", err)
	}
	return nil
}

// Meta reads session.json.
func (s *Store) Meta(id string) (*Meta, error) {
	var m Meta
	if err := readJSON(s.metaPath(id), &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &m, nil
}

// CandidatePath returns where a candidate version is stored.
func (s *Store) CandidatePath(id string, version int, manifestFile string) string {
	ext := filepath.Ext(manifestFile)
	if ext == "" {
		ext = ".txt"
	}
	return filepath.Join(s.SessionDir(id), "candidates", fmt.Sprintf("v%d%s", version, ext))
}

// WriteCandidate stores a candidate's text. Candidates are immutable, so an
// existing version is left alone.
func (s *Store) WriteCandidate(id string, c *candidate.Candidate, manifestFile string) error {
	path := s.CandidatePath(id, c.Version, manifestFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeFile(path, []byte(c.Text), 0o444)
}

// ReadCandidate returns the stored text of a version.
func (s *Store) ReadCandidate(id string, version int, manifestFile string) (string, error) {
	data, err := os.ReadFile(s.CandidatePath(id, version, manifestFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// BuildLogPath returns where a build log is stored.
func (s *Store) BuildLogPath(id, loop string, round, version int) string {
	return filepath.Join(s.SessionDir(id), "builds", fmt.Sprintf("%s-round-%d-v%d.log", loop, round, version))
}

// WriteBuildLog stores the log of one build.
func (s *Store) WriteBuildLog(id, loop string, round, version int, log string) error {
	return writeFile(s.BuildLogPath(id, loop, round, version), []byte(log), 0o644)
}

// WritePrompt stores a prompt and the model's answer as one markdown file.
func (s *Store) WritePrompt(id string, round int, purpose, prompt, response string) error {
	name := fmt.Sprintf("round-%d-%s.md", round, purpose)
	path := filepath.Join(s.SessionDir(id), "prompts", name)
	// several generations can share a round; keep each one
	for n := 2; fileExists(path); n++ {
		path = filepath.Join(s.SessionDir(id), "prompts", fmt.Sprintf("round-%d-%s-%d.md", round, purpose, n))
	}
	var b strings.Builder
	b.WriteString("# Prompt\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\n# Response\n\n")
	b.WriteString(response)
	b.WriteString("\n")
	return writeFile(path, []byte(b.String()), 0o644)
}

// WriteOutcome writes outcome.json.
func (s *Store) WriteOutcome(id string, v any) error {
	return writeJSON(filepath.Join(s.SessionDir(id), "outcome.json"), v)
}

// ReadOutcome reads outcome.json into v.
func (s *Store) ReadOutcome(id string, v any) error {
	err := readJSON(filepath.Join(s.SessionDir(id), "outcome.json"), v)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s has no outcome", ErrNotFound, id)
	}
	return err
}

// WriteResult stores the final manifest under result/ and returns its path.
func (s *Store) WriteResult(id, manifestFile, text string) (string, error) {
	path := filepath.Join(s.SessionDir(id), "result", manifestFile)
	if err := WriteManifest(path, text); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the metadata of all sessions, oldest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.baseDir, err)
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Meta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
