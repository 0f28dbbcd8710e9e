// Package candidate defines the manifest versions a session produces.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
)

// Origin records how a candidate was produced.
type Origin string

const (
	OriginInitial    Origin = "initial"
	OriginSetUp      Origin = "set_up"
	OriginRepair     Origin = "repair"
	OriginSyntaxFix  Origin = "syntax_fix"
	OriginRefinement Origin = "refinement"
)

// Candidate is one version of the manifest. A candidate is never modified
// after creation; new text means a new candidate with a higher version.
type Candidate struct {
	Version int    `json:"version"`
	Parent  int    `json:"parent,omitempty"`
	Origin  Origin `json:"origin"`
	Text    string `json:"text"`
}

// New creates the first candidate of a session.
func New(text string, origin Origin) *Candidate {
	if origin == "" {
		origin = OriginInitial
	}
	return &Candidate{Version: 1, Origin: origin, Text: text}
}

// Next derives a successor. version is the session's next free version
// number, which may be higher than c.Version+1 after reverts.
func (c *Candidate) Next(version int, text string, origin Origin) *Candidate {
	return &Candidate{Version: version, Parent: c.Version, Origin: origin, Text: text}
}

// Digest returns a short content hash, useful for spotting repeats.
func (c *Candidate) Digest() string {
	sum := sha256.Sum256([]byte(c.Text))
	return hex.EncodeToString(sum[:8])
}

// Sequence hands out version numbers for one session.
type Sequence struct {
	last int
}

// NewSequence starts after the given version.
func NewSequence(last int) *Sequence { return &Sequence{last: last} }

// Peek returns the version Next will hand out.
func (s *Sequence) Peek() int { return s.last + 1 }

// Next returns the next unused version.
func (s *Sequence) Next() int {
	s.last++
	return s.last
}
