// Package edit holds the bounded text-edit tools the model uses to change a
// manifest in place.
package edit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBudget is returned once a document has used all of its edits.
var ErrBudget = errors.New("edit budget exhausted")

// Document is a manifest being edited with a fixed number of allowed edits.
type Document struct {
	text     string
	maxEdits int
	edits    int
}

// NewDocument starts editing text. maxEdits <= 0 means unlimited.
func NewDocument(text string, maxEdits int) *Document {
	return &Document{text: text, maxEdits: maxEdits}
}

// Text returns the current content.
func (d *Document) Text() string { return d.text }

// Edits returns the number of edits applied.
func (d *Document) Edits() int { return d.edits }

// Remaining returns the edits left, or -1 when unlimited.
func (d *Document) Remaining() int {
	if d.maxEdits <= 0 {
		return -1
	}
	return d.maxEdits - d.edits
}

func (d *Document) spend() error {
	if d.maxEdits > 0 && d.edits >= d.maxEdits {
		return ErrBudget
	}
	d.edits++
	return nil
}

// StrReplace replaces old with replacement. When old occurs more than once,
// occurrence (1-based) picks which one; 0 requires old to be unique.
func (d *Document) StrReplace(old, replacement string, occurrence int) error {
	if old == "" {
		return fmt.Errorf("old string is empty")
	}
	count := strings.Count(d.text, old)
	if count == 0 {
		return fmt.Errorf("string not found: %q", old)
	}
	if occurrence == 0 && count > 1 {
		return fmt.Errorf("string occurs %d times; pass occurrence to pick one", count)
	}
	if occurrence > count {
		return fmt.Errorf("occurrence %d requested but string occurs %d times", occurrence, count)
	}
	if occurrence == 0 {
		occurrence = 1
	}
	if err := d.spend(); err != nil {
		return err
	}

	at := 0
	for i := 1; ; i++ {
		j := strings.Index(d.text[at:], old)
		if i == occurrence {
			at += j
			break
		}
		at += j + len(old)
	}
	d.text = d.text[:at] + replacement + d.text[at+len(old):]
	return nil
}

// InsertAfter inserts text after 1-based line n. n == 0 inserts at the top.
func (d *Document) InsertAfter(n int, text string) error {
	lines := strings.Split(d.text, "\n")
	if n < 0 || n > len(lines) {
		return fmt.Errorf("line %d out of range (1-%d)", n, len(lines))
	}
	if err := d.spend(); err != nil {
		return err
	}
	ins := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)+len(ins))
	out = append(out, lines[:n]...)
	out = append(out, ins...)
	out = append(out, lines[n:]...)
	d.text = strings.Join(out, "\n")
	return nil
}

// View returns the content with 1-based line numbers.
func (d *Document) View() string {
	var b strings.Builder
	for i, line := range strings.Split(d.text, "\n") {
		fmt.Fprintf(&b, "%4d: %s\n", i+1, line)
	}
	return b.String()
}
