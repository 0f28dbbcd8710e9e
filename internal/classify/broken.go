package classify

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	counterRe = regexp.MustCompile(`^\s*\[(\d+)/(\d+)\]`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// IsBroken reports whether a log looks garbled: interleaved fragments of
// parallel output streams, out-of-order progress counters, or a high density
// of control characters.
func (c *Classifier) IsBroken(log string) bool {
	if log == "" {
		return false
	}
	clean := StripANSI(log)
	if c.controlDense(clean) {
		return true
	}
	lines := strings.Split(clean, "\n")
	if c.gluedLines(lines) {
		return true
	}
	return counterInversions(lines) >= c.broken.MinCounterInversions
}

func (c *Classifier) controlDense(s string) bool {
	total, bad := 0, 0
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		total++
		if r == utf8.RuneError && size <= 1 || r == unicode.ReplacementChar {
			bad++
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			bad++
		}
	}
	if total == 0 || bad < c.broken.MinControlChars {
		return false
	}
	return float64(bad)/float64(total) > c.broken.ControlDensity
}

// gluedLines counts lines where a marker that normally starts a line shows
// up mid-line right after non-space text.
func (c *Classifier) gluedLines(lines []string) bool {
	glued, nonEmpty := 0, 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		if c.isGlued(line) {
			glued++
		}
	}
	if nonEmpty == 0 || glued < c.broken.MinGluedLines {
		return false
	}
	return float64(glued)/float64(nonEmpty) >= c.broken.GluedFraction
}

func (c *Classifier) isGlued(line string) bool {
	for _, m := range c.glueMarkers {
		from := 1
		for from < len(line) {
			i := strings.Index(line[from:], m)
			if i < 0 {
				break
			}
			at := from + i
			prev, _ := utf8.DecodeLastRuneInString(line[:at])
			if unicode.IsLetter(prev) || unicode.IsDigit(prev) || prev == '.' || prev == ')' {
				return true
			}
			from = at + len(m)
		}
	}
	return false
}

// counterInversions counts [n/m] progress counters that go backwards for
// the same total.
func counterInversions(lines []string) int {
	last := map[int]int{}
	inversions := 0
	for _, line := range lines {
		m := counterRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		if prev, ok := last[total]; ok && n < prev {
			inversions++
		}
		last[total] = n
	}
	return inversions
}
