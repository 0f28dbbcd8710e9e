package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Classifier assigns an ErrorKind to failed build logs. It holds only
// compiled patterns and is safe for concurrent use.
type Classifier struct {
	placeholders    []string
	hashMismatch    []*regexp.Regexp
	invalidHash     []*regexp.Regexp
	syntax          []*regexp.Regexp
	buildPhase      []*regexp.Regexp
	dependencyBuild []*regexp.Regexp
	builderFailure  []*regexp.Regexp
	missingDep      []*regexp.Regexp
	glueMarkers     []string
	broken          BrokenThresholds
}

// New compiles rules into a Classifier. Empty rule fields fall back to
// DefaultRules.
func New(rules Rules) (*Classifier, error) {
	rules = rules.Merge()
	c := &Classifier{
		placeholders: rules.PlaceholderHashes,
		glueMarkers:  rules.GlueMarkers,
		broken:       rules.Broken,
	}
	var err error
	compile := func(field string, src []string) []*regexp.Regexp {
		if err != nil {
			return nil
		}
		out := make([]*regexp.Regexp, 0, len(src))
		for _, p := range src {
			re, cerr := regexp.Compile("(?m)" + p)
			if cerr != nil {
				err = fmt.Errorf("classifier rule %s %q: %w", field, p, cerr)
				return nil
			}
			out = append(out, re)
		}
		return out
	}
	c.hashMismatch = compile("hash_mismatch", rules.HashMismatch)
	c.invalidHash = compile("invalid_hash", rules.InvalidHash)
	c.syntax = compile("syntax", rules.Syntax)
	c.buildPhase = compile("build_phase", rules.BuildPhase)
	c.dependencyBuild = compile("dependency_build", rules.DependencyBuild)
	c.builderFailure = compile("builder_failure", rules.BuilderFailure)
	c.missingDep = compile("missing_dependency", rules.MissingDependency)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns a Classifier built from DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the ErrorKind of a failed build's log.
func (c *Classifier) Classify(log string) Kind {
	return c.ClassifyFor(log, "")
}

// ClassifyFor is Classify with the name of the package being built, used to
// tell the candidate's own build failure apart from a failing dependency.
// The first matching kind in precedence order wins.
func (c *Classifier) ClassifyFor(log, subject string) Kind {
	if c.IsBroken(log) {
		return KindBrokenOutput
	}
	if c.isHashMismatch(log) {
		return KindHashMismatch
	}
	if c.isSyntax(log) {
		return KindSyntax
	}
	if c.isDependencyBuild(log, subject) {
		return KindDependencyBuild
	}
	if matchAny(c.missingDep, log) {
		return KindMissingDependency
	}
	return KindGeneric
}

func (c *Classifier) isHashMismatch(log string) bool {
	if matchAny(c.invalidHash, log) {
		return true
	}
	if !matchAny(c.hashMismatch, log) {
		return false
	}
	for _, p := range c.placeholders {
		if p != "" && strings.Contains(log, p) {
			return true
		}
	}
	return false
}

// isSyntax reports a parser/evaluator error that appears before the first
// build-phase marker.
func (c *Classifier) isSyntax(log string) bool {
	first := firstIndex(c.syntax, log)
	if first < 0 {
		return false
	}
	phase := firstIndex(c.buildPhase, log)
	return phase < 0 || first < phase
}

func (c *Classifier) isDependencyBuild(log, subject string) bool {
	if matchAny(c.dependencyBuild, log) {
		return true
	}
	if subject == "" {
		return false
	}
	subject = strings.ToLower(subject)
	for _, re := range c.builderFailure {
		for _, m := range re.FindAllStringSubmatch(log, -1) {
			if len(m) < 2 {
				continue
			}
			if !strings.Contains(strings.ToLower(m[1]), subject) {
				return true
			}
		}
	}
	return false
}

// SyntaxExcerpt returns the log from the first syntax-error signature
// onwards, or the whole log when there is none.
func (c *Classifier) SyntaxExcerpt(log string) string {
	i := firstIndex(c.syntax, log)
	if i < 0 {
		return log
	}
	// back up to the start of the line
	if nl := strings.LastIndexByte(log[:i], '\n'); nl >= 0 {
		i = nl + 1
	} else {
		i = 0
	}
	return log[i:]
}

var quotedHashRe = regexp.MustCompile(`hash '([A-Za-z0-9+/=:-]+)'`)

// InvalidHash returns the malformed hash an invalid-hash failure names.
func (c *Classifier) InvalidHash(log string) (string, bool) {
	if !matchAny(c.invalidHash, log) {
		return "", false
	}
	m := quotedHashRe.FindStringSubmatch(log)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func firstIndex(res []*regexp.Regexp, s string) int {
	best := -1
	for _, re := range res {
		loc := re.FindStringIndex(s)
		if loc != nil && (best < 0 || loc[0] < best) {
			best = loc[0]
		}
	}
	return best
}
