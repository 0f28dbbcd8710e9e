package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Vars maps template variable names to values.
type Vars map[string]string

// tagRe matches {{#if name}}, {{/if}} and {{name}}, in that group order.
var tagRe = regexp.MustCompile(`\{\{(?:#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*|(/if)|([a-zA-Z_][a-zA-Z0-9_]*))\}\}`)

// segment is literal text, a placeholder, or a conditional block.
type segment struct {
	text string
	name string
	cond bool
	body []segment
}

// Template is a parsed prompt or command template.
type Template struct {
	segs  []segment
	names []string
}

// Parse reads {{name}} placeholders and {{#if name}}...{{/if}} blocks.
// Blocks nest; every {{#if}} needs its {{/if}}.
func Parse(src string) (*Template, error) {
	t := &Template{}
	seen := map[string]bool{}
	note := func(name string) {
		if !seen[name] {
			seen[name] = true
			t.names = append(t.names, name)
		}
	}

	type frame struct {
		name string
		segs []segment
	}
	stack := []frame{{}}
	top := func() *frame { return &stack[len(stack)-1] }

	rest := src
	for {
		m := tagRe.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		if m[0] > 0 {
			top().segs = append(top().segs, segment{text: rest[:m[0]]})
		}
		switch {
		case m[2] >= 0:
			name := rest[m[2]:m[3]]
			note(name)
			stack = append(stack, frame{name: name})
		case m[4] >= 0:
			if len(stack) == 1 {
				return nil, fmt.Errorf("{{/if}} without matching {{#if}}")
			}
			done := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			top().segs = append(top().segs, segment{name: done.name, cond: true, body: done.segs})
		default:
			name := rest[m[6]:m[7]]
			note(name)
			top().segs = append(top().segs, segment{name: name})
		}
		rest = rest[m[1]:]
	}
	if rest != "" {
		top().segs = append(top().segs, segment{text: rest})
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("unclosed conditional block: {{#if %s}}", top().name)
	}
	t.segs = stack[0].segs
	return t, nil
}

// Names lists every variable the template refers to, in first-use order.
func (t *Template) Names() []string {
	return append([]string(nil), t.names...)
}

// Execute expands the template. A placeholder without a value is an error;
// a conditional keeps its body only when its variable is set and non-empty.
// Values are inserted as-is and never expanded.
func (t *Template) Execute(vars Vars) (string, error) {
	var b strings.Builder
	var missing []string
	seen := map[string]bool{}
	var walk func(segs []segment)
	walk = func(segs []segment) {
		for _, s := range segs {
			switch {
			case s.cond:
				if vars[s.name] != "" {
					walk(s.body)
				}
			case s.name != "":
				val, ok := vars[s.name]
				if !ok {
					if !seen[s.name] {
						seen[s.name] = true
						missing = append(missing, s.name)
					}
					continue
				}
				b.WriteString(val)
			default:
				b.WriteString(s.text)
			}
		}
	}
	walk(t.segs)
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

// Render parses and expands tmpl in one step.
func Render(tmpl string, vars Vars) (string, error) {
	t, err := Parse(tmpl)
	if err != nil {
		return "", err
	}
	return t.Execute(vars)
}
