package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// NoFeedback is the token a model returns when it has nothing to improve.
const NoFeedback = "NO_FEEDBACK"

var (
	// ErrNoManifest means the response held no fenced code block.
	ErrNoManifest = errors.New("no manifest code block in response")
	// ErrNoChoice means none, or more than one, of the allowed answers
	// appeared in the response.
	ErrNoChoice = errors.New("no single choice in response")

	fenceRe = regexp.MustCompile("(?ms)^```([A-Za-z0-9_+-]*)[ \t]*\n(.*?)\n?```[ \t]*$")
)

// ExtractManifest returns the body of the first fenced code block tagged
// lang. Untagged blocks are accepted when no tagged block exists.
func ExtractManifest(text, lang string) (string, error) {
	var untagged string
	found := false
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		tag, body := m[1], m[2]
		if strings.EqualFold(tag, lang) {
			return body, nil
		}
		if tag == "" && !found {
			untagged, found = body, true
		}
	}
	if found {
		return untagged, nil
	}
	return "", ErrNoManifest
}

// ParseChoice finds which of choices the response names. When several are
// named the last non-empty line decides.
func ParseChoice(text string, choices []string) (string, error) {
	if got := matchChoices(text, choices); len(got) == 1 {
		return got[0], nil
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if got := matchChoices(lines[i], choices); len(got) == 1 {
			return got[0], nil
		}
		break
	}
	return "", fmt.Errorf("%w: want one of %s", ErrNoChoice, strings.Join(choices, ", "))
}

func matchChoices(text string, choices []string) []string {
	upper := strings.ToUpper(text)
	var out []string
	for _, c := range choices {
		re := regexp.MustCompile(`(^|[^A-Z0-9_])` + regexp.QuoteMeta(c) + `($|[^A-Z0-9_])`)
		if re.MatchString(upper) {
			out = append(out, c)
		}
	}
	return out
}

// ParseFeedback returns the improvement named in a response, or false when
// the model had none.
func ParseFeedback(text string) (string, bool) {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	t = strings.TrimSpace(t)
	if t == "" || strings.Contains(strings.ToUpper(t), NoFeedback) {
		return "", false
	}
	return t, true
}
