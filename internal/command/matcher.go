package command

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Match is the result of a successful match: the command that fired,
// the template that matched, and the coerced slot values keyed by slot
// name.
type Match struct {
	Command   string
	Pattern   string
	Arguments map[string]any
}

// StringArg returns the named argument as a string. Number arguments are
// formatted without a trailing ".0".
func (m *Match) StringArg(name string) (string, bool) {
	v, ok := m.Arguments[name]
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	}
	return "", false
}

// NumberArg returns the named argument as a float64.
func (m *Match) NumberArg(name string) (float64, bool) {
	switch x := m.Arguments[name].(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

// Registration describes one compiled template and the command it
// belongs to.
type Registration struct {
	Command string `json:"command"`
	Pattern string `json:"pattern"`
}

type entry struct {
	command string
	pattern *Pattern
}

// Matcher holds compiled templates in registration order. The first
// registered template that matches an input wins, so callers register
// more specific templates before general ones.
type Matcher struct {
	mu      sync.RWMutex
	entries []entry
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Register compiles each template and appends it under the command
// name. Either all templates are added or, on the first invalid one,
// none are.
func (m *Matcher) Register(command string, patterns ...string) error {
	compiled := make([]entry, 0, len(patterns))
	for _, text := range patterns {
		p, err := Compile(text)
		if err != nil {
			return err
		}
		compiled = append(compiled, entry{command: command, pattern: p})
	}

	m.mu.Lock()
	m.entries = append(m.entries, compiled...)
	m.mu.Unlock()
	return nil
}

// Match normalizes raw and returns the first fully validated match, or
// nil when nothing matches.
func (m *Matcher) Match(raw string) *Match {
	input := Normalize(raw)
	if input == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if args, ok := e.pattern.Match(input); ok {
			return &Match{Command: e.command, Pattern: e.pattern.Text(), Arguments: args}
		}
	}
	return nil
}

// Registered lists every template in registration order.
func (m *Matcher) Registered() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Registration, len(m.entries))
	for i, e := range m.entries {
		out[i] = Registration{Command: e.command, Pattern: e.pattern.Text()}
	}
	return out
}

var (
	numberWords = map[string]string{
		"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
		"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
		"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
		"fourteen": "14", "fifteen": "15", "sixteen": "16",
		"seventeen": "17", "eighteen": "18", "nineteen": "19", "twenty": "20",
	}
	numberWordRe = regexp.MustCompile(`\b(zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty)\b`)
	disallowedRe = regexp.MustCompile(`[^a-z0-9\s.\-]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Normalize prepares an utterance for matching: lowercase, spelled-out
// numbers zero through twenty become digits, characters outside
// [a-z0-9 .-] are removed, and whitespace runs collapse to one space.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = numberWordRe.ReplaceAllStringFunc(s, func(w string) string {
		return numberWords[w]
	})
	s = disallowedRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
