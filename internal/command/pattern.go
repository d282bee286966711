// Package command compiles declarative command templates such as
// "switch to {string:mode}" into anchored matchers with typed argument
// slots, and matches normalized utterances against them.
//
// A template is a sequence of literal words and slots. A slot is written
// {type:name} where type is string (or str) or number (or num). Every
// segment is separated from the next by one or more whitespace
// characters in the input. A template with a malformed slot never
// compiles; matching itself never fails with an error.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ArgType is the declared type of an argument slot.
type ArgType int

const (
	// String slots capture a single run of non-whitespace characters.
	String ArgType = iota
	// Number slots capture an optionally signed integer or decimal.
	Number
)

func (t ArgType) String() string {
	switch t {
	case String:
		return "string"
	case Number:
		return "number"
	default:
		return fmt.Sprintf("ArgType(%d)", int(t))
	}
}

// parseArgType maps a slot type spelling to an ArgType.
func parseArgType(s string) (ArgType, bool) {
	switch strings.ToLower(s) {
	case "string", "str":
		return String, true
	case "number", "num":
		return Number, true
	}
	return 0, false
}

// capture returns the regex fragment for the slot's capture group.
func (t ArgType) capture() string {
	if t == Number {
		return `(-?\d+(?:\.\d+)?)`
	}
	return `(\S+)`
}

// Slot is a typed placeholder within a template.
type Slot struct {
	Name string
	Type ArgType
}

// Segment is one element of a compiled template: either a literal word
// or a slot. Exactly one of Literal and Slot is set.
type Segment struct {
	Literal string
	Slot    *Slot
}

// InvalidPatternError reports a template that cannot be compiled. It is
// a configuration error and should abort startup.
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid command pattern %q: %s", e.Pattern, e.Reason)
}

// Pattern is a compiled template.
type Pattern struct {
	text     string
	segments []Segment
	re       *regexp.Regexp
}

// Compile parses a template and builds its anchored, case-insensitive
// regular expression.
func Compile(text string) (*Pattern, error) {
	segments, err := parseSegments(text)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, &InvalidPatternError{Pattern: text, Reason: "pattern is empty"}
	}

	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg.Slot != nil {
			parts[i] = seg.Slot.Type.capture()
		} else {
			parts[i] = regexp.QuoteMeta(seg.Literal)
		}
	}

	re, err := regexp.Compile(`(?i)^` + strings.Join(parts, `\s+`) + `$`)
	if err != nil {
		return nil, &InvalidPatternError{Pattern: text, Reason: err.Error()}
	}

	return &Pattern{text: text, segments: segments, re: re}, nil
}

// Text returns the template the pattern was compiled from.
func (p *Pattern) Text() string { return p.text }

// Match runs the pattern against an already normalized input. It
// reports false when the regex does not match or when any slot value
// fails type coercion.
func (p *Pattern) Match(input string) (map[string]any, bool) {
	groups := p.re.FindStringSubmatch(input)
	if groups == nil {
		return nil, false
	}

	args := make(map[string]any)
	next := 1
	for _, seg := range p.segments {
		if seg.Slot == nil {
			continue
		}
		if next >= len(groups) {
			return nil, false
		}
		raw := groups[next]
		next++

		v, ok := coerce(raw, seg.Slot.Type)
		if !ok {
			return nil, false
		}
		args[seg.Slot.Name] = v
	}
	return args, true
}

// coerce converts a captured slot value to its declared type. Number
// values are float64 when they parse as one, else int.
func coerce(raw string, t ArgType) (any, bool) {
	switch t {
	case Number:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, true
		}
		if n, err := strconv.Atoi(raw); err == nil {
			return n, true
		}
		return nil, false
	default:
		if raw == "" {
			return nil, false
		}
		return raw, true
	}
}

// parseSegments splits a template into literal words and slots.
func parseSegments(text string) ([]Segment, error) {
	var segments []Segment
	var literal strings.Builder

	flush := func() {
		for _, word := range strings.Fields(literal.String()) {
			segments = append(segments, Segment{Literal: word})
		}
		literal.Reset()
	}

	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '{':
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, &InvalidPatternError{Pattern: text, Reason: "unclosed '{'"}
			}
			body := text[i+1 : i+1+end]
			if strings.ContainsRune(body, '{') {
				return nil, &InvalidPatternError{Pattern: text, Reason: "nested '{' in slot"}
			}
			slot, err := parseSlot(text, body)
			if err != nil {
				return nil, err
			}
			flush()
			segments = append(segments, Segment{Slot: slot})
			i += end + 1
		case '}':
			return nil, &InvalidPatternError{Pattern: text, Reason: "unexpected '}'"}
		default:
			literal.WriteByte(c)
		}
	}
	flush()

	seen := make(map[string]bool)
	for _, seg := range segments {
		if seg.Slot == nil {
			continue
		}
		if seen[seg.Slot.Name] {
			return nil, &InvalidPatternError{Pattern: text, Reason: fmt.Sprintf("duplicate slot name %q", seg.Slot.Name)}
		}
		seen[seg.Slot.Name] = true
	}

	return segments, nil
}

func parseSlot(pattern, body string) (*Slot, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: "empty slot {}"}
	}
	typ, name, ok := strings.Cut(body, ":")
	if !ok {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: fmt.Sprintf("slot {%s} is missing ':' (want {type:name})", body)}
	}
	typ = strings.TrimSpace(typ)
	name = strings.TrimSpace(name)
	if typ == "" {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: fmt.Sprintf("slot {%s} has no type", body)}
	}
	if name == "" {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: fmt.Sprintf("slot {%s} has no name", body)}
	}
	t, ok := parseArgType(typ)
	if !ok {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: fmt.Sprintf("unknown slot type %q (valid: string, number)", typ)}
	}
	return &Slot{Name: name, Type: t}, nil
}
