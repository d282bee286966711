package command

import (
	"errors"
	"strings"
	"testing"
)

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		reason  string
	}{
		{"empty slot", "go {}", "empty slot"},
		{"missing colon", "go {mode}", "missing ':'"},
		{"unknown type", "go {date:when}", "unknown slot type"},
		{"blank name", "go {string:}", "no name"},
		{"blank type", "go {:mode}", "no type"},
		{"unclosed brace", "go {string:mode", "unclosed"},
		{"stray close brace", "go } there", "unexpected '}'"},
		{"nested brace", "go {string:{mode}", "nested"},
		{"duplicate slot", "{string:x} and {number:x}", "duplicate"},
		{"empty pattern", "   ", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.pattern)
			if err == nil {
				t.Fatalf("Compile(%q) succeeded, want error", tt.pattern)
			}
			var perr *InvalidPatternError
			if !errors.As(err, &perr) {
				t.Fatalf("Compile(%q) error = %T, want *InvalidPatternError", tt.pattern, err)
			}
			if perr.Pattern != tt.pattern {
				t.Errorf("error pattern = %q, want %q", perr.Pattern, tt.pattern)
			}
			if !strings.Contains(perr.Reason, tt.reason) {
				t.Errorf("error reason = %q, want it to contain %q", perr.Reason, tt.reason)
			}
		})
	}
}

func TestCompile_Segments(t *testing.T) {
	p, err := Compile("skip  ahead {NUM:count} {str:unit}")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	segs := p.segments
	if len(segs) != 4 {
		t.Fatalf("len(segments) = %d, want 4", len(segs))
	}
	if segs[0].Literal != "skip" || segs[1].Literal != "ahead" {
		t.Errorf("literal segments = %q, %q; want skip, ahead", segs[0].Literal, segs[1].Literal)
	}
	if segs[2].Slot == nil || segs[2].Slot.Name != "count" || segs[2].Slot.Type != Number {
		t.Errorf("segment 2 = %+v, want number slot 'count'", segs[2])
	}
	if segs[3].Slot == nil || segs[3].Slot.Name != "unit" || segs[3].Slot.Type != String {
		t.Errorf("segment 3 = %+v, want string slot 'unit'", segs[3])
	}
}

func TestPattern_RoundTrip(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    map[string]any
	}{
		{"switch to {string:mode}", "switch to reading", map[string]any{"mode": "reading"}},
		{"skip {number:count}", "skip 3", map[string]any{"count": 3.0}},
		{"go back {number:count} pages", "go back 2.5 pages", map[string]any{"count": 2.5}},
		{"move {number:delta}", "move -4", map[string]any{"delta": -4.0}},
		{"{string:a} then {string:b}", "read then quiz", map[string]any{"a": "read", "b": "quiz"}},
		{"next", "next", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p := mustCompile(tt.pattern)
			got, ok := p.Match(tt.input)
			if !ok {
				t.Fatalf("Match(%q) did not match", tt.input)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Match(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("arg %q = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestPattern_NoMatch(t *testing.T) {
	p := mustCompile("skip {number:count}")
	for _, input := range []string{"skip", "skip many", "skip 3 more", "please skip 3", "skip 3."} {
		if args, ok := p.Match(input); ok {
			t.Errorf("Match(%q) = %v, want no match", input, args)
		}
	}
}

func TestPattern_CaseInsensitive(t *testing.T) {
	p := mustCompile("Read Current")
	if _, ok := p.Match("read current"); !ok {
		t.Error("Match() should ignore case")
	}
}

func TestCoerce(t *testing.T) {
	if v, ok := coerce("12", Number); !ok || v != 12.0 {
		t.Errorf("coerce(12, Number) = %#v, %v; want 12.0, true", v, ok)
	}
	if v, ok := coerce("1.5", Number); !ok || v != 1.5 {
		t.Errorf("coerce(1.5, Number) = %#v, %v; want 1.5, true", v, ok)
	}
	if _, ok := coerce("abc", Number); ok {
		t.Error("coerce(abc, Number) should fail")
	}
	if _, ok := coerce("", String); ok {
		t.Error("coerce(\"\", String) should fail")
	}
}

func TestArgType_String(t *testing.T) {
	if got := Number.String(); got != "number" {
		t.Errorf("Number.String() = %q, want number", got)
	}
	if got := ArgType(9).String(); got != "ArgType(9)" {
		t.Errorf("ArgType(9).String() = %q", got)
	}
}

func mustCompile(text string) *Pattern {
	p, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return p
}
