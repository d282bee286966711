// Package modes routes user turns in the active interaction mode. Each
// mode owns a command matcher and a tool allowlist; a turn is answered
// by a local command when one matches, and otherwise by one LLM round
// trip whose tool calls are dispatched before the reply is extracted.
package modes

import (
	"fmt"
	"strings"
)

// Mode is an interaction mode. Exactly one is active per controller.
type Mode string

const (
	Idle    Mode = "IDLE"
	Reading Mode = "READING"
	Quiz    Mode = "QUIZ"
)

// All lists every mode.
var All = []Mode{Idle, Reading, Quiz}

// Lower returns the lowercase wire name (idle, reading, quiz).
func (m Mode) Lower() string { return strings.ToLower(string(m)) }

// Title returns the display name (Idle, Reading, Quiz).
func (m Mode) Title() string {
	s := m.Lower()
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case Idle:
		return Idle, nil
	case Reading:
		return Reading, nil
	case Quiz:
		return Quiz, nil
	}
	return "", fmt.Errorf("unknown mode %q (valid: idle, reading, quiz)", s)
}

// User-facing texts.
const (
	idleGreeting  = "Idle mode activated. How can I help you?"
	quizGreeting  = "Quiz mode activated. I'll ask you questions about the content."
	noContentRead = "No content available to read"
	noContentLLM  = "No content available"
	noCourse      = "No course loaded. Load a course to start reading."
	atEnd         = "You've reached the end of the content."
	atStart       = "You're at the beginning of the content."
	cmdNotFound   = "Command not found"

	idleDefault    = "I'm here to help. What would you like to do?"
	readingDefault = "I'm in reading mode. Say 'next' to continue or 'exit' to leave."
	quizDefault    = "Let's test your knowledge. Are you ready?"

	idleApology    = "Sorry, I encountered an error. Please try again."
	readingApology = "Sorry, I had trouble processing that in reading mode. Please try again."
	quizApology    = "Sorry, I had trouble with that question. Let's try another."
)
