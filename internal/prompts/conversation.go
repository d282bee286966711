package prompts

import (
	"fmt"
	"strings"
)

// conversationTemplate is the system prompt for one conversational turn.
// Format verbs: 1: mode guidance, 2: optional context sections.
const conversationTemplate = `You are Vemorize, a friendly study companion that helps the user learn
course content by listening and talking. Your answers are read aloud, so keep
them short, plain and free of markdown.

## How to answer
Always answer by calling tools. Put the words you want to say to the user in
the "response" argument of provide_chat_response. Call other tools only when
the user asks for something they do.

## Current mode
%s%s`

// modeGuidance describes each interaction mode to the model.
var modeGuidance = map[string]string{
	"idle": `Idle. No content is being read. Chat with the user, answer questions,
and switch to reading or quiz mode with switch_mode when they ask.`,
	"reading": `Reading. The user is listening to course content one section at a
time. Answer questions about the current section. Use next_content or
previous_content when they want to move, and exit_mode when they want to stop.`,
	"quiz": `Quiz. Ask the user one question at a time about the course content,
wait for the answer, then tell them whether it was right and why. Use
exit_mode when they want to stop.`,
}

// Conversation returns the system prompt for a conversational turn in the
// given mode (idle, reading or quiz). userMemory and leafText are
// optional; empty values leave their sections out.
func Conversation(mode, userMemory, leafText string) string {
	guidance, ok := modeGuidance[strings.ToLower(mode)]
	if !ok {
		guidance = modeGuidance["idle"]
	}

	var extra strings.Builder
	if s := strings.TrimSpace(userMemory); s != "" {
		extra.WriteString("\n\n## What you know about the user\n")
		extra.WriteString(s)
	}
	if s := strings.TrimSpace(leafText); s != "" {
		extra.WriteString("\n\n## Current content\n")
		extra.WriteString(s)
	}

	return fmt.Sprintf(conversationTemplate, guidance, extra.String())
}
