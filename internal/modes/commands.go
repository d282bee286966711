package modes

import (
	"context"
	"fmt"

	"github.com/albertojacini/vemorize/internal/command"
	"github.com/albertojacini/vemorize/internal/llm"
	"github.com/albertojacini/vemorize/internal/tools"
)

// Actions is the facade commands and tools act through.
type Actions interface {
	tools.Actions
	// ReadCurrent returns the reading text of the current leaf.
	ReadCurrent(ctx context.Context) (string, error)
	// QuizQuestion returns the first quiz question of the current leaf.
	QuizQuestion(ctx context.Context) (string, bool)
}

// Command is a locally handled voice command.
type Command struct {
	Name        string
	Description string
	// Patterns are registered in order; earlier ones take precedence.
	Patterns []string
	Run      func(ctx context.Context, a Actions, m *command.Match) (string, error)
}

func reply(text string) func(context.Context, Actions, *command.Match) (string, error) {
	return func(context.Context, Actions, *command.Match) (string, error) { return text, nil }
}

func switchModeCommand() Command {
	return Command{
		Name:        "switch_mode",
		Description: "Switch to a different mode",
		Patterns:    []string{"switch to {string:mode}"},
		Run: func(ctx context.Context, a Actions, m *command.Match) (string, error) {
			target, ok := m.StringArg("mode")
			if !ok {
				return "No mode specified", nil
			}
			if _, err := ParseMode(target); err != nil {
				return fmt.Sprintf("Unknown mode: %s", target), nil
			}
			return a.SwitchMode(ctx, target)
		},
	}
}

func idleCommands() []Command {
	return []Command{
		switchModeCommand(),
		{
			Name:        "idle_help",
			Description: "Show available commands",
			Patterns:    []string{"help", "what can i do", "commands"},
			Run:         reply("You can say: switch to reading, switch to quiz, or just ask me anything."),
		},
	}
}

func readingCommands() []Command {
	step := func(delta int) func(context.Context, Actions, *command.Match) (string, error) {
		return func(ctx context.Context, a Actions, _ *command.Match) (string, error) {
			return a.Step(ctx, delta)
		}
	}

	return []Command{
		switchModeCommand(),
		{
			Name:        "read_current",
			Description: "Read the current content",
			Patterns:    []string{"read current", "read", "read the current content"},
			Run: func(ctx context.Context, a Actions, _ *command.Match) (string, error) {
				return a.ReadCurrent(ctx)
			},
		},
		{
			Name:        tools.NextContentTool,
			Description: "Go to the next content",
			Patterns:    []string{"next", "next content", "next page"},
			Run:         step(1),
		},
		{
			Name:        tools.PreviousContentTool,
			Description: "Go to the previous content",
			Patterns:    []string{"previous", "back", "previous page"},
			Run:         step(-1),
		},
		{
			Name:        "skip_content",
			Description: "Skip ahead several sections",
			Patterns:    []string{"skip {number:count}", "forward {number:count}"},
			Run: func(ctx context.Context, a Actions, m *command.Match) (string, error) {
				n, _ := m.NumberArg("count")
				if int(n) < 1 {
					return "Say how many sections to skip, for example: skip 2.", nil
				}
				return a.Step(ctx, int(n))
			},
		},
		{
			Name:        "stop_reading",
			Description: "Stop reading and return to idle mode",
			Patterns:    []string{"stop", "idle", "back to idle", "exit mode"},
			Run: func(ctx context.Context, a Actions, _ *command.Match) (string, error) {
				if _, err := a.ExitMode(ctx); err != nil {
					return "", err
				}
				return "Switched to Idle mode. What would you like to do?", nil
			},
		},
		{
			Name:        "reading_help",
			Description: "Show available reading commands",
			Patterns:    []string{"help", "what can i do", "commands"},
			Run:         reply("You can say: next, previous, read current, or switch to another mode."),
		},
	}
}

func quizCommands() []Command {
	return []Command{
		switchModeCommand(),
		{
			Name:        "quiz_help",
			Description: "Show available quiz commands",
			Patterns:    []string{"help", "what can i do", "commands"},
			Run:         reply("You can answer questions, ask for hints, or switch to another mode."),
		},
		{
			Name:        "start_quiz",
			Description: "Start a quiz session",
			Patterns:    []string{"start quiz", "begin quiz", "start"},
			Run: func(ctx context.Context, a Actions, _ *command.Match) (string, error) {
				if q, ok := a.QuizQuestion(ctx); ok {
					return "Starting quiz. " + q, nil
				}
				return "Starting quiz...", nil
			},
		},
		{
			Name:        "stop_quiz",
			Description: "Stop the quiz and return to idle mode",
			Patterns:    []string{"stop", "quit", "exit quiz", "back to idle"},
			Run: func(ctx context.Context, a Actions, _ *command.Match) (string, error) {
				if _, err := a.ExitMode(ctx); err != nil {
					return "", err
				}
				return "Quiz stopped. Returning to idle mode.", nil
			},
		},
	}
}

// modeConfig is the static configuration of one mode.
type modeConfig struct {
	commands []Command
	tools    []string
	fallback string
	apology  string
}

func modeConfigs() map[Mode]modeConfig {
	return map[Mode]modeConfig{
		Idle: {
			commands: idleCommands(),
			tools:    []string{llm.ReplyTool, tools.SwitchModeTool},
			fallback: idleDefault,
			apology:  idleApology,
		},
		Reading: {
			commands: readingCommands(),
			tools: []string{llm.ReplyTool, tools.ExitModeTool, tools.SwitchModeTool,
				tools.NextContentTool, tools.PreviousContentTool},
			fallback: readingDefault,
			apology:  readingApology,
		},
		Quiz: {
			commands: quizCommands(),
			tools:    []string{llm.ReplyTool, tools.ExitModeTool, tools.SwitchModeTool},
			fallback: quizDefault,
			apology:  quizApology,
		},
	}
}
