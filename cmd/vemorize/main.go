// Command vemorize runs the voice and text learning assistant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/albertojacini/vemorize/internal/buildinfo"
	"github.com/albertojacini/vemorize/internal/config"
)

// main only builds the OS environment and hands off to run, which keeps
// os.Exit and os.Args out of code the tests drive.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand; the flag package's globals get in the
// way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case command == "" && (args[i] == "-h" || args[i] == "-help" || args[i] == "--help"):
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "import":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: vemorize import <course.json>")
		}
		return runImport(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "courses":
		return runCourses(ctx, stdout, stderr, configPath, outputFmt)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "prefs":
		return runPrefs(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vemorize - voice and text learning assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vemorize [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the API server and voice loop")
	fmt.Fprintln(w, "  init [dir]             Write an example config and course (default: .)")
	fmt.Fprintln(w, "  import <course.json>   Import a course bundle")
	fmt.Fprintln(w, "  courses                List imported courses")
	fmt.Fprintln(w, "  ask [-course id] text  Run a single dialogue turn")
	fmt.Fprintln(w, "  prefs [-tts m] [-speed n] [-reading-speed n] [-length l]")
	fmt.Fprintln(w, "                         Show or change speech and reading preferences")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds and parses the configuration, returning the path it
// was read from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
