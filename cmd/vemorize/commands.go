package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/albertojacini/vemorize/examples"
	"github.com/albertojacini/vemorize/internal/chat"
	"github.com/albertojacini/vemorize/internal/config"
	"github.com/albertojacini/vemorize/internal/course"
)

// cliLogger is the logger for one-shot commands: warnings and errors
// only, on stderr, so stdout stays clean for results.
func cliLogger(stderr io.Writer, cfg *config.Config) *slog.Logger {
	level := "warn"
	if cfg != nil && (cfg.LogLevel == "debug" || cfg.LogLevel == "trace") {
		level = cfg.LogLevel
	}
	logger, err := config.NewLogger(stderr, level, "text")
	if err != nil {
		return slog.New(slog.NewTextHandler(stderr, nil))
	}
	return logger
}

// runInit writes an example config and sample course into dir. Existing
// files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Vemorize workspace in %s\n", dir)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", examples.ConfigYAML},
		{"course.example.json", examples.CourseJSON},
	} {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		mark := "✓"
		if !written {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then run: vemorize import course.example.json")
	return nil
}

func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// runImport stores a course bundle for the configured user.
func runImport(ctx context.Context, stdout, stderr io.Writer, configPath, file string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, cfg)

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open course bundle: %w", err)
	}
	defer f.Close()
	bundle, err := course.ReadBundle(f)
	if err != nil {
		return err
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bundle.Course.UserID = cfg.UserID
	if err := st.courses.SaveCourse(ctx, &bundle.Course, bundle.Nodes); err != nil {
		return fmt.Errorf("import %s: %w", file, err)
	}
	leaves := course.FromNodes(bundle.Nodes).Leaves()
	fmt.Fprintf(stdout, "Imported %q (%s): %d nodes, %d readable sections\n",
		bundle.Course.Title, bundle.Course.ID, len(bundle.Nodes), len(leaves))
	return nil
}

// runCourses lists the configured user's courses.
func runCourses(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStores(cfg, cliLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	courses, err := st.courses.Courses(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		if courses == nil {
			courses = []course.Course{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(courses)
	}
	if len(courses) == 0 {
		fmt.Fprintln(stdout, "No courses. Import one with: vemorize import <course.json>")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
	for _, c := range courses {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

// runAsk runs one dialogue turn against the configured backend and
// prints the reply. -course selects a course; otherwise the last one
// used is reopened.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var courseID string
	if len(args) >= 2 && (args[0] == "-course" || args[0] == "--course") {
		courseID, args = args[1], args[2:]
	}
	input := strings.TrimSpace(strings.Join(args, " "))
	if input == "" {
		return fmt.Errorf("usage: vemorize ask [-course id] <text>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, cfg)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := newLLMClient(cfg.LLM, logger)
	if err != nil {
		return err
	}
	session, err := newSession(ctx, cfg, st, client, nil, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if courseID != "" {
		if _, err := session.LoadCourse(ctx, courseID); err != nil {
			return err
		}
		if err := st.opstate.SetLastCourse(ctx, cfg.UserID, courseID); err != nil {
			logger.Warn("failed to remember course", "error", err)
		}
	}

	reply, err := session.Handle(ctx, input)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runPrefs shows the configured user's speech and reading preferences,
// changing any given with -tts, -speed, -reading-speed or -length first.
func runPrefs(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	update, err := parsePrefsArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStores(cfg, cliLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	prefs, err := st.preferences.Get(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	if !update.Empty() {
		prefs = update.Apply(prefs)
		if err := st.preferences.Save(ctx, &prefs); err != nil {
			return err
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(prefs)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "tts_model\t%s\n", prefs.TTSModel)
	fmt.Fprintf(tw, "speech_speed\t%g\n", prefs.SpeechSpeed)
	fmt.Fprintf(tw, "reading_speech_speed\t%g\n", prefs.ReadingSpeechSpeed)
	fmt.Fprintf(tw, "reading_length\t%s\n", prefs.ReadingLength)
	return tw.Flush()
}

const prefsUsage = "usage: vemorize prefs [-tts local|cloud] [-speed n] [-reading-speed n] [-length short|regular|long]"

func parsePrefsArgs(args []string) (chat.PreferencesUpdate, error) {
	var u chat.PreferencesUpdate
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return u, fmt.Errorf("%s: %s needs a value", prefsUsage, args[i])
		}
		name, value := strings.TrimLeft(args[i], "-"), args[i+1]
		switch name {
		case "tts":
			m := chat.TTSModel(value)
			u.TTSModel = &m
		case "speed", "reading-speed":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return u, fmt.Errorf("%s: %s %q is not a number", prefsUsage, args[i], value)
			}
			if name == "speed" {
				u.SpeechSpeed = &f
			} else {
				u.ReadingSpeechSpeed = &f
			}
		case "length":
			u.ReadingLength = &value
		default:
			return u, fmt.Errorf("%s: unknown option %s", prefsUsage, args[i])
		}
	}
	return u, nil
}
