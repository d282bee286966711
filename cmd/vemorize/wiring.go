package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/albertojacini/vemorize/internal/chat"
	"github.com/albertojacini/vemorize/internal/config"
	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/llm"
	"github.com/albertojacini/vemorize/internal/navigation"
	"github.com/albertojacini/vemorize/internal/opstate"
	"github.com/albertojacini/vemorize/internal/tools"
)

// stores bundles everything persisted in the data directory.
type stores struct {
	db            *sql.DB
	courses       *course.Store
	positions     *navigation.Store
	conversations *chat.ConversationStore
	preferences   *chat.PreferencesStore
	memory        *chat.MemoryStore
	opstate       *opstate.Store
}

// openStores opens data_dir/vemorize.db and migrates every store.
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, "vemorize.db")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	s := &stores{db: db}
	if err := s.migrate(logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("database opened", "path", path)
	return s, nil
}

func (s *stores) migrate(logger *slog.Logger) (err error) {
	if s.courses, err = course.NewStore(s.db); err != nil {
		return fmt.Errorf("course store: %w", err)
	}
	if s.positions, err = navigation.NewStore(s.db); err != nil {
		return fmt.Errorf("position store: %w", err)
	}
	if s.conversations, err = chat.NewConversationStore(s.db); err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	if s.preferences, err = chat.NewPreferencesStore(s.db); err != nil {
		return fmt.Errorf("preferences store: %w", err)
	}
	if s.memory, err = chat.NewMemoryStore(s.db, logger); err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	if s.opstate, err = opstate.NewStore(s.db); err != nil {
		return fmt.Errorf("opstate store: %w", err)
	}
	return nil
}

func (s *stores) Close() error { return s.db.Close() }

// newLLMClient builds the primary provider followed by the configured
// fallbacks.
func newLLMClient(cfg config.LLMConfig, logger *slog.Logger) (*llm.FailoverClient, error) {
	catalog := tools.Catalog()
	all := append([]config.ProviderConfig{cfg.ProviderConfig}, cfg.Fallback...)

	providers := make([]llm.Provider, 0, len(all))
	for _, p := range all {
		client, err := newProvider(p, catalog, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, llm.Provider{Name: p.Provider, Client: client})
	}
	logger.Info("LLM client initialized", "provider", cfg.Provider, "model", cfg.Model, "fallbacks", len(cfg.Fallback))
	return llm.NewFailoverClient(logger, providers...), nil
}

func newProvider(p config.ProviderConfig, catalog llm.ToolCatalog, logger *slog.Logger) (llm.Client, error) {
	switch p.Provider {
	case config.ProviderAPI:
		return llm.NewAPIClient(p.BaseURL, p.Path, p.APIKey, logger), nil
	case config.ProviderOllama:
		return llm.NewOllamaClient(p.BaseURL, p.Model, catalog, logger), nil
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(p.BaseURL, p.APIKey, p.Model, catalog, logger), nil
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(p.BaseURL, p.APIKey, p.Model, catalog, logger), nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", p.Provider)
}

// newSession builds the dialogue session and reopens the user's last
// course when there is one.
func newSession(ctx context.Context, cfg *config.Config, st *stores, client llm.Client, bus *events.Bus, logger *slog.Logger) (*chat.Session, error) {
	session, err := chat.NewSession(chat.Config{
		UserID:        cfg.UserID,
		VoiceLanguage: cfg.Voice.Language,
		LLM:           client,
		LLMTimeout:    cfg.LLM.Timeout,
		ExtraPatterns: cfg.Commands.ExtraPatterns,
		Courses:       st.courses,
		Positions:     st.positions,
		Conversations: st.conversations,
		Preferences:   st.preferences,
		Memory:        st.memory,
		Bus:           bus,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	last, err := st.opstate.LastCourse(ctx, cfg.UserID)
	if err != nil {
		logger.Warn("failed to read last course", "error", err)
		return session, nil
	}
	if last == "" {
		return session, nil
	}
	if _, err := session.LoadCourse(ctx, last); err != nil {
		logger.Warn("failed to restore last course", "course_id", last, "error", err)
	} else {
		logger.Info("restored last course", "course_id", last)
	}
	return session, nil
}
