package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albertojacini/vemorize/internal/course"
)

// TTSModel selects the speech synthesis provider.
type TTSModel string

const (
	TTSLocal TTSModel = "local"
	TTSCloud TTSModel = "cloud"
)

// Speech speed bounds accepted by every speech provider.
const (
	MinSpeechSpeed = 0.25
	MaxSpeechSpeed = 4.0
)

// ErrInvalidPreferences wraps every validation failure from Save.
var ErrInvalidPreferences = errors.New("invalid preferences")

// Preferences are per-user speech and reading settings.
type Preferences struct {
	UserID             string               `json:"user_id"`
	TTSModel           TTSModel             `json:"tts_model"`
	SpeechSpeed        float64              `json:"speech_speed"`
	ReadingSpeechSpeed float64              `json:"reading_speech_speed"`
	ReadingLength      course.ReadingLength `json:"reading_length"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// DefaultPreferences returns the settings of a user who never saved any.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:             userID,
		TTSModel:           TTSLocal,
		SpeechSpeed:        1.0,
		ReadingSpeechSpeed: 1.0,
		ReadingLength:      course.Regular,
	}
}

// Validate checks enum values and speed bounds.
func (p Preferences) Validate() error {
	if p.TTSModel != TTSLocal && p.TTSModel != TTSCloud {
		return fmt.Errorf("tts_model %q (valid: local, cloud)", p.TTSModel)
	}
	for name, v := range map[string]float64{
		"speech_speed":         p.SpeechSpeed,
		"reading_speech_speed": p.ReadingSpeechSpeed,
	} {
		if v < MinSpeechSpeed || v > MaxSpeechSpeed {
			return fmt.Errorf("%s %.2f outside [%.2f, %.2f]", name, v, MinSpeechSpeed, MaxSpeechSpeed)
		}
	}
	if _, err := course.ParseReadingLength(string(p.ReadingLength)); err != nil {
		return err
	}
	return nil
}

// PreferencesUpdate changes the fields that are set and leaves the rest.
type PreferencesUpdate struct {
	TTSModel           *TTSModel `json:"tts_model,omitempty"`
	SpeechSpeed        *float64  `json:"speech_speed,omitempty"`
	ReadingSpeechSpeed *float64  `json:"reading_speech_speed,omitempty"`
	ReadingLength      *string   `json:"reading_length,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u PreferencesUpdate) Empty() bool {
	return u.TTSModel == nil && u.SpeechSpeed == nil && u.ReadingSpeechSpeed == nil && u.ReadingLength == nil
}

// Apply returns p with the update's fields overlaid. The result is not
// validated.
func (u PreferencesUpdate) Apply(p Preferences) Preferences {
	if u.TTSModel != nil {
		p.TTSModel = TTSModel(strings.ToLower(string(*u.TTSModel)))
	}
	if u.SpeechSpeed != nil {
		p.SpeechSpeed = *u.SpeechSpeed
	}
	if u.ReadingSpeechSpeed != nil {
		p.ReadingSpeechSpeed = *u.ReadingSpeechSpeed
	}
	if u.ReadingLength != nil {
		p.ReadingLength = course.ReadingLength(*u.ReadingLength)
	}
	return p
}

// PreferencesStore persists Preferences.
type PreferencesStore struct {
	db *sql.DB
}

// NewPreferencesStore creates the store, creating its schema if needed.
func NewPreferencesStore(db *sql.DB) (*PreferencesStore, error) {
	s := &PreferencesStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_preferences (
			user_id              TEXT PRIMARY KEY,
			tts_model            TEXT NOT NULL,
			speech_speed         REAL NOT NULL,
			reading_speech_speed REAL NOT NULL,
			reading_length       TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate preferences: %w", err)
	}
	return s, nil
}

// Get returns the user's preferences, or the defaults when none are
// stored.
func (s *PreferencesStore) Get(ctx context.Context, userID string) (Preferences, error) {
	p := Preferences{UserID: userID}
	var model, length, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT tts_model, speech_speed, reading_speech_speed, reading_length, updated_at
		 FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&model, &p.SpeechSpeed, &p.ReadingSpeechSpeed, &length, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	p.TTSModel = TTSModel(model)
	p.ReadingLength = course.ReadingLength(length)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return p, nil
}

// Save validates and stores preferences. The reading length is stored
// in its canonical spelling.
func (s *PreferencesStore) Save(ctx context.Context, p *Preferences) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	p.ReadingLength, _ = course.ParseReadingLength(string(p.ReadingLength))
	p.UpdatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, tts_model, speech_speed, reading_speech_speed, reading_length, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET tts_model = excluded.tts_model, speech_speed = excluded.speech_speed,
		     reading_speech_speed = excluded.reading_speech_speed,
		     reading_length = excluded.reading_length, updated_at = excluded.updated_at`,
		p.UserID, string(p.TTSModel), p.SpeechSpeed, p.ReadingSpeechSpeed,
		string(p.ReadingLength), p.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
