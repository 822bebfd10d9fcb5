package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid marks settings rejected by Validate or Merge. Its messages are
// safe to show to the user.
var ErrInvalid = errors.New("invalid settings")

// Level is the simplification level used by the rewrite and simplify purposes.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh:
		return true
	}
	return false
}

// Settings is the single logical settings object shared by every context.
// The JSON keys are the wire and storage names.
type Settings struct {
	Font                string  `json:"font" bson:"font"`
	FontSize            float64 `json:"fontSize" bson:"fontSize"`
	LetterSpacing       float64 `json:"letterSpacing" bson:"letterSpacing"`
	WordSpacing         float64 `json:"wordSpacing" bson:"wordSpacing"`
	LineSpacing         float64 `json:"lineSpacing" bson:"lineSpacing"`
	TextColor           string  `json:"textColor" bson:"textColor"`
	BackgroundColor     string  `json:"backgroundColor" bson:"backgroundColor"`
	RewriteEnabled      bool    `json:"rewriteEnabled" bson:"rewriteEnabled"`
	TextToSpeechEnabled bool    `json:"textToSpeechEnabled" bson:"textToSpeechEnabled"`
	PhoneticsEnabled    bool    `json:"phoneticsEnabled" bson:"phoneticsEnabled"`
	AIModel             string  `json:"aiModel" bson:"aiModel"`
	SimplificationLevel Level   `json:"simplificationLevel" bson:"simplificationLevel"`
	UserID              *string `json:"userId" bson:"-"`
}

// Defaults returns the hard-coded settings adopted on first install.
func Defaults() Settings {
	return Settings{
		Font:                "sans-serif",
		FontSize:            16,
		LetterSpacing:       0.12,
		WordSpacing:         0.16,
		LineSpacing:         1.5,
		TextColor:           "#000000",
		BackgroundColor:     "#f8f8f8",
		RewriteEnabled:      true,
		TextToSpeechEnabled: true,
		PhoneticsEnabled:    false,
		AIModel:             "gpt-4o",
		SimplificationLevel: LevelMedium,
	}
}

// User returns the authenticated user id, or "" when not logged in.
func (s Settings) User() string {
	if s.UserID == nil {
		return ""
	}
	return *s.UserID
}

// WithUser returns a copy of s carrying the given user id; "" clears it.
func (s Settings) WithUser(id string) Settings {
	if id == "" {
		s.UserID = nil
		return s
	}
	s.UserID = &id
	return s
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	if s.UserID != nil {
		id := *s.UserID
		s.UserID = &id
	}
	return s
}

// Equal reports whether a and b hold the same values.
func Equal(a, b Settings) bool {
	if a.User() != b.User() || (a.UserID == nil) != (b.UserID == nil) {
		return false
	}
	a.UserID, b.UserID = nil, nil
	return a == b
}

// Validate checks the enum fields.
func (s Settings) Validate() error {
	if !s.SimplificationLevel.Valid() {
		return fmt.Errorf("%w: unknown simplification level %q", ErrInvalid, s.SimplificationLevel)
	}
	return nil
}

// Fields returns s as a flat key/value map keyed by JSON name.
func (s Settings) Fields() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
