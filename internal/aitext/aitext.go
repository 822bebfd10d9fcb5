// Package aitext rewrites, simplifies and syllabifies text through a chat
// model: OpenAI chat completions, or a local Ollama instance for models named
// "ollama:<model>".
package aitext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/lotas/readeasy/internal/settings"
)

// Purpose selects the fixed system instruction sent with a request.
type Purpose string

const (
	PurposeRewrite  Purpose = "rewrite"
	PurposeSimplify Purpose = "simplify"
	PurposePhonetic Purpose = "phonetic"
)

// PhoneticModel is always used for syllable breakdowns.
const PhoneticModel = "gpt-3.5-turbo"

// OllamaPrefix routes a model to the Ollama provider.
const OllamaPrefix = "ollama:"

const maxTextLen = 8000

// ErrNoAPIKey is returned when an OpenAI model is requested without a key.
var ErrNoAPIKey = errors.New("no OpenAI API key configured")

// UserMessage turns a Process error into text fit for the popup or a tab.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNoAPIKey):
		return "No OpenAI API key available. Please add your API key in the settings."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("API error: %d %s", apiErr.Status, http.StatusText(apiErr.Status))
	case errors.Is(err, context.DeadlineExceeded):
		return "The AI service took too long to answer"
	default:
		return "Could not process text"
	}
}

const (
	rewriteLow    = "You are a helpful assistant that rewrites text to be more readable and dyslexia-friendly. Make minor changes to improve readability while keeping most of the original text."
	rewriteMedium = "You are a helpful assistant that rewrites text to be more readable and dyslexia-friendly. Text should be summarized, written in active voice."
	rewriteHigh   = "You are a helpful assistant that rewrites text to be more readable and dyslexia-friendly. Significantly simplify the text, focusing on clarity and ease of reading for someone with dyslexia."

	simplifyLow    = "You are a helpful assistant that simplifies text for people with dyslexia. Replace a few complex words with simpler alternatives while maintaining most of the original text."
	simplifyMedium = "You are a helpful assistant that simplifies text for people with dyslexia. Replace complex words with simpler alternatives and break down difficult sentences into more readable ones."
	simplifyHigh   = "You are a helpful assistant that simplifies text for people with dyslexia. Replace all complex words with simpler alternatives and break down complex sentences into shorter, clearer ones."

	phoneticSystem = `You are a helpful assistant that provides phonetic transcriptions of words. Break down the given words into syllables with hyphens. Format your response as a JSON object where each key is a word and its value is the syllable breakdown, for example: {"example": "ex-am-ple", "syllable": "syl-la-ble"}`
	phoneticUser   = `Provide syllable breakdowns for the following text. Respond with a JSON object only, no explanations: "%s"`
)

// SystemPrompt returns the instruction for purpose at level. Unknown levels
// get the medium instruction.
func SystemPrompt(p Purpose, level settings.Level) string {
	switch p {
	case PurposeRewrite:
		switch level {
		case settings.LevelLow:
			return rewriteLow
		case settings.LevelHigh:
			return rewriteHigh
		}
		return rewriteMedium
	case PurposeSimplify:
		switch level {
		case settings.LevelLow:
			return simplifyLow
		case settings.LevelHigh:
			return simplifyHigh
		}
		return simplifyMedium
	case PurposePhonetic:
		return phoneticSystem
	}
	return ""
}

// Completer sends one system + user exchange to a model.
type Completer interface {
	Complete(ctx context.Context, model, system, user string) (string, error)
}

// Client picks a provider per model and carries the fixed instructions.
type Client struct {
	// Keys returns the current provider API keys.
	Keys       func() map[string]string
	OpenAIBase string
	OllamaHost string
}

// Request is one text transformation.
type Request struct {
	Model   string
	Purpose Purpose
	Level   settings.Level
	Text    string
}

func (c *Client) completer(model string) (Completer, string, error) {
	if name, ok := strings.CutPrefix(model, OllamaPrefix); ok {
		return &Ollama{Host: c.OllamaHost}, name, nil
	}
	var key string
	if c.Keys != nil {
		key = c.Keys()["openai"]
	}
	if key == "" {
		return nil, "", ErrNoAPIKey
	}
	return &OpenAI{APIKey: key, BaseURL: c.OpenAIBase}, model, nil
}

// Process runs req and returns the model's text.
func (c *Client) Process(ctx context.Context, req Request) (string, error) {
	comp, model, err := c.completer(req.Model)
	if err != nil {
		return "", err
	}
	text := truncate(req.Text)
	user := text
	if req.Purpose == PurposePhonetic {
		user = fmt.Sprintf(phoneticUser, text)
	}
	return comp.Complete(ctx, model, SystemPrompt(req.Purpose, req.Level), user)
}

// Rewrite makes text more readable.
func (c *Client) Rewrite(ctx context.Context, text, model string, level settings.Level) (string, error) {
	return c.Process(ctx, Request{Model: model, Purpose: PurposeRewrite, Level: level, Text: text})
}

// Simplify replaces complex words and sentences.
func (c *Client) Simplify(ctx context.Context, text, model string, level settings.Level) (string, error) {
	return c.Process(ctx, Request{Model: model, Purpose: PurposeSimplify, Level: level, Text: text})
}

// Phonetic is a syllable breakdown. Words is nil when the model did not
// answer with JSON, in which case Raw holds its text.
type Phonetic struct {
	Words map[string]string
	Raw   string
}

// MarshalJSON emits the word map, or the raw text when there is none.
func (p Phonetic) MarshalJSON() ([]byte, error) {
	if p.Words != nil {
		return json.Marshal(p.Words)
	}
	return json.Marshal(p.Raw)
}

// Phonetic breaks the long words of text into syllables. No request is made
// when text has no long words.
func (c *Client) Phonetic(ctx context.Context, text string) (Phonetic, error) {
	words := LongWords(text)
	if len(words) == 0 {
		return Phonetic{Words: map[string]string{}}, nil
	}
	out, err := c.Process(ctx, Request{
		Model:   PhoneticModel,
		Purpose: PurposePhonetic,
		Level:   settings.LevelMedium,
		Text:    strings.Join(words, " "),
	})
	if err != nil {
		return Phonetic{}, err
	}
	return ParsePhonetic(out), nil
}

// ParsePhonetic decodes a model answer as a word map, falling back to the raw
// text. A surrounding markdown code fence is ignored.
func ParsePhonetic(out string) Phonetic {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	var words map[string]string
	if err := json.Unmarshal([]byte(s), &words); err != nil || words == nil {
		return Phonetic{Raw: out}
	}
	return Phonetic{Words: words}
}

// LongWords returns the whitespace-separated words of text that are longer
// than four characters.
func LongWords(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		if utf8.RuneCountInString(w) > 4 {
			out = append(out, w)
		}
	}
	return out
}

// SimplifyURL fetches a page, extracts its readable text and simplifies it.
func (c *Client) SimplifyURL(ctx context.Context, url, model string, level settings.Level) (title, text string, err error) {
	title, content, err := FetchReadable(ctx, url)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(content) == "" {
		return title, "", fmt.Errorf("no readable text at %s", url)
	}
	text, err = c.Simplify(ctx, content, model, level)
	if err != nil {
		return title, "", err
	}
	return title, text, nil
}

func truncate(text string) string {
	if len(text) <= maxTextLen {
		return text
	}
	cut := maxTextLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
