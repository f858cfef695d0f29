package orchestrator

import (
	"context"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// TurnState is the single authoritative conversation state. Only the Machine
// writes it.
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateThinking
	StateProcessing
	StateSpeaking
	StateInterrupted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

func (s TurnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Fragment is one recognizer result. Interim fragments are display-only.
type Fragment struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

// RecognitionEvent is what a Recognizer publishes on its channel: either a
// fragment or, when Err is set, a *RecognitionError.
type RecognitionEvent struct {
	Fragment Fragment
	Err      error
}

// Recognizer turns microphone speech into fragments. Closing the returned
// channel means the recognizer stopped on its own.
type Recognizer interface {
	Start(ctx context.Context, lang Language) (<-chan RecognitionEvent, error)
	Stop() error
	Name() string
}

// AudioConsumer is implemented by recognizers that need the raw capture PCM.
// ConsumeAudio is called from the audio callback and must never block.
type AudioConsumer interface {
	ConsumeAudio(chunk []byte)
}

type ResponseGenerator interface {
	Generate(ctx context.Context, utterance string, history []Message) (string, error)
	Name() string
}

// PromptKind selects the thinking-mode nudge the persona should produce.
type PromptKind int

const (
	PromptNone PromptKind = iota
	PromptPatience
	PromptImpatient
)

func (k PromptKind) String() string {
	switch k {
	case PromptPatience:
		return "patience"
	case PromptImpatient:
		return "impatient"
	default:
		return "none"
	}
}

func (k PromptKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Prompter is an optional ResponseGenerator capability for thinking-mode
// nudges. Without it the built-in phrase lists are used.
type Prompter interface {
	Prompt(ctx context.Context, kind PromptKind, profile VoiceProfile) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error)
	// Abort forces any in-progress synthesis to stop immediately.
	Abort() error
	Name() string
}

// Player renders one segment. Play blocks until the segment finished, failed
// or ctx was cancelled.
type Player interface {
	Play(ctx context.Context, seg *Segment) error
	Stop() error
}

type VoiceProfileStore interface {
	Lookup(personaID string) (VoiceProfile, error)
}

// Presenter observes snapshots. Present must not block.
type Presenter interface {
	Present(snap Snapshot)
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

// VoiceProfile is the read-only persona reference consumed by synthesis and
// generation.
type VoiceProfile struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Voice        Voice             `yaml:"voice" json:"voice"`
	Language     Language          `yaml:"language" json:"language"`
	Speed        float64           `yaml:"speed" json:"speed"`
	SystemPrompt string            `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Traits       map[string]string `yaml:"traits" json:"traits,omitempty"`
}

// DefaultVoiceProfile is used when no persona store is configured.
func DefaultVoiceProfile() VoiceProfile {
	return VoiceProfile{
		ID:       "default",
		Name:     "Assistant",
		Voice:    VoiceF1,
		Language: LanguageEn,
		Speed:    1.0,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the observational view handed to the presentation layer.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	State            TurnState `json:"-"`
	StateName        string    `json:"state"`
	PendingText      string    `json:"pending_text"`
	InterimText      string    `json:"interim_text,omitempty"`
	StatusMessage    string    `json:"status_message,omitempty"`
	Listening        bool      `json:"listening"`
	Processing       bool      `json:"processing"`
	Speaking         bool      `json:"speaking"`
	Threshold        float64   `json:"threshold"`
	BaseNoise        float64   `json:"base_noise"`
	FrustrationLevel int       `json:"frustration_level"`
	At               time.Time `json:"at"`
}
