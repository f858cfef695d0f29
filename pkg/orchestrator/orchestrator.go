package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Providers groups the strategy implementations one Orchestrator drives.
// Profiles and Presenter are optional.
type Providers struct {
	Recognizer  Recognizer
	Generator   ResponseGenerator
	Synthesizer Synthesizer
	Player      Player
	Profiles    VoiceProfileStore
	Presenter   Presenter
}

// Orchestrator wires providers, configuration and logging into per-session
// turn machines.
type Orchestrator struct {
	providers Providers
	config    Config
	logger    Logger
	clock     Clock
	mu        sync.RWMutex
}

// New creates an orchestrator with a no-op logger.
func New(providers Providers, config Config) (*Orchestrator, error) {
	return NewWithLogger(providers, config, &NoOpLogger{})
}

// NewWithLogger creates an orchestrator with a custom logger.
// If logger is nil, a no-op logger is used.
func NewWithLogger(providers Providers, config Config, logger Logger) (*Orchestrator, error) {
	switch {
	case providers.Recognizer == nil:
		return nil, fmt.Errorf("%w: recognizer", ErrNilProvider)
	case providers.Generator == nil:
		return nil, fmt.Errorf("%w: generator", ErrNilProvider)
	case providers.Synthesizer == nil:
		return nil, fmt.Errorf("%w: synthesizer", ErrNilProvider)
	case providers.Player == nil:
		return nil, fmt.Errorf("%w: player", ErrNilProvider)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		providers: providers,
		config:    config,
		logger:    logger,
		clock:     RealClock(),
	}, nil
}

// SetClock replaces the clock handed to new machines.
func (o *Orchestrator) SetClock(c Clock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = c
}

// UpdateConfig applies to machines created afterwards.
func (o *Orchestrator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
	return nil
}

func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

// GetProviders returns the names of the configured providers.
func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"recognizer":  o.providers.Recognizer.Name(),
		"generator":   o.providers.Generator.Name(),
		"synthesizer": o.providers.Synthesizer.Name(),
	}
}

// NewSessionWithDefaults creates a session that carries the configured
// history bound and the default persona.
func (o *Orchestrator) NewSessionWithDefaults(userID string) *ConversationSession {
	if userID == "" {
		userID = uuid.NewString()
	}
	cfg := o.GetConfig()
	session := NewConversationSession(userID)
	session.MaxMessages = cfg.MaxContextMessages
	profile := DefaultVoiceProfile()
	profile.Language = cfg.Language
	session.SetProfile(profile)
	return session
}

// NewSessionWithPersona resolves personaID through the profile store.
func (o *Orchestrator) NewSessionWithPersona(userID, personaID string) (*ConversationSession, error) {
	session := o.NewSessionWithDefaults(userID)
	if o.providers.Profiles == nil || personaID == "" {
		return session, nil
	}
	profile, err := o.providers.Profiles.Lookup(personaID)
	if err != nil {
		return nil, fmt.Errorf("lookup persona %q: %w", personaID, err)
	}
	if profile.Language == "" {
		profile.Language = o.GetConfig().Language
	}
	session.SetProfile(profile)
	o.logger.Info("persona selected", "sessionID", session.ID, "persona", profile.ID)
	return session, nil
}

// SetSystemPrompt adds a system prompt message to a session.
func (o *Orchestrator) SetSystemPrompt(session *ConversationSession, prompt string) {
	session.AddMessage("system", prompt)
}

// ResetSession clears the conversation history for a session.
func (o *Orchestrator) ResetSession(session *ConversationSession) {
	session.ClearContext()
}

// NewMachine creates the turn machine for session. The caller runs it with
// Run and drives it with Start/Stop and audio hand-off.
func (o *Orchestrator) NewMachine(session *ConversationSession) (*Machine, error) {
	o.mu.RLock()
	cc := ConversationContext{
		Config: o.config,
		Clock:  o.clock,
		Logger: o.logger,
	}
	o.mu.RUnlock()

	if session == nil {
		session = o.NewSessionWithDefaults("")
	}
	cc.SessionID = session.ID

	return NewMachine(cc, MachineDeps{
		Recognizer:  o.providers.Recognizer,
		Generator:   o.providers.Generator,
		Synthesizer: o.providers.Synthesizer,
		Player:      o.providers.Player,
		Presenter:   o.providers.Presenter,
		Session:     session,
	})
}
