package orchestrator

import (
	"strings"
	"sync"
)

const interruptedMarker = " [interrupted]"

// ConversationSession keeps the bounded message history that is handed to
// the response generator as conversation context.
type ConversationSession struct {
	mu            sync.RWMutex
	ID            string
	Context       []Message
	LastUser      string
	LastAssistant string
	MaxMessages   int
	Profile       VoiceProfile
}

func NewConversationSession(id string) *ConversationSession {
	return &ConversationSession{
		ID:          id,
		Context:     []Message{},
		MaxMessages: 20,
		Profile:     DefaultVoiceProfile(),
	}
}

func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, Message{Role: role, Content: content})
	s.trimLocked()
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

// trimLocked drops the oldest non-system messages beyond MaxMessages.
func (s *ConversationSession) trimLocked() {
	if s.MaxMessages <= 0 || len(s.Context) <= s.MaxMessages {
		return
	}
	excess := len(s.Context) - s.MaxMessages
	kept := make([]Message, 0, s.MaxMessages)
	for _, msg := range s.Context {
		if excess > 0 && msg.Role != "system" {
			excess--
			continue
		}
		kept = append(kept, msg)
	}
	s.Context = kept
}

// MarkLastAssistantInterrupted tags the most recent assistant reply so the
// generator knows the user cut it short.
func (s *ConversationSession) MarkLastAssistantInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Context) - 1; i >= 0; i-- {
		if s.Context[i].Role != "assistant" {
			continue
		}
		if !strings.HasSuffix(s.Context[i].Content, interruptedMarker) {
			s.Context[i].Content += interruptedMarker
		}
		return
	}
}

func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	system := []Message{}
	for _, msg := range s.Context {
		if msg.Role == "system" {
			system = append(system, msg)
		}
	}
	s.Context = system
	s.LastUser = ""
	s.LastAssistant = ""
}

func (s *ConversationSession) GetContextCopy() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextCopy := make([]Message, len(s.Context))
	copy(contextCopy, s.Context)
	return contextCopy
}

func (s *ConversationSession) GetProfile() VoiceProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Profile
}

// SetProfile swaps the persona and replaces any system prompt with the
// persona's own.
func (s *ConversationSession) SetProfile(p VoiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Profile = p
	kept := s.Context[:0]
	for _, msg := range s.Context {
		if msg.Role != "system" {
			kept = append(kept, msg)
		}
	}
	s.Context = kept
	if p.SystemPrompt != "" {
		s.Context = append([]Message{{Role: "system", Content: p.SystemPrompt}}, s.Context...)
	}
}
