package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type MockRecognizer struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	lang     Language
	ch       chan RecognitionEvent
}

func (m *MockRecognizer) Start(ctx context.Context, lang Language) (<-chan RecognitionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.lang = lang
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.ch = make(chan RecognitionEvent, 16)
	return m.ch, nil
}

func (m *MockRecognizer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.ch != nil {
		close(m.ch)
		m.ch = nil
	}
	return nil
}

func (m *MockRecognizer) Name() string {
	return "MockRecognizer"
}

func (m *MockRecognizer) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

type MockGenerator struct {
	mu        sync.Mutex
	response  string
	err       error
	release   chan struct{}
	calls     int
	lastInput string
	history   []Message
}

func (m *MockGenerator) Generate(ctx context.Context, utterance string, history []Message) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastInput = utterance
	m.history = history
	release := m.release
	m.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func (m *MockGenerator) Name() string {
	return "MockGenerator"
}

func (m *MockGenerator) LastInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockSynthesizer struct {
	mu     sync.Mutex
	err    error
	aborts int
	texts  []string
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	if m.err != nil {
		return nil, m.err
	}
	return []byte("audio:" + text), nil
}

func (m *MockSynthesizer) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts++
	return nil
}

func (m *MockSynthesizer) Name() string {
	return "MockSynthesizer"
}

// MockPlayer returns immediately unless block is set, in which case Play
// waits for cancellation.
type MockPlayer struct {
	mu     sync.Mutex
	block  bool
	err    error
	played []string
	stops  int
}

func (m *MockPlayer) Play(ctx context.Context, seg *Segment) error {
	m.mu.Lock()
	m.played = append(m.played, seg.Text)
	block, err := m.block, m.err
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *MockPlayer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *MockPlayer) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.played...)
}

type MockProfileStore struct {
	profiles map[string]VoiceProfile
}

func (m *MockProfileStore) Lookup(id string) (VoiceProfile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return VoiceProfile{}, errors.New("unknown persona")
	}
	return p, nil
}

func mockProviders() Providers {
	return Providers{
		Recognizer:  &MockRecognizer{},
		Generator:   &MockGenerator{response: "Hi there."},
		Synthesizer: &MockSynthesizer{},
		Player:      &MockPlayer{},
	}
}

func TestOrchestratorCreation(t *testing.T) {
	orch, err := New(mockProviders(), DefaultConfig())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	providers := orch.GetProviders()
	if providers["recognizer"] != "MockRecognizer" {
		t.Errorf("Expected recognizer name 'MockRecognizer', got %s", providers["recognizer"])
	}
	if providers["generator"] != "MockGenerator" {
		t.Errorf("Expected generator name 'MockGenerator', got %s", providers["generator"])
	}
	if providers["synthesizer"] != "MockSynthesizer" {
		t.Errorf("Expected synthesizer name 'MockSynthesizer', got %s", providers["synthesizer"])
	}
}

func TestOrchestratorNilProvider(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Providers)
	}{
		{"recognizer", func(p *Providers) { p.Recognizer = nil }},
		{"generator", func(p *Providers) { p.Generator = nil }},
		{"synthesizer", func(p *Providers) { p.Synthesizer = nil }},
		{"player", func(p *Providers) { p.Player = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mockProviders()
			tt.mutate(&p)
			_, err := New(p, DefaultConfig())
			if !errors.Is(err, ErrNilProvider) {
				t.Fatalf("expected ErrNilProvider, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.name) {
				t.Errorf("expected error to name %q, got %v", tt.name, err)
			}
		})
	}
}

func TestConfigManagement(t *testing.T) {
	orch, err := New(mockProviders(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	cfg := orch.GetConfig()
	cfg.CompleteTimeoutMs = 2500
	cfg.Language = LanguageEs
	if err := orch.UpdateConfig(cfg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := orch.GetConfig(); got.CompleteTimeoutMs != 2500 || got.Language != LanguageEs {
		t.Errorf("config not updated: %+v", got)
	}

	bad := orch.GetConfig()
	bad.CompleteTimeoutMs = 0
	if err := orch.UpdateConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if orch.GetConfig().CompleteTimeoutMs != 2500 {
		t.Error("invalid config must not be applied")
	}
}

func TestConfigThreadSafety(t *testing.T) {
	orch, err := New(mockProviders(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		go func(val int) {
			cfg := orch.GetConfig()
			cfg.MaxContextMessages = val + 1
			_ = orch.UpdateConfig(cfg)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		go func() {
			_ = orch.GetConfig()
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	if err := orch.GetConfig().Validate(); err != nil {
		t.Fatalf("config was corrupted: %v", err)
	}
}

func TestNewSessionWithPersona(t *testing.T) {
	p := mockProviders()
	p.Profiles = &MockProfileStore{profiles: map[string]VoiceProfile{
		"coach": {ID: "coach", Name: "Coach", Voice: VoiceM2, SystemPrompt: "You are a coach."},
	}}
	orch, err := New(p, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	session, err := orch.NewSessionWithPersona("user_1", "coach")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if session.ID != "user_1" {
		t.Errorf("Expected session ID 'user_1', got %s", session.ID)
	}
	profile := session.GetProfile()
	if profile.Voice != VoiceM2 {
		t.Errorf("Expected voice M2, got %s", profile.Voice)
	}
	if profile.Language != LanguageEn {
		t.Errorf("Expected language to default to en, got %s", profile.Language)
	}
	ctx := session.GetContextCopy()
	if len(ctx) != 1 || ctx[0].Role != "system" || ctx[0].Content != "You are a coach." {
		t.Errorf("Expected persona system prompt in context, got %+v", ctx)
	}

	if _, err := orch.NewSessionWithPersona("user_2", "missing"); err == nil {
		t.Error("Expected error for unknown persona")
	}
}

func TestNewSessionWithDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContextMessages = 6
	orch, err := New(mockProviders(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	session := orch.NewSessionWithDefaults("")
	if session.ID == "" {
		t.Error("Expected a generated session ID")
	}
	if session.MaxMessages != 6 {
		t.Errorf("Expected MaxMessages 6, got %d", session.MaxMessages)
	}

	orch.SetSystemPrompt(session, "Be brief.")
	session.AddMessage("user", "hello")
	orch.ResetSession(session)
	ctx := session.GetContextCopy()
	if len(ctx) != 1 || ctx[0].Role != "system" {
		t.Errorf("Expected only the system prompt after reset, got %+v", ctx)
	}
}

func TestOrchestratorNewMachine(t *testing.T) {
	orch, err := New(mockProviders(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	session := orch.NewSessionWithDefaults("machine_test")
	m, err := orch.NewMachine(session)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.Session() != session {
		t.Error("machine should use the given session")
	}
	snap := m.Snapshot()
	if snap.SessionID != "machine_test" || snap.State != StateIdle {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
}
