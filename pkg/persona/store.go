// Package persona loads voice profiles from YAML.
package persona

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	"gopkg.in/yaml.v3"
)

var ErrUnknownPersona = errors.New("unknown persona")

var knownVoices = []orchestrator.Voice{
	orchestrator.VoiceF1, orchestrator.VoiceF2, orchestrator.VoiceF3, orchestrator.VoiceF4, orchestrator.VoiceF5,
	orchestrator.VoiceM1, orchestrator.VoiceM2, orchestrator.VoiceM3, orchestrator.VoiceM4, orchestrator.VoiceM5,
}

type file struct {
	Default  string                      `yaml:"default"`
	Personas []orchestrator.VoiceProfile `yaml:"personas"`
}

// Store is a read-only orchestrator.VoiceProfileStore. Reload swaps the
// whole set atomically.
type Store struct {
	mu       sync.RWMutex
	path     string
	def      string
	personas map[string]orchestrator.VoiceProfile
}

// Load reads a persona file such as:
//
//	default: barista
//	personas:
//	  - id: barista
//	    name: Sam
//	    voice: M2
//	    language: en
//	    system_prompt: You take coffee orders.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

func Parse(data []byte) (*Store, error) {
	def, personas, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Store{def: def, personas: personas}, nil
}

func parse(data []byte) (string, map[string]orchestrator.VoiceProfile, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("failed to parse persona file: %w", err)
	}
	if len(f.Personas) == 0 {
		return "", nil, errors.New("persona file defines no personas")
	}

	personas := make(map[string]orchestrator.VoiceProfile, len(f.Personas))
	for i, p := range f.Personas {
		if p.ID == "" {
			return "", nil, fmt.Errorf("persona %d: missing id", i)
		}
		if _, dup := personas[p.ID]; dup {
			return "", nil, fmt.Errorf("persona %q: duplicate id", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Voice == "" {
			p.Voice = orchestrator.VoiceF1
		} else if !slices.Contains(knownVoices, p.Voice) {
			return "", nil, fmt.Errorf("persona %q: unknown voice %q", p.ID, p.Voice)
		}
		if p.Language == "" {
			p.Language = orchestrator.LanguageEn
		}
		if p.Speed <= 0 {
			p.Speed = 1.0
		}
		personas[p.ID] = p
	}

	def := f.Default
	if def == "" {
		def = f.Personas[0].ID
	}
	if _, ok := personas[def]; !ok {
		return "", nil, fmt.Errorf("default persona %q: %w", def, ErrUnknownPersona)
	}
	return def, personas, nil
}

// Lookup returns the persona with the given id; an empty id selects the
// default persona.
func (s *Store) Lookup(id string) (orchestrator.VoiceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		id = s.def
	}
	p, ok := s.personas[id]
	if !ok {
		return orchestrator.VoiceProfile{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	p.Traits = maps.Clone(p.Traits)
	return p, nil
}

func (s *Store) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// IDs lists the persona ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.personas))
	for id := range s.personas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reload re-reads the file the store was loaded from. On error the current
// personas stay in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("persona store was not loaded from a file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read persona file: %w", err)
	}
	def, personas, err := parse(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.def, s.personas = def, personas
	s.mu.Unlock()
	return nil
}
