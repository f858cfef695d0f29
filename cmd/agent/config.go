package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	"gopkg.in/yaml.v3"
)

type agentConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	STTProvider   string `yaml:"stt_provider"`
	LLMProvider   string `yaml:"llm_provider"`
	LLMModel      string `yaml:"llm_model"`
	STTModel      string `yaml:"stt_model"`
	Persona       string `yaml:"persona"`
	PersonaFile   string `yaml:"persona_file"`
	SystemPrompt  string `yaml:"system_prompt"`
	PresenterAddr string `yaml:"presenter_addr"`
	LogLevel      string `yaml:"log_level"`

	// VADThreshold and VADSilenceMs tune the segmented recognizer.
	VADThreshold float64 `yaml:"vad_threshold"`
	VADSilenceMs int     `yaml:"vad_silence_ms"`

	Engine orchestrator.Config `yaml:"engine"`

	keys apiKeys
}

type apiKeys struct {
	Groq      string
	OpenAI    string
	Anthropic string
	Deepgram  string
	Lokutor   string
}

func defaultAgentConfig() agentConfig {
	return agentConfig{
		SampleRate:   44100,
		STTProvider:  "groq",
		LLMProvider:  "groq",
		LogLevel:     "info",
		VADThreshold: 0.02,
		VADSilenceMs: 500,
		SystemPrompt: "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",
		Engine:       orchestrator.DefaultConfig(),
	}
}

// loadConfig layers defaults, the optional AGENT_CONFIG YAML file and the
// environment, in that order. A missing .env file is not an error.
func loadConfig() (agentConfig, error) {
	_ = godotenv.Load()

	cfg := defaultAgentConfig()
	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read agent config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse agent config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Engine.Validate(); err != nil {
		return cfg, err
	}
	if cfg.SampleRate <= 0 {
		return cfg, fmt.Errorf("sample_rate must be positive, got %d", cfg.SampleRate)
	}
	return cfg, nil
}

func applyEnv(cfg *agentConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	setString(&cfg.STTProvider, "STT_PROVIDER")
	setString(&cfg.LLMProvider, "LLM_PROVIDER")
	setString(&cfg.STTModel, "STT_MODEL")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.Persona, "PERSONA")
	setString(&cfg.PersonaFile, "PERSONA_FILE")
	setString(&cfg.PresenterAddr, "PRESENTER_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if lang := os.Getenv("AGENT_LANGUAGE"); lang != "" {
		cfg.Engine.Language = orchestrator.Language(lang)
	}

	cfg.keys = apiKeys{
		Groq:      os.Getenv("GROQ_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		Deepgram:  os.Getenv("DEEPGRAM_API_KEY"),
		Lokutor:   os.Getenv("LOKUTOR_API_KEY"),
	}
}
