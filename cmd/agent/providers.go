package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-turns/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-turns/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-turns/pkg/providers/tts"
)

func requireKey(key, name, provider string) error {
	if key == "" {
		return fmt.Errorf("%s must be set for %s", name, provider)
	}
	return nil
}

func buildRecognizer(cfg agentConfig) (orchestrator.Recognizer, error) {
	switch cfg.STTProvider {
	case "deepgram":
		if err := requireKey(cfg.keys.Deepgram, "DEEPGRAM_API_KEY", "deepgram STT"); err != nil {
			return nil, err
		}
		s := sttProvider.NewDeepgramSTT(cfg.keys.Deepgram)
		s.SetSampleRate(cfg.SampleRate)
		return s, nil
	case "openai", "groq":
		var whisper *sttProvider.WhisperSTT
		if cfg.STTProvider == "openai" {
			if err := requireKey(cfg.keys.OpenAI, "OPENAI_API_KEY", "openai STT"); err != nil {
				return nil, err
			}
			whisper = sttProvider.NewOpenAISTT(cfg.keys.OpenAI, cfg.STTModel)
		} else {
			if err := requireKey(cfg.keys.Groq, "GROQ_API_KEY", "groq STT"); err != nil {
				return nil, err
			}
			whisper = sttProvider.NewGroqSTT(cfg.keys.Groq, cfg.STTModel)
		}
		whisper.SetSampleRate(cfg.SampleRate)
		vad := sttProvider.NewRMSVAD(cfg.VADThreshold, time.Duration(cfg.VADSilenceMs)*time.Millisecond)
		seg := sttProvider.NewSegmentedRecognizer(whisper, vad)
		seg.MaxUtteranceBytes = cfg.SampleRate * 2 * 30
		return seg, nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}
}

func buildGenerator(cfg agentConfig) (orchestrator.ResponseGenerator, error) {
	switch cfg.LLMProvider {
	case "openai":
		if err := requireKey(cfg.keys.OpenAI, "OPENAI_API_KEY", "openai LLM"); err != nil {
			return nil, err
		}
		return llmProvider.NewOpenAILLM(cfg.keys.OpenAI, cfg.LLMModel), nil
	case "anthropic":
		if err := requireKey(cfg.keys.Anthropic, "ANTHROPIC_API_KEY", "anthropic LLM"); err != nil {
			return nil, err
		}
		return llmProvider.NewAnthropicLLM(cfg.keys.Anthropic, cfg.LLMModel), nil
	case "groq":
		if err := requireKey(cfg.keys.Groq, "GROQ_API_KEY", "groq LLM"); err != nil {
			return nil, err
		}
		return llmProvider.NewGroqLLM(cfg.keys.Groq, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

func buildSynthesizer(cfg agentConfig) (*ttsProvider.LokutorTTS, error) {
	if cfg.keys.Lokutor == "" {
		return nil, errors.New("LOKUTOR_API_KEY must be set")
	}
	return ttsProvider.NewLokutorTTS(cfg.keys.Lokutor), nil
}
