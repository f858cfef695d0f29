package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/lokutor-turns/pkg/audio"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

// Transcriber turns one complete utterance of PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error)
	Name() string
}

// WhisperSTT talks to any OpenAI-compatible /audio/transcriptions endpoint.
type WhisperSTT struct {
	apiKey     string
	url        string
	model      string
	name       string
	sampleRate int
	client     *http.Client
}

func NewOpenAISTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperSTT{
		apiKey:     apiKey,
		url:        "https://api.openai.com/v1/audio/transcriptions",
		model:      model,
		name:       "openai-stt",
		sampleRate: 44100,
		client:     http.DefaultClient,
	}
}

func NewGroqSTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &WhisperSTT{
		apiKey:     apiKey,
		url:        "https://api.groq.com/openai/v1/audio/transcriptions",
		model:      model,
		name:       "groq-stt",
		sampleRate: 44100,
		client:     http.DefaultClient,
	}
}

func (s *WhisperSTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *WhisperSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	wavData := audio.NewWavBuffer(audioPCM, s.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if lang != "" {
		if err := writer.WriteField("language", string(lang)); err != nil {
			return "", err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", orchestrator.NewRecognitionError(orchestrator.RecognitionNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%s error (status %d): %s", s.name, resp.StatusCode, bytes.TrimSpace(respBody))
		return "", orchestrator.NewRecognitionError(kindForStatus(resp.StatusCode), err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Text, nil
}

func (s *WhisperSTT) Name() string {
	return s.name
}

// kindForStatus maps an HTTP status to the recognizer error taxonomy.
func kindForStatus(status int) orchestrator.RecognitionErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return orchestrator.RecognitionNotAllowed
	case status == http.StatusTooManyRequests || status >= 500:
		return orchestrator.RecognitionNetwork
	default:
		return orchestrator.RecognitionUnknown
	}
}
