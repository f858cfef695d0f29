package tts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

// ErrAborted is returned by a synthesis that was cut short by Abort.
var ErrAborted = errors.New("synthesis aborted")

type synthesisRequest struct {
	Text    string  `json:"text"`
	Voice   string  `json:"voice"`
	Lang    string  `json:"lang"`
	Speed   float64 `json:"speed"`
	Steps   int     `json:"steps"`
	Visemes bool    `json:"visemes"`
}

// LokutorTTS synthesizes over a single reused websocket. Requests are
// serialized; Abort may be called from any goroutine.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	steps  int

	reqMu sync.Mutex // one request on the wire at a time

	mu      sync.Mutex
	conn    *websocket.Conn
	aborted bool
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		steps:  6,
	}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aborted = false
	if t.conn != nil {
		return t.conn, nil
	}

	q := url.Values{}
	q.Set("api_key", t.apiKey)
	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: q.Encode()}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	conn.SetReadLimit(10 * 1024 * 1024)

	t.conn = conn
	return conn, nil
}

// dropConn forgets conn if it is still the current connection and reports
// whether the failure was caused by Abort.
func (t *LokutorTTS) dropConn(conn *websocket.Conn, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, reason)
	}
	return t.aborted
}

// Synthesize returns the complete PCM for text in the profile's voice.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string, profile orchestrator.VoiceProfile) ([]byte, error) {
	var audio []byte
	err := t.StreamSynthesize(ctx, text, profile, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, profile orchestrator.VoiceProfile, onChunk func([]byte) error) error {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return err
	}

	speed := profile.Speed
	if speed <= 0 {
		speed = 1.0
	}
	voice := profile.Voice
	if voice == "" {
		voice = orchestrator.VoiceF1
	}
	lang := profile.Language
	if lang == "" {
		lang = orchestrator.LanguageEn
	}

	req := synthesisRequest{
		Text:  text,
		Voice: string(voice),
		Lang:  string(lang),
		Speed: speed,
		Steps: t.steps,
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		if t.dropConn(conn, "failed to write json") {
			return ErrAborted
		}
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			if t.dropConn(conn, "failed to read") {
				return ErrAborted
			}
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				t.dropConn(conn, "consumer stopped")
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("lokutor error: %s", strings.TrimSpace(msg[4:]))
			}
		}
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

// Abort closes the connection so a blocked read returns at once. The next
// Synthesize dials again.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusAbnormalClosure, "abort")
		t.conn = nil
		return err
	}
	return nil
}
