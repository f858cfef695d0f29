package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

const deepgramKeepAlive = 8 * time.Second

// DeepgramSTT is a streaming Recognizer over the Deepgram live websocket.
// Capture audio arrives through ConsumeAudio. Transcribe keeps the batch
// endpoint available for segmented use.
type DeepgramSTT struct {
	apiKey     string
	liveURL    string
	batchURL   string
	model      string
	sampleRate int
	client     *http.Client

	mu      sync.Mutex
	session *deepgramSession

	dropped atomic.Int64
}

type deepgramSession struct {
	conn   *websocket.Conn
	audio  chan []byte
	cancel context.CancelFunc
}

type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:     apiKey,
		liveURL:    "wss://api.deepgram.com/v1/listen",
		batchURL:   "https://api.deepgram.com/v1/listen",
		model:      "nova-2",
		sampleRate: 44100,
		client:     http.DefaultClient,
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

func (s *DeepgramSTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

// Dropped reports how many capture chunks were discarded because the
// socket writer fell behind.
func (s *DeepgramSTT) Dropped() int64 {
	return s.dropped.Load()
}

func (s *DeepgramSTT) Start(ctx context.Context, lang orchestrator.Language) (<-chan orchestrator.RecognitionEvent, error) {
	s.Stop()

	u, err := url.Parse(s.liveURL)
	if err != nil {
		return nil, orchestrator.NewRecognitionError(orchestrator.RecognitionUnknown, err)
	}
	params := u.Query()
	params.Set("model", s.model)
	params.Set("interim_results", "true")
	params.Set("smart_format", "true")
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channels", "1")
	if lang != "" {
		params.Set("language", string(lang))
	}
	u.RawQuery = params.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + s.apiKey}},
	})
	if err != nil {
		kind := orchestrator.RecognitionNetwork
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			kind = orchestrator.RecognitionNotAllowed
		}
		return nil, orchestrator.NewRecognitionError(kind, fmt.Errorf("failed to connect to deepgram: %w", err))
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &deepgramSession{
		conn:   conn,
		audio:  make(chan []byte, 64),
		cancel: cancel,
	}
	out := make(chan orchestrator.RecognitionEvent, 32)

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	go s.writeLoop(sessCtx, sess)
	go s.readLoop(sessCtx, sess, out)

	return out, nil
}

func (s *DeepgramSTT) writeLoop(ctx context.Context, sess *deepgramSession) {
	keepAlive := time.NewTicker(deepgramKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-sess.audio:
			if err := sess.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := wsjson.Write(ctx, sess.conn, map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (s *DeepgramSTT) readLoop(ctx context.Context, sess *deepgramSession, out chan<- orchestrator.RecognitionEvent) {
	defer close(out)

	emit := func(ev orchestrator.RecognitionEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		msgType, payload, err := sess.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			emit(orchestrator.RecognitionEvent{
				Err: orchestrator.NewRecognitionError(orchestrator.RecognitionNetwork, fmt.Errorf("deepgram read: %w", err)),
			})
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var res deepgramResult
		if err := json.Unmarshal(payload, &res); err != nil {
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		frag := orchestrator.Fragment{
			Text:       alt.Transcript,
			IsFinal:    res.IsFinal,
			Confidence: alt.Confidence,
			Timestamp:  time.Now(),
		}
		if !emit(orchestrator.RecognitionEvent{Fragment: frag}) {
			return
		}
	}
}

// ConsumeAudio queues a capture chunk for the socket writer. It never blocks.
func (s *DeepgramSTT) ConsumeAudio(chunk []byte) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}

	select {
	case sess.audio <- append([]byte(nil), chunk...):
	default:
		s.dropped.Add(1)
	}
}

func (s *DeepgramSTT) Stop() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	closeErr := wsjson.Write(ctx, sess.conn, map[string]string{"type": "CloseStream"})

	sess.cancel()
	sess.conn.Close(websocket.StatusNormalClosure, "")
	if closeErr != nil {
		return fmt.Errorf("deepgram close stream: %w", closeErr)
	}
	return nil
}

// Transcribe sends one utterance to the batch endpoint.
func (s *DeepgramSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	u, err := url.Parse(s.batchURL)
	if err != nil {
		return "", err
	}

	params := u.Query()
	params.Set("model", s.model)
	params.Set("smart_format", "true")
	if lang != "" {
		params.Set("language", string(lang))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", s.sampleRate))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", orchestrator.NewRecognitionError(orchestrator.RecognitionNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
		return "", orchestrator.NewRecognitionError(kindForStatus(resp.StatusCode), err)
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}

	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
