package stt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

// SegmentedRecognizer cuts capture audio into utterances with an RMSVAD and
// hands each one to a batch Transcriber. Every utterance yields one final
// fragment.
type SegmentedRecognizer struct {
	transcriber Transcriber
	vad         *RMSVAD

	// MaxUtteranceBytes forces a cut of very long speech; zero disables it.
	MaxUtteranceBytes int
	PrerollFrames     int

	mu  sync.Mutex
	run *segmentRun

	dropped atomic.Int64
}

type segmentRun struct {
	audio  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSegmentedRecognizer(transcriber Transcriber, vad *RMSVAD) *SegmentedRecognizer {
	return &SegmentedRecognizer{
		transcriber:       transcriber,
		vad:               vad,
		MaxUtteranceBytes: 44100 * 2 * 30,
		PrerollFrames:     10,
	}
}

func (r *SegmentedRecognizer) Name() string {
	return "segmented:" + r.transcriber.Name()
}

func (r *SegmentedRecognizer) Dropped() int64 {
	return r.dropped.Load()
}

func (r *SegmentedRecognizer) Start(ctx context.Context, lang orchestrator.Language) (<-chan orchestrator.RecognitionEvent, error) {
	r.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	run := &segmentRun{
		audio:  make(chan []byte, 128),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	out := make(chan orchestrator.RecognitionEvent, 8)

	r.mu.Lock()
	r.run = run
	r.mu.Unlock()

	segments := make(chan []byte, 8)
	go r.transcribeLoop(runCtx, lang, segments, out, run.done)
	go r.segmentLoop(runCtx, run, segments)

	return out, nil
}

func (r *SegmentedRecognizer) segmentLoop(ctx context.Context, run *segmentRun, segments chan<- []byte) {
	defer close(segments)

	vad := r.vad.Clone()
	var buf []byte
	var preroll [][]byte

	flush := func() {
		if len(buf) == 0 {
			return
		}
		select {
		case segments <- buf:
		case <-ctx.Done():
		}
		buf = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-run.audio:
			ev := vad.Process(chunk)
			switch {
			case ev != nil && ev.Type == VADSpeechStart:
				for _, p := range preroll {
					buf = append(buf, p...)
				}
				preroll = nil
				buf = append(buf, chunk...)
			case vad.IsSpeaking():
				buf = append(buf, chunk...)
				if r.MaxUtteranceBytes > 0 && len(buf) >= r.MaxUtteranceBytes {
					flush()
				}
			case ev != nil && ev.Type == VADSpeechEnd:
				buf = append(buf, chunk...)
				flush()
			default:
				preroll = append(preroll, chunk)
				if len(preroll) > r.PrerollFrames {
					preroll = preroll[1:]
				}
			}
		}
	}
}

func (r *SegmentedRecognizer) transcribeLoop(ctx context.Context, lang orchestrator.Language, segments <-chan []byte, out chan<- orchestrator.RecognitionEvent, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for pcm := range segments {
		text, err := r.transcriber.Transcribe(ctx, pcm, lang)
		if ctx.Err() != nil {
			return
		}

		var ev orchestrator.RecognitionEvent
		switch {
		case err != nil:
			ev.Err = err
		case text == "":
			continue
		default:
			ev.Fragment = orchestrator.Fragment{
				Text:       text,
				IsFinal:    true,
				Confidence: 1,
				Timestamp:  time.Now(),
			}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// ConsumeAudio never blocks; chunks are dropped while the segmenter is behind.
func (r *SegmentedRecognizer) ConsumeAudio(chunk []byte) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return
	}

	select {
	case run.audio <- append([]byte(nil), chunk...):
	default:
		r.dropped.Add(1)
	}
}

func (r *SegmentedRecognizer) Stop() error {
	r.mu.Lock()
	run := r.run
	r.run = nil
	r.mu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()
	<-run.done
	return nil
}
