package main

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

// devicePlayer feeds segment PCM to the malgo playback callback. Play
// returns once the callback has drained the segment.
type devicePlayer struct {
	mu       sync.Mutex
	pending  []byte
	drained  chan struct{}
	onPlayed func([]byte)
}

func newDevicePlayer() *devicePlayer {
	return &devicePlayer{}
}

// SetOnPlayed registers a hook that receives every chunk handed to the
// speakers. It runs on the audio thread and must not block.
func (p *devicePlayer) SetOnPlayed(fn func([]byte)) {
	p.mu.Lock()
	p.onPlayed = fn
	p.mu.Unlock()
}

func (p *devicePlayer) Play(ctx context.Context, seg *orchestrator.Segment) error {
	if len(seg.Audio) == 0 {
		return nil
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.release()
	p.pending = append([]byte(nil), seg.Audio...)
	p.drained = done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

func (p *devicePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.release()
	return nil
}

// release must be called with mu held.
func (p *devicePlayer) release() {
	if p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

// fill copies queued audio into out and pads with silence.
func (p *devicePlayer) fill(out []byte) {
	p.mu.Lock()
	n := copy(out, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.release()
	}
	hook := p.onPlayed
	p.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if n > 0 && hook != nil {
		hook(out[:n])
	}
}
