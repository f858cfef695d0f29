package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

type SegmentStatus int

const (
	SegmentQueued SegmentStatus = iota
	SegmentPlaying
	SegmentDone
	SegmentFailed
	SegmentCancelled
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentQueued:
		return "queued"
	case SegmentPlaying:
		return "playing"
	case SegmentDone:
		return "done"
	case SegmentFailed:
		return "failed"
	case SegmentCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Segment is one synthesized sentence waiting for, or in, playback.
type Segment struct {
	Audio    []byte
	Text     string
	Sequence int
	TurnID   string
	Status   SegmentStatus
}

// PlaybackQueue plays segments strictly one at a time in FIFO order.
// Completion re-enters the owner's loop through post as PlaybackStarted,
// PlaybackEnded or PlaybackFailed events tagged with the queue epoch, so a
// completion that races with CancelAll is recognised as stale.
type PlaybackQueue struct {
	player      Player
	post        func(Event)
	logger      Logger
	maxFailures int

	mu       sync.Mutex
	ctx      context.Context
	queue    []*Segment
	playing  *Segment
	epoch    int
	failures int
	cancel   context.CancelFunc
}

func NewPlaybackQueue(player Player, post func(Event), maxFailures int, logger Logger) *PlaybackQueue {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PlaybackQueue{
		player:      player,
		post:        post,
		logger:      logger,
		maxFailures: maxFailures,
		ctx:         context.Background(),
	}
}

// Bind sets the parent context for playback; cancelling it stops playback.
func (q *PlaybackQueue) Bind(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
}

// Enqueue appends a segment and starts it immediately when idle.
func (q *PlaybackQueue) Enqueue(seg *Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seg.Status = SegmentQueued
	q.queue = append(q.queue, seg)
	if q.playing == nil {
		q.playNextLocked()
	}
}

func (q *PlaybackQueue) playNextLocked() {
	if q.playing != nil || len(q.queue) == 0 {
		return
	}
	seg := q.queue[0]
	q.queue = q.queue[1:]
	seg.Status = SegmentPlaying
	q.playing = seg

	ctx, cancel := context.WithCancel(q.ctx)
	q.cancel = cancel
	epoch := q.epoch

	go func() {
		defer cancel()
		q.post(PlaybackStarted{Epoch: epoch, Sequence: seg.Sequence})
		err := q.player.Play(ctx, seg)
		if ctx.Err() != nil {
			// cancelled by CancelAll; nothing to report
			return
		}
		if err != nil {
			q.post(PlaybackFailed{Epoch: epoch, Sequence: seg.Sequence, Err: err})
			return
		}
		q.post(PlaybackEnded{Epoch: epoch, Sequence: seg.Sequence})
	}()
}

// currentLocked reports whether an event belongs to the segment now playing.
func (q *PlaybackQueue) currentLocked(epoch, seq int) bool {
	return epoch == q.epoch && q.playing != nil && q.playing.Sequence == seq
}

// IsCurrent reports whether a PlaybackStarted belongs to the active segment.
func (q *PlaybackQueue) IsCurrent(epoch, seq int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentLocked(epoch, seq)
}

// HandleEnded marks the active segment done and advances. Stale events
// return false.
func (q *PlaybackQueue) HandleEnded(ev PlaybackEnded) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.currentLocked(ev.Epoch, ev.Sequence) {
		return false
	}
	q.playing.Status = SegmentDone
	q.playing = nil
	q.failures = 0
	q.playNextLocked()
	return true
}

// HandleFailed skips the failed segment. When consecutive failures exceed
// the bound the whole queue is dropped and an error is returned.
func (q *PlaybackQueue) HandleFailed(ev PlaybackFailed) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.currentLocked(ev.Epoch, ev.Sequence) {
		return false, nil
	}
	q.playing.Status = SegmentFailed
	q.playing = nil
	q.failures++

	if q.failures > q.maxFailures {
		dropped := len(q.queue)
		for _, seg := range q.queue {
			seg.Status = SegmentCancelled
		}
		q.queue = nil
		q.failures = 0
		q.logger.Warn("playback queue cleared after repeated failures", "dropped", dropped)
		return true, fmt.Errorf("%w: segment %d: %v", ErrPlayback, ev.Sequence, ev.Err)
	}

	q.logger.Warn("skipping failed segment", "seq", ev.Sequence, "error", ev.Err)
	q.playNextLocked()
	return true, nil
}

// CancelAll stops the active segment and discards the rest. Events from
// anything started before the call become stale.
func (q *PlaybackQueue) CancelAll() int {
	q.mu.Lock()
	q.epoch++
	discarded := len(q.queue)
	for _, seg := range q.queue {
		seg.Status = SegmentCancelled
	}
	q.queue = nil
	q.failures = 0
	wasPlaying := q.playing != nil
	if wasPlaying {
		q.playing.Status = SegmentCancelled
		q.playing = nil
		discarded++
	}
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()

	if wasPlaying {
		if err := q.player.Stop(); err != nil {
			q.logger.Warn("player stop failed", "error", err)
		}
	}
	return discarded
}

// Idle reports whether nothing is playing or queued.
func (q *PlaybackQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing == nil && len(q.queue) == 0
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// PlayingCount is 0 or 1.
func (q *PlaybackQueue) PlayingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing != nil {
		return 1
	}
	return 0
}

func (q *PlaybackQueue) Epoch() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}
