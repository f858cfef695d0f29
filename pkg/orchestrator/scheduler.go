package orchestrator

import (
	"time"
)

// PauseAction is what the Machine should do when the pause timer fires.
type PauseAction int

const (
	PauseFlush PauseAction = iota
	PauseExtend
)

// PauseScheduler picks the silence timeout for the pending utterance and
// applies duplicate suppression before a send. It owns no timer itself: the
// Machine arms the durations it returns so fires re-enter the event loop.
type PauseScheduler struct {
	cfg   Config
	clock Clock

	// extended is set once the single extension for the current utterance
	// was granted.
	extended bool

	lastSent   string
	lastSentAt time.Time
}

func NewPauseScheduler(cfg Config, clock Clock) *PauseScheduler {
	return &PauseScheduler{cfg: cfg, clock: clock}
}

// Timeout classifies text and returns the primary timeout. Called on every
// accumulator update; it also forgets any extension granted earlier.
func (s *PauseScheduler) Timeout(text string) time.Duration {
	s.extended = false
	if Classify(text) == Complete {
		return ms(s.cfg.CompleteTimeoutMs)
	}
	return ms(s.cfg.IncompleteTimeoutMs)
}

// OnFire re-checks text when a pause timer elapses. Short incomplete
// utterances get one extension; everything else is flushed.
func (s *PauseScheduler) OnFire(text string) (PauseAction, time.Duration) {
	if s.extended || s.cfg.ExtensionTimeoutMs <= 0 {
		return PauseFlush, 0
	}
	if Classify(text) == Incomplete && WordCount(text) < s.cfg.ExtensionMaxWords {
		s.extended = true
		return PauseExtend, ms(s.cfg.ExtensionTimeoutMs)
	}
	return PauseFlush, 0
}

// IsDuplicate reports whether text repeats the last sent message within the
// suppression window.
func (s *PauseScheduler) IsDuplicate(text string) bool {
	if s.lastSentAt.IsZero() {
		return false
	}
	if s.clock.Now().Sub(s.lastSentAt) >= ms(s.cfg.DuplicateSuppressionWindowMs) {
		return false
	}
	return Similarity(text, s.lastSent) > s.cfg.DuplicateSimilarityThreshold
}

// RecordSent remembers a message that was actually handed to generation.
func (s *PauseScheduler) RecordSent(text string) {
	s.lastSent = text
	s.lastSentAt = s.clock.Now()
	s.extended = false
}

// ForgetSent drops the send history so a retried message is not taken for
// a duplicate.
func (s *PauseScheduler) ForgetSent() {
	s.lastSent = ""
	s.lastSentAt = time.Time{}
}

// Reset forgets the in-flight extension; send history is kept.
func (s *PauseScheduler) Reset() {
	s.extended = false
}

func (s *PauseScheduler) LastSent() (string, time.Time) {
	return s.lastSent, s.lastSentAt
}
