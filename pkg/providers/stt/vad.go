package stt

import (
	"time"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp time.Time
}

// RMSVAD is an energy based voice activity detector used to cut capture
// audio into utterances for batch transcription.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64

	now func() time.Time
}

func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7,
		now:          time.Now,
	}
}

// SetMinConfirmed sets how many consecutive loud frames confirm a speech start.
func (v *RMSVAD) SetMinConfirmed(count int) {
	v.minConfirmed = count
}

func (v *RMSVAD) SetThreshold(threshold float64) {
	v.threshold = threshold
}

func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

func (v *RMSVAD) LastRMS() float64 {
	return v.lastRMS
}

func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

// Process classifies one chunk of 16-bit PCM. A nil event means the detector
// is still confirming speech or speech continues.
func (v *RMSVAD) Process(chunk []byte) *VADEvent {
	rms := orchestrator.CalculateRMS(chunk)
	v.lastRMS = rms
	now := v.now()

	if rms > v.threshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				return &VADEvent{Type: VADSpeechStart, Timestamp: now}
			}
			return nil
		}
		v.silenceStart = time.Time{}
		return nil
	}

	v.consecutiveFrames = 0

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}

		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now}
		}
	}

	return &VADEvent{Type: VADSilence, Timestamp: now}
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
}

// Clone returns a detector with the same tuning and fresh state.
func (v *RMSVAD) Clone() *RMSVAD {
	return &RMSVAD{
		threshold:    v.threshold,
		silenceLimit: v.silenceLimit,
		minConfirmed: v.minConfirmed,
		now:          v.now,
	}
}
