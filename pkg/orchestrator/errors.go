package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTranscript is returned when a flush finds nothing to send
	ErrEmptyTranscript = errors.New("pending transcript is empty")

	// ErrRecognition is the root of every recognizer failure
	ErrRecognition = errors.New("speech recognition failed")

	// ErrGeneration is returned when the response generator fails
	ErrGeneration = errors.New("response generation failed")

	// ErrSynthesis is returned when the synthesizer fails for a segment
	ErrSynthesis = errors.New("text-to-speech synthesis failed")

	// ErrPlayback is returned when the playback queue gives up after repeated failures
	ErrPlayback = errors.New("audio playback failed")

	// ErrCalibration aborts a calibration cycle
	ErrCalibration = errors.New("noise calibration failed")

	// ErrMicrophoneUnavailable is reported when no capture samples can be acquired
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")

	// ErrNotRunning is returned when a command is sent to a closed machine
	ErrNotRunning = errors.New("machine is not running")

	// ErrAlreadyRunning is returned by a second call to Run
	ErrAlreadyRunning = errors.New("machine already running")

	// ErrInvalidConfig wraps configuration validation failures
	ErrInvalidConfig = errors.New("invalid configuration")
)

// RecognitionErrorKind mirrors the recognizer error kinds of the browser and
// streaming engines.
type RecognitionErrorKind string

const (
	RecognitionNoSpeech     RecognitionErrorKind = "no-speech"
	RecognitionAborted      RecognitionErrorKind = "aborted"
	RecognitionAudioCapture RecognitionErrorKind = "audio-capture"
	RecognitionNotAllowed   RecognitionErrorKind = "not-allowed"
	RecognitionNetwork      RecognitionErrorKind = "network"
	RecognitionUnknown      RecognitionErrorKind = "unknown"
)

type RecognitionError struct {
	Kind RecognitionErrorKind
	Err  error
}

func NewRecognitionError(kind RecognitionErrorKind, err error) *RecognitionError {
	return &RecognitionError{Kind: kind, Err: err}
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("recognition %s", e.Kind)
}

func (e *RecognitionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRecognition, e.Err}
	}
	return []error{ErrRecognition}
}

// Fatal errors end the session; the recognizer is not restarted.
func (e *RecognitionError) Fatal() bool {
	return e.Kind == RecognitionAudioCapture || e.Kind == RecognitionNotAllowed
}

// Silent errors are restarted without telling the user.
func (e *RecognitionError) Silent() bool {
	return e.Kind == RecognitionNoSpeech || e.Kind == RecognitionAborted
}

// Transient errors are surfaced as warnings and retried with backoff.
func (e *RecognitionError) Transient() bool {
	return e.Kind == RecognitionNetwork || e.Kind == RecognitionUnknown
}

// AsRecognitionError classifies any recognizer error, defaulting to unknown.
func AsRecognitionError(err error) *RecognitionError {
	var re *RecognitionError
	if errors.As(err, &re) {
		return re
	}
	return NewRecognitionError(RecognitionUnknown, err)
}

type GenerationError struct {
	Utterance string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrGeneration, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }

type SynthesisError struct {
	Sequence int
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%v (segment %d): %v", ErrSynthesis, e.Sequence, e.Err)
}

func (e *SynthesisError) Unwrap() []error { return []error{ErrSynthesis, e.Err} }

type CalibrationError struct {
	Reason string
	Err    error
}

func (e *CalibrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrCalibration, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrCalibration, e.Reason)
}

func (e *CalibrationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCalibration, e.Err}
	}
	return []error{ErrCalibration}
}

// Severity tells the presentation layer how to surface an error.
type Severity string

const (
	SeverityWarning     Severity = "warning"
	SeverityRecoverable Severity = "recoverable"
	SeverityFatal       Severity = "fatal"
)

// SurfacedError is the payload of an ErrorEvent.
type SurfacedError struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Err      error    `json:"-"`
}
