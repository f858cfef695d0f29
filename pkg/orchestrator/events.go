package orchestrator

import "time"

// Event is one input to the Machine's dispatch loop. Every asynchronous
// source (recognizer, timers, audio callback, playback, collaborators and the
// host) re-enters the engine as an Event.
type Event interface {
	isEvent()
}

// FragmentReceived carries a recognizer result. Gen identifies the recognizer
// run so results from a stopped run are ignored.
type FragmentReceived struct {
	Fragment Fragment
	Gen      int
}

type RecognizerFailed struct {
	Err error
	Gen int
}

// RecognizerClosed is posted when a recognizer channel closes without Stop.
type RecognizerClosed struct {
	Gen int
}

type TimerKind int

const (
	TimerPause TimerKind = iota
	TimerThinking
	TimerCalibration
	TimerCalibrationDeadline
	TimerRecognizerRestart
)

func (k TimerKind) String() string {
	switch k {
	case TimerPause:
		return "pause"
	case TimerThinking:
		return "thinking"
	case TimerCalibration:
		return "calibration"
	case TimerCalibrationDeadline:
		return "calibration_deadline"
	case TimerRecognizerRestart:
		return "recognizer_restart"
	default:
		return "unknown"
	}
}

// TimerFired is posted by an armed timer. Gen must match the generation the
// timer was armed with, otherwise the fire is stale and dropped.
type TimerFired struct {
	Kind TimerKind
	Gen  uint64
}

// AudioLevel is one energy sample handed off from the audio callback. PCM is
// optional and only used for echo detection.
type AudioLevel struct {
	Level float64
	PCM   []byte
}

// MicrophoneFailed is reported by the host when capture cannot be acquired.
type MicrophoneFailed struct {
	Err error
}

type PlaybackStarted struct {
	Epoch    int
	Sequence int
}

type PlaybackEnded struct {
	Epoch    int
	Sequence int
}

type PlaybackFailed struct {
	Epoch    int
	Sequence int
	Err      error
}

// GenerationDone completes a response generation round-trip for TurnID.
type GenerationDone struct {
	TurnID    string
	Utterance string
	Text      string
	Err       error
}

type SegmentSynthesized struct {
	TurnID  string
	Segment *Segment
}

type SynthesisFailed struct {
	TurnID   string
	Sequence int
	Err      error
}

// SynthesisFinished is posted after the last sentence of a turn was
// synthesized (successfully or not).
type SynthesisFinished struct {
	TurnID   string
	Produced int
}

// PromptReady carries a thinking-mode prompt produced by the Prompter.
type PromptReady struct {
	Kind PromptKind
	Text string
}

type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdCancel
	CmdToggleThinking
	CmdCalibrate
	CmdSendNow
	CmdInterrupt
)

func (c CommandKind) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdCancel:
		return "cancel"
	case CmdToggleThinking:
		return "toggle_thinking"
	case CmdCalibrate:
		return "calibrate"
	case CmdSendNow:
		return "send_now"
	case CmdInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

type Command struct {
	Kind CommandKind
}

func (FragmentReceived) isEvent()   {}
func (RecognizerFailed) isEvent()   {}
func (RecognizerClosed) isEvent()   {}
func (TimerFired) isEvent()         {}
func (AudioLevel) isEvent()         {}
func (MicrophoneFailed) isEvent()   {}
func (PlaybackStarted) isEvent()    {}
func (PlaybackEnded) isEvent()      {}
func (PlaybackFailed) isEvent()     {}
func (GenerationDone) isEvent()     {}
func (SegmentSynthesized) isEvent() {}
func (SynthesisFailed) isEvent()    {}
func (SynthesisFinished) isEvent()  {}
func (PromptReady) isEvent()        {}
func (Command) isEvent()            {}

// EventType tags the outbound events published on Machine.Events.
type EventType string

const (
	StateChanged        EventType = "STATE_CHANGED"
	SnapshotUpdated     EventType = "SNAPSHOT"
	TranscriptPartial   EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal     EventType = "TRANSCRIPT_FINAL"
	UtteranceFlushed    EventType = "UTTERANCE_FLUSHED"
	UtteranceSuppressed EventType = "UTTERANCE_SUPPRESSED"
	BotResponse         EventType = "BOT_RESPONSE"
	ThinkingPrompt      EventType = "THINKING_PROMPT"
	Interrupted         EventType = "INTERRUPTED"
	CalibrationDone     EventType = "CALIBRATION_DONE"
	ErrorEvent          EventType = "ERROR"
)

type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

// StateChange is the payload of StateChanged.
type StateChange struct {
	From TurnState `json:"from"`
	To   TurnState `json:"to"`
}

// PromptData is the payload of ThinkingPrompt.
type PromptData struct {
	Kind PromptKind `json:"kind"`
	Text string     `json:"text"`
}
