package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConversationContext is the per-conversation dependency bundle handed to
// every component the Machine owns.
type ConversationContext struct {
	SessionID string
	Config    Config
	Clock     Clock
	Logger    Logger
}

// sessionScope marks timers that survive state changes and are only
// cancelled when the machine goes Idle.
const sessionScope TurnState = -1

type armedTimer struct {
	timer Timer
	gen   uint64
	owner TurnState
}

var validTransitions = map[TurnState][]TurnState{
	StateIdle:        {StateListening},
	StateListening:   {StateThinking, StateProcessing, StateIdle},
	StateThinking:    {StateListening, StateProcessing, StateIdle},
	StateProcessing:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:    {StateListening, StateInterrupted, StateIdle},
	StateInterrupted: {StateListening, StateIdle},
}

func canTransition(from, to TurnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is the turn state machine. All state is owned by the goroutine
// running Run; every other goroutine talks to it through events.
type Machine struct {
	cc         ConversationContext
	logger     Logger
	recognizer Recognizer
	generator  ResponseGenerator
	prompter   Prompter
	synth      Synthesizer
	presenter  Presenter
	session    *ConversationSession

	inbox  chan Event
	events chan OrchestratorEvent
	done   chan struct{}

	stop          chan struct{}
	stopOnce      sync.Once
	started       atomic.Bool
	droppedAudio  atomic.Uint64
	droppedEvents atomic.Uint64

	acc      *TranscriptAccumulator
	sched    *PauseScheduler
	calib    *NoiseCalibrator
	detector *InterruptionDetector
	echo     *EchoGuard
	queue    *PlaybackQueue
	thinking *ThinkingController

	// loop-owned state
	ctx        context.Context
	state      TurnState
	listening  bool
	processing bool
	speaking   bool
	status     string

	timers   map[TimerKind]*armedTimer
	timerGen uint64

	recGen      int
	recCancel   context.CancelFunc
	recRunning  bool
	backoff     time.Duration
	quietCloses int

	turnID           string
	turnCtx          context.Context
	turnCancel       context.CancelFunc
	synthActive      bool
	synthDone        bool
	synthFailures    int
	produced         int
	held             string
	pendingInterrupt bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// MachineDeps are the external collaborators of one conversation.
type MachineDeps struct {
	Recognizer  Recognizer
	Generator   ResponseGenerator
	Synthesizer Synthesizer
	Player      Player
	Presenter   Presenter
	Session     *ConversationSession
}

func NewMachine(cc ConversationContext, deps MachineDeps) (*Machine, error) {
	if deps.Recognizer == nil || deps.Generator == nil || deps.Synthesizer == nil || deps.Player == nil {
		return nil, ErrNilProvider
	}
	if err := cc.Config.Validate(); err != nil {
		return nil, err
	}
	if cc.Clock == nil {
		cc.Clock = RealClock()
	}
	if cc.Logger == nil {
		cc.Logger = &NoOpLogger{}
	}
	if cc.SessionID == "" {
		cc.SessionID = uuid.NewString()
	}
	session := deps.Session
	if session == nil {
		session = NewConversationSession(cc.SessionID)
		session.MaxMessages = cc.Config.MaxContextMessages
	}

	m := &Machine{
		cc:         cc,
		logger:     cc.Logger,
		recognizer: deps.Recognizer,
		generator:  deps.Generator,
		synth:      deps.Synthesizer,
		presenter:  deps.Presenter,
		session:    session,
		inbox:      make(chan Event, cc.Config.AudioQueueSize+64),
		events:     make(chan OrchestratorEvent, 1024),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		ctx:        context.Background(),
		state:      StateIdle,
		timers:     make(map[TimerKind]*armedTimer),
		backoff:    ms(cc.Config.RecognizerBackoffMs.Min),
		status:     "Ready",
	}
	if p, ok := deps.Generator.(Prompter); ok {
		m.prompter = p
	}

	m.acc = NewTranscriptAccumulator(cc.Clock)
	m.sched = NewPauseScheduler(cc.Config, cc.Clock)
	m.calib = NewNoiseCalibrator(cc.Config, cc.Clock)
	m.detector = NewInterruptionDetector(cc.Config)
	m.echo = NewEchoGuard(cc.Clock, cc.Config.EchoGuard)
	m.queue = NewPlaybackQueue(deps.Player, m.post, cc.Config.MaxConsecutivePlaybackFailures, cc.Logger)
	m.thinking = NewThinkingController(cc.Config)
	m.snap = m.buildSnapshot()
	return m, nil
}

// Run processes events until ctx is cancelled or Close is called.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.queue.Bind(ctx)

	defer func() {
		m.shutdown()
		cancel()
		close(m.done)
		close(m.events)
	}()

	m.logger.Info("turn machine running", "sessionID", m.cc.SessionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		case ev := <-m.inbox:
			m.handle(ev)
		}
	}
}

// Close stops the loop. Events() is closed once the loop has exited.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed when Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) Events() <-chan OrchestratorEvent { return m.events }

func (m *Machine) Session() *ConversationSession { return m.session }

// Send queues a command for the loop.
func (m *Machine) Send(kind CommandKind) error {
	select {
	case <-m.done:
		return ErrNotRunning
	default:
	}
	select {
	case m.inbox <- Command{Kind: kind}:
		return nil
	case <-m.done:
		return ErrNotRunning
	}
}

func (m *Machine) Start() error          { return m.Send(CmdStart) }
func (m *Machine) Stop() error           { return m.Send(CmdStop) }
func (m *Machine) Cancel() error         { return m.Send(CmdCancel) }
func (m *Machine) ToggleThinking() error { return m.Send(CmdToggleThinking) }
func (m *Machine) Calibrate() error      { return m.Send(CmdCalibrate) }
func (m *Machine) SendNow() error        { return m.Send(CmdSendNow) }
func (m *Machine) Interrupt() error      { return m.Send(CmdInterrupt) }

// SubmitLevel hands one energy sample to the loop. It never blocks and is
// safe to call from the audio callback; it reports false when the sample was
// dropped.
func (m *Machine) SubmitLevel(level float64) bool {
	return m.offerAudio(AudioLevel{Level: level})
}

// WriteAudio takes raw 16-bit PCM from the capture callback. The chunk is
// forwarded to recognizers that consume audio and its RMS level is handed
// to the loop. It never blocks.
func (m *Machine) WriteAudio(pcm []byte) bool {
	if consumer, ok := m.recognizer.(AudioConsumer); ok {
		consumer.ConsumeAudio(pcm)
	}
	ev := AudioLevel{Level: CalculateRMS(pcm)}
	if m.cc.Config.EchoGuard {
		ev.PCM = append([]byte(nil), pcm...)
	}
	return m.offerAudio(ev)
}

func (m *Machine) offerAudio(ev AudioLevel) bool {
	select {
	case m.inbox <- ev:
		return true
	default:
		if n := m.droppedAudio.Add(1); n%100 == 1 {
			m.logger.Warn("audio sample dropped", "sessionID", m.cc.SessionID, "dropped", n)
		}
		return false
	}
}

// NotifyPlayed records audio the player just sent to the speakers, for echo
// detection.
func (m *Machine) NotifyPlayed(chunk []byte) {
	m.echo.RecordPlayed(chunk)
}

// ReportMicrophoneError tells the machine capture could not be acquired.
func (m *Machine) ReportMicrophoneError(err error) {
	m.post(MicrophoneFailed{Err: err})
}

func (m *Machine) DroppedAudio() uint64 { return m.droppedAudio.Load() }

// Snapshot returns the last published snapshot.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

func (m *Machine) State() TurnState { return m.Snapshot().State }

// post delivers an event from a collaborator goroutine or timer.
func (m *Machine) post(ev Event) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

func (m *Machine) handle(ev Event) {
	switch e := ev.(type) {
	case AudioLevel:
		m.onAudioLevel(e)
	case FragmentReceived:
		m.onFragment(e)
	case RecognizerFailed:
		if e.Gen == m.recGen {
			m.onRecognizerError(e.Err, false)
		}
	case RecognizerClosed:
		m.onRecognizerClosed(e)
	case TimerFired:
		m.onTimer(e)
	case MicrophoneFailed:
		m.abortCalibration("microphone unavailable", fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, e.Err))
	case PlaybackStarted:
		if m.queue.IsCurrent(e.Epoch, e.Sequence) {
			m.detector.PlaybackStarted(m.cc.Clock.Now())
			m.logger.Debug("segment playback started", "sessionID", m.cc.SessionID, "seq", e.Sequence)
		}
	case PlaybackEnded:
		if m.queue.HandleEnded(e) {
			m.maybeFinishSpeaking()
		}
	case PlaybackFailed:
		m.onPlaybackFailed(e)
	case GenerationDone:
		m.onGenerationDone(e)
	case SegmentSynthesized:
		m.onSegment(e)
	case SynthesisFailed:
		if e.TurnID == m.turnID {
			m.synthFailures++
			m.logger.Warn("segment synthesis failed", "sessionID", m.cc.SessionID, "seq", e.Sequence, "error", e.Err)
		}
	case SynthesisFinished:
		m.onSynthesisFinished(e)
	case PromptReady:
		m.status = e.Text
		m.emit(ThinkingPrompt, PromptData{Kind: e.Kind, Text: e.Text})
		m.publish()
	case Command:
		m.onCommand(e.Kind)
	default:
		m.logger.Warn("unknown event", "sessionID", m.cc.SessionID, "type", fmt.Sprintf("%T", ev))
	}
}

// transition is the only place that writes state and the
// listening/processing/speaking flags.
func (m *Machine) transition(to TurnState) bool {
	from := m.state
	if from == to || !canTransition(from, to) {
		m.logger.Warn("invalid transition ignored", "sessionID", m.cc.SessionID, "from", from.String(), "to", to.String())
		return false
	}

	for kind, at := range m.timers {
		if at.owner == from {
			at.timer.Stop()
			delete(m.timers, kind)
		}
	}

	m.state = to
	m.listening = to == StateListening || to == StateThinking || to == StateInterrupted
	m.processing = to == StateProcessing
	m.speaking = to == StateSpeaking || to == StateInterrupted
	m.detector.SetActive(to == StateSpeaking)

	switch to {
	case StateIdle:
		m.status = "Stopped"
	case StateListening:
		m.status = "Listening..."
	case StateThinking:
		m.status = "Take your time"
	case StateProcessing:
		m.status = "Thinking of a reply..."
	case StateSpeaking:
		m.status = "Speaking"
		if m.calib.Collecting() {
			m.abortCalibration("assistant started speaking", nil)
			m.calib.Defer()
		}
	case StateInterrupted:
		m.status = "Interrupted"
	}

	m.logger.Info("state transition", "sessionID", m.cc.SessionID, "from", from.String(), "to", to.String())
	m.emit(StateChanged, StateChange{From: from, To: to})
	m.publish()
	return true
}

func (m *Machine) onCommand(kind CommandKind) {
	m.logger.Debug("command", "sessionID", m.cc.SessionID, "command", kind.String(), "state", m.state.String())
	switch kind {
	case CmdStart:
		if m.state != StateIdle {
			return
		}
		m.transition(StateListening)
		m.startRecognizer()
		if m.cc.Config.CalibrateOnStart {
			m.startCalibration()
		} else {
			m.arm(TimerCalibration, m.calib.Interval(), sessionScope)
		}
	case CmdStop, CmdCancel:
		m.goIdle(kind.String())
	case CmdToggleThinking:
		switch m.state {
		case StateListening:
			m.enterThinking()
		case StateThinking:
			m.applyThinking(m.thinking.Exit(), "")
		}
	case CmdCalibrate:
		if m.state == StateSpeaking || m.state == StateInterrupted {
			m.calib.Defer()
			return
		}
		m.startCalibration()
	case CmdSendNow:
		switch m.state {
		case StateListening:
			m.flush("send_now")
		case StateThinking:
			m.applyThinking(m.thinking.Exit(), "")
		}
	case CmdInterrupt:
		switch m.state {
		case StateSpeaking:
			m.interrupt("user request")
		case StateProcessing:
			m.pendingInterrupt = true
		}
	}
}

func (m *Machine) goIdle(reason string) {
	if m.state == StateIdle {
		return
	}
	m.cancelTurn()
	m.queue.CancelAll()
	m.stopRecognizer()
	m.thinking.Exit()
	m.acc.Clear()
	m.sched.Reset()
	m.held = ""
	m.pendingInterrupt = false
	m.abortCalibration("session stopped", nil)
	m.calib.TakeDeferred()
	for kind, at := range m.timers {
		at.timer.Stop()
		delete(m.timers, kind)
	}
	m.echo.Clear()
	m.logger.Info("session idle", "sessionID", m.cc.SessionID, "reason", reason)
	m.transition(StateIdle)
}

func (m *Machine) shutdown() {
	m.cancelTurn()
	m.queue.CancelAll()
	m.stopRecognizer()
	for kind, at := range m.timers {
		at.timer.Stop()
		delete(m.timers, kind)
	}
}

// arm (re)schedules the timer of kind. Fires re-enter the loop as
// TimerFired and are dropped unless the generation still matches.
func (m *Machine) arm(kind TimerKind, d time.Duration, owner TurnState) {
	m.disarm(kind)
	m.timerGen++
	gen := m.timerGen
	t := m.cc.Clock.AfterFunc(d, func() {
		m.post(TimerFired{Kind: kind, Gen: gen})
	})
	m.timers[kind] = &armedTimer{timer: t, gen: gen, owner: owner}
}

func (m *Machine) disarm(kind TimerKind) {
	if at, ok := m.timers[kind]; ok {
		at.timer.Stop()
		delete(m.timers, kind)
	}
}

func (m *Machine) onTimer(ev TimerFired) {
	at, ok := m.timers[ev.Kind]
	if !ok || at.gen != ev.Gen || (at.owner != sessionScope && at.owner != m.state) {
		m.logger.Debug("stale timer dropped", "sessionID", m.cc.SessionID, "timer", ev.Kind.String())
		return
	}
	delete(m.timers, ev.Kind)

	switch ev.Kind {
	case TimerPause:
		m.onPauseTimer()
	case TimerThinking:
		m.applyThinking(m.thinking.OnTimer(), "")
	case TimerCalibration:
		if m.state == StateSpeaking || m.state == StateInterrupted {
			m.calib.Defer()
			return
		}
		m.startCalibration()
	case TimerCalibrationDeadline:
		m.abortCalibration("timed out waiting for samples", ErrMicrophoneUnavailable)
	case TimerRecognizerRestart:
		if m.state != StateIdle {
			m.startRecognizer()
		}
	}
}

func (m *Machine) onFragment(ev FragmentReceived) {
	if ev.Gen != m.recGen || m.state == StateIdle {
		return
	}
	m.backoff = ms(m.cc.Config.RecognizerBackoffMs.Min)
	m.quietCloses = 0

	f := ev.Fragment
	if !f.IsFinal {
		if m.state == StateSpeaking {
			return
		}
		m.acc.Append(f)
		// still talking: push the pending flush back
		if _, armed := m.timers[TimerPause]; armed && m.state == StateListening && m.acc.Text() != "" {
			m.arm(TimerPause, m.sched.Timeout(m.acc.Text()), StateListening)
		}
		m.emit(TranscriptPartial, f.Text)
		m.publish()
		return
	}
	if strings.TrimSpace(f.Text) == "" {
		return
	}

	switch m.state {
	case StateListening:
		m.emit(TranscriptFinal, f.Text)
		if phrase, ok := m.thinking.DetectPhrase(f.Text); ok {
			m.acc.Append(f)
			m.acc.StripPhrase(phrase)
			m.logger.Info("thinking phrase detected", "sessionID", m.cc.SessionID, "phrase", strings.Join(phrase, " "))
			m.enterThinking()
			return
		}
		if m.acc.Append(f) {
			m.armPause()
		}
		m.publish()
	case StateThinking:
		m.emit(TranscriptFinal, f.Text)
		m.applyThinking(m.thinking.OnSpeech(f.Text), f.Text)
	case StateProcessing:
		m.emit(TranscriptFinal, f.Text)
		m.acc.Append(f)
		m.publish()
	case StateSpeaking:
		// may be our own voice; only kept if the user interrupts
		m.held = joinText(m.held, f.Text)
	}
}

func (m *Machine) armPause() {
	text := m.acc.Text()
	if text == "" {
		m.disarm(TimerPause)
		return
	}
	m.arm(TimerPause, m.sched.Timeout(text), StateListening)
}

func (m *Machine) onPauseTimer() {
	text := m.acc.Text()
	if text == "" {
		return
	}
	action, d := m.sched.OnFire(text)
	if action == PauseExtend {
		m.logger.Debug("pause extended", "sessionID", m.cc.SessionID, "words", WordCount(text))
		m.arm(TimerPause, d, StateListening)
		return
	}
	m.flush("pause")
}

// flush hands the pending utterance to generation. Empty text is a no-op.
func (m *Machine) flush(reason string) bool {
	if strings.TrimSpace(m.acc.Text()) == "" {
		return false
	}
	text := m.acc.FlushIfReady()
	m.sched.Reset()
	m.disarm(TimerPause)

	if m.sched.IsDuplicate(text) {
		m.logger.Info("duplicate utterance suppressed", "sessionID", m.cc.SessionID, "text", text)
		m.emit(UtteranceSuppressed, text)
		m.publish()
		return false
	}
	m.sched.RecordSent(text)

	m.logger.Info("utterance flushed", "sessionID", m.cc.SessionID, "reason", reason, "words", WordCount(text))
	m.emit(UtteranceFlushed, text)
	m.transition(StateProcessing)
	m.startGeneration(text)
	return true
}

func (m *Machine) enterThinking() {
	if !m.transition(StateThinking) {
		return
	}
	m.applyThinking(m.thinking.Enter(), "")
}

func (m *Machine) applyThinking(d ThinkingDecision, text string) {
	if d.Append && text != "" {
		m.acc.Append(Fragment{Text: text, IsFinal: true, Timestamp: m.cc.Clock.Now()})
	}
	if len(d.Strip) > 0 {
		m.acc.StripPhrase(d.Strip)
	}
	if d.Prompt != PromptNone {
		m.prompt(d.Prompt)
	}
	if d.Exit {
		m.disarm(TimerThinking)
		if !m.flush("thinking_exit") && m.state == StateThinking {
			m.transition(StateListening)
		}
		return
	}
	if d.Arm > 0 {
		m.arm(TimerThinking, d.Arm, StateThinking)
	}
	m.publish()
}

// prompt emits a thinking-mode nudge, asking the Prompter when available.
func (m *Machine) prompt(kind PromptKind) {
	if m.prompter == nil {
		text := m.thinking.fallbackPrompt(kind)
		m.status = text
		m.emit(ThinkingPrompt, PromptData{Kind: kind, Text: text})
		return
	}

	fallback := m.thinking.fallbackPrompt(kind)
	profile := m.session.GetProfile()
	ctx, cancel := context.WithTimeout(m.ctx, ms(m.cc.Config.GenerationTimeoutMs))
	go func() {
		defer cancel()
		text, err := m.prompter.Prompt(ctx, kind, profile)
		if err != nil || strings.TrimSpace(text) == "" {
			if err != nil {
				m.logger.Warn("prompter failed, using built-in prompt", "sessionID", m.cc.SessionID, "error", err)
			}
			text = fallback
		}
		m.post(PromptReady{Kind: kind, Text: text})
	}()
}

func (m *Machine) startGeneration(utterance string) {
	m.cancelTurn()
	turnCtx, turnCancel := context.WithCancel(m.ctx)
	m.turnID = uuid.NewString()
	m.turnCtx = turnCtx
	m.turnCancel = turnCancel
	m.synthDone = false
	m.synthFailures = 0
	m.produced = 0

	turnID := m.turnID
	history := m.session.GetContextCopy()
	timeout := ms(m.cc.Config.GenerationTimeoutMs)
	go func() {
		ctx, cancel := context.WithTimeout(turnCtx, timeout)
		defer cancel()
		text, err := m.generator.Generate(ctx, utterance, history)
		if turnCtx.Err() != nil {
			return
		}
		m.post(GenerationDone{TurnID: turnID, Utterance: utterance, Text: text, Err: err})
	}()
}

func (m *Machine) cancelTurn() {
	if m.turnCancel != nil {
		m.turnCancel()
		m.turnCancel = nil
	}
	if m.synthActive {
		if err := m.synth.Abort(); err != nil {
			m.logger.Warn("synthesizer abort failed", "sessionID", m.cc.SessionID, "error", err)
		}
		m.synthActive = false
	}
	m.turnID = ""
	m.turnCtx = nil
}

func (m *Machine) onGenerationDone(ev GenerationDone) {
	if ev.TurnID != m.turnID || m.state != StateProcessing {
		m.logger.Debug("stale generation result dropped", "sessionID", m.cc.SessionID)
		return
	}

	if ev.Err != nil {
		gerr := &GenerationError{Utterance: ev.Utterance, Err: ev.Err}
		m.logger.Error("response generation failed", "sessionID", m.cc.SessionID, "error", ev.Err)
		m.cancelTurn()
		m.pendingInterrupt = false
		m.acc.Restore(ev.Utterance)
		m.sched.ForgetSent()
		m.transition(StateListening)
		m.surface(SeverityRecoverable, "I couldn't get a reply. Your message is kept; try again.", gerr)
		return
	}

	response := strings.TrimSpace(ev.Text)
	m.session.AddMessage("user", ev.Utterance)
	if response == "" {
		m.logger.Warn("empty response from generator", "sessionID", m.cc.SessionID)
		m.cancelTurn()
		m.pendingInterrupt = false
		m.enterListening()
		return
	}
	m.session.AddMessage("assistant", response)
	m.emit(BotResponse, response)
	m.startSynthesis(response)
}

func (m *Machine) startSynthesis(response string) {
	sentences := SplitSentences(response)
	turnID := m.turnID
	profile := m.session.GetProfile()
	timeout := ms(m.cc.Config.SynthesisTimeoutMs)
	turnCtx := m.turnCtx
	m.synthActive = true

	go func() {
		produced := 0
		for i, sentence := range sentences {
			ctx, cancel := context.WithTimeout(turnCtx, timeout)
			audio, err := m.synth.Synthesize(ctx, sentence, profile)
			cancel()
			if turnCtx.Err() != nil {
				return
			}
			if err != nil {
				m.post(SynthesisFailed{TurnID: turnID, Sequence: i, Err: err})
				continue
			}
			produced++
			m.post(SegmentSynthesized{TurnID: turnID, Segment: &Segment{
				Audio:    audio,
				Text:     sentence,
				Sequence: i,
				TurnID:   turnID,
			}})
		}
		m.post(SynthesisFinished{TurnID: turnID, Produced: produced})
	}()
}

func (m *Machine) onSegment(ev SegmentSynthesized) {
	if ev.TurnID != m.turnID {
		return
	}
	switch m.state {
	case StateProcessing:
		m.transition(StateSpeaking)
		m.produced++
		m.queue.Enqueue(ev.Segment)
		if m.pendingInterrupt {
			m.pendingInterrupt = false
			m.interrupt("queued user request")
		}
	case StateSpeaking:
		m.produced++
		m.queue.Enqueue(ev.Segment)
	}
}

func (m *Machine) onSynthesisFinished(ev SynthesisFinished) {
	if ev.TurnID != m.turnID {
		return
	}
	m.synthDone = true
	m.synthActive = false

	if m.state == StateProcessing && m.produced == 0 {
		serr := &SynthesisError{Sequence: 0, Err: fmt.Errorf("all %d sentences failed", m.synthFailures)}
		m.logger.Error("no audio could be synthesized", "sessionID", m.cc.SessionID, "failures", m.synthFailures)
		m.cancelTurn()
		m.pendingInterrupt = false
		m.enterListening()
		m.surface(SeverityRecoverable, "I couldn't speak my reply.", serr)
		return
	}
	m.maybeFinishSpeaking()
}

func (m *Machine) onPlaybackFailed(ev PlaybackFailed) {
	handled, err := m.queue.HandleFailed(ev)
	if !handled {
		return
	}
	if err != nil {
		m.logger.Error("playback failed repeatedly", "sessionID", m.cc.SessionID, "error", err)
		m.cancelTurn()
		m.surface(SeverityRecoverable, "Audio playback failed.", err)
		if m.state == StateSpeaking {
			m.finishSpeaking()
		}
		return
	}
	m.maybeFinishSpeaking()
}

// maybeFinishSpeaking ends the AI turn once nothing is left to play.
func (m *Machine) maybeFinishSpeaking() {
	if m.state != StateSpeaking || !m.synthDone || !m.queue.Idle() {
		return
	}
	m.finishSpeaking()
}

func (m *Machine) finishSpeaking() {
	if m.held != "" {
		m.logger.Debug("discarding speech heard during playback", "sessionID", m.cc.SessionID, "text", m.held)
		m.held = ""
	}
	m.cancelTurn()
	m.echo.Clear()
	if !m.cc.Config.Continuous {
		m.goIdle("response complete")
		return
	}
	m.enterListening()
}

// enterListening returns to Listening and resumes whatever the session was
// waiting on: pending text gets a pause timer, a deferred calibration runs.
func (m *Machine) enterListening() {
	if !m.transition(StateListening) {
		return
	}
	if m.acc.Text() != "" {
		m.armPause()
	}
	if m.calib.TakeDeferred() {
		m.startCalibration()
	}
}

// interrupt handles a barge-in while Speaking.
func (m *Machine) interrupt(reason string) {
	if m.state != StateSpeaking {
		return
	}
	dropped := m.queue.CancelAll()
	m.cancelTurn()
	m.echo.Clear()
	m.session.MarkLastAssistantInterrupted()

	m.transition(StateInterrupted)
	m.logger.Info("assistant interrupted", "sessionID", m.cc.SessionID, "reason", reason, "dropped", dropped)
	m.emit(Interrupted, reason)

	if m.held != "" {
		m.acc.Append(Fragment{Text: m.held, IsFinal: true, Timestamp: m.cc.Clock.Now()})
		m.held = ""
	}
	m.enterListening()
}

func (m *Machine) onAudioLevel(ev AudioLevel) {
	if m.calib.Collecting() {
		if res, done := m.calib.Add(ev.Level); done {
			m.disarm(TimerCalibrationDeadline)
			m.logger.Info("noise calibration complete", "sessionID", m.cc.SessionID,
				"threshold", res.Threshold, "baseNoise", res.BaseNoise, "unstable", res.Unstable)
			m.emit(CalibrationDone, res)
			m.arm(TimerCalibration, m.calib.Interval(), sessionScope)
			if m.state != StateIdle && m.state != StateSpeaking {
				m.status = "Listening..."
			}
			m.publish()
		} else if !m.calib.Collecting() {
			// the cycle ended without usable samples
			m.disarm(TimerCalibrationDeadline)
			m.logger.Warn("calibration produced no usable samples", "sessionID", m.cc.SessionID)
			m.arm(TimerCalibration, m.calib.Interval(), sessionScope)
		}
	}

	if m.state != StateSpeaking {
		return
	}
	echo := len(ev.PCM) > 0 && m.echo.IsEcho(ev.PCM)
	if m.detector.Observe(ev.Level, m.calib.BaseNoise(), m.calib.Threshold(), echo, m.cc.Clock.Now()) {
		m.interrupt("speech detected")
	}
}

func (m *Machine) startCalibration() {
	if !m.calib.Begin() {
		return
	}
	m.logger.Info("noise calibration started", "sessionID", m.cc.SessionID, "samples", m.cc.Config.CalibrationSampleCount)
	m.disarm(TimerCalibration)
	m.arm(TimerCalibrationDeadline, ms(m.cc.Config.CalibrationTimeoutMs), sessionScope)
	m.status = "Calibrating microphone..."
	m.publish()
}

// abortCalibration keeps the previous threshold and schedules the next
// periodic cycle. Calibration errors are logged, never surfaced.
func (m *Machine) abortCalibration(reason string, err error) {
	cerr := m.calib.Abort(reason, err)
	if cerr == nil {
		return
	}
	m.disarm(TimerCalibrationDeadline)
	m.logger.Warn("noise calibration aborted", "sessionID", m.cc.SessionID, "error", cerr, "threshold", m.calib.Threshold())
	if m.state != StateIdle {
		m.arm(TimerCalibration, m.calib.Interval(), sessionScope)
	}
}

func (m *Machine) startRecognizer() {
	m.stopRecognizer()
	m.recGen++
	gen := m.recGen

	ctx, cancel := context.WithCancel(m.ctx)
	lang := m.session.GetProfile().Language
	if lang == "" {
		lang = m.cc.Config.Language
	}
	ch, err := m.recognizer.Start(ctx, lang)
	if err != nil {
		cancel()
		m.onRecognizerError(err, true)
		return
	}
	m.recCancel = cancel
	m.recRunning = true
	m.logger.Info("recognizer started", "sessionID", m.cc.SessionID, "recognizer", m.recognizer.Name())

	go func() {
		for ev := range ch {
			if ev.Err != nil {
				m.post(RecognizerFailed{Err: ev.Err, Gen: gen})
				continue
			}
			m.post(FragmentReceived{Fragment: ev.Fragment, Gen: gen})
		}
		m.post(RecognizerClosed{Gen: gen})
	}()
}

func (m *Machine) stopRecognizer() {
	if !m.recRunning {
		return
	}
	m.recRunning = false
	m.recGen++
	if m.recCancel != nil {
		m.recCancel()
		m.recCancel = nil
	}
	if err := m.recognizer.Stop(); err != nil {
		m.logger.Warn("recognizer stop failed", "sessionID", m.cc.SessionID, "error", err)
	}
}

func (m *Machine) onRecognizerError(err error, fromStart bool) {
	rerr := AsRecognitionError(err)
	switch {
	case rerr.Fatal():
		m.logger.Error("recognizer failed fatally", "sessionID", m.cc.SessionID, "kind", string(rerr.Kind), "error", rerr)
		m.surface(SeverityFatal, "Microphone access is unavailable.", rerr)
		m.goIdle("recognizer " + string(rerr.Kind))
	case rerr.Silent() && !fromStart:
		m.logger.Debug("recognizer restarting", "sessionID", m.cc.SessionID, "kind", string(rerr.Kind))
		m.startRecognizer()
	default:
		m.stopRecognizer()
		delay := m.backoff
		next := m.backoff * 2
		if ceiling := ms(m.cc.Config.RecognizerBackoffMs.Max); next > ceiling {
			next = ceiling
		}
		m.backoff = next
		m.logger.Warn("recognizer error, retrying", "sessionID", m.cc.SessionID, "kind", string(rerr.Kind), "retryIn", delay.String())
		if rerr.Transient() {
			m.surface(SeverityWarning, "Speech recognition hiccup, reconnecting...", rerr)
		}
		m.arm(TimerRecognizerRestart, delay, sessionScope)
	}
}

func (m *Machine) onRecognizerClosed(ev RecognizerClosed) {
	if ev.Gen != m.recGen || m.state == StateIdle {
		return
	}
	m.recRunning = false
	m.quietCloses++
	if m.quietCloses == 1 {
		m.logger.Debug("recognizer closed, restarting", "sessionID", m.cc.SessionID)
		m.startRecognizer()
		return
	}
	// repeated closes without speech back off like a network error
	m.onRecognizerError(NewRecognitionError(RecognitionAborted, errors.New("recognizer closed repeatedly")), true)
}

func (m *Machine) surface(sev Severity, message string, err error) {
	m.status = message
	m.emit(ErrorEvent, SurfacedError{Severity: sev, Message: message, Err: err})
	m.publish()
}

func (m *Machine) buildSnapshot() Snapshot {
	return Snapshot{
		SessionID:        m.cc.SessionID,
		State:            m.state,
		StateName:        m.state.String(),
		PendingText:      m.acc.Text(),
		InterimText:      m.acc.Interim(),
		StatusMessage:    m.status,
		Listening:        m.listening,
		Processing:       m.processing,
		Speaking:         m.speaking,
		Threshold:        m.calib.Threshold(),
		BaseNoise:        m.calib.BaseNoise(),
		FrustrationLevel: m.thinking.Frustration(),
		At:               m.cc.Clock.Now(),
	}
}

func (m *Machine) publish() {
	snap := m.buildSnapshot()
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
	if m.presenter != nil {
		m.presenter.Present(snap)
	}
	m.emit(SnapshotUpdated, snap)
}

// emit never blocks the loop; events are dropped when the consumer lags.
func (m *Machine) emit(eventType EventType, data interface{}) {
	ev := OrchestratorEvent{
		Type:      eventType,
		SessionID: m.cc.SessionID,
		Data:      data,
		At:        m.cc.Clock.Now(),
	}
	select {
	case m.events <- ev:
	default:
		n := m.droppedEvents.Add(1)
		m.logger.Warn("event dropped, consumer too slow", "sessionID", m.cc.SessionID, "type", string(eventType), "dropped", n)
	}
}
