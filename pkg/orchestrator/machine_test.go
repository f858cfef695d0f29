package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CalibrateOnStart = false
	cfg.EchoGuard = false
	return cfg
}

type testRig struct {
	m     *Machine
	clock *FakeClock
	rec   *MockRecognizer
	gen   *MockGenerator
	synth *MockSynthesizer
	play  *MockPlayer
}

func newRig(t *testing.T, cfg Config, gen *MockGenerator, play *MockPlayer) *testRig {
	t.Helper()
	if gen == nil {
		gen = &MockGenerator{response: "Sure."}
	}
	if play == nil {
		play = &MockPlayer{}
	}
	r := &testRig{
		clock: NewFakeClock(time.Unix(1000, 0)),
		rec:   &MockRecognizer{},
		gen:   gen,
		synth: &MockSynthesizer{},
		play:  play,
	}
	m, err := NewMachine(ConversationContext{
		SessionID: "test",
		Config:    cfg,
		Clock:     r.clock,
	}, MachineDeps{
		Recognizer:  r.rec,
		Generator:   r.gen,
		Synthesizer: r.synth,
		Player:      r.play,
	})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	m.thinking.SetRand(func(n int) int { return 0 })
	r.m = m
	return r
}

// drain handles every event already queued, without waiting.
func (r *testRig) drain() {
	for {
		select {
		case ev := <-r.m.inbox:
			r.m.handle(ev)
		default:
			return
		}
	}
}

// advance moves the fake clock and handles the timer fires it caused.
func (r *testRig) advance(d time.Duration) {
	r.clock.Advance(d)
	r.drain()
}

// pumpUntil handles events posted by collaborator goroutines until cond holds.
func (r *testRig) pumpUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case ev := <-r.m.inbox:
			r.m.handle(ev)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s (state %s)", what, r.m.state)
		}
	}
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	r.m.handle(Command{Kind: CmdStart})
	if r.m.state != StateListening {
		t.Fatalf("Expected LISTENING after start, got %s", r.m.state)
	}
}

func (r *testRig) say(text string) {
	r.m.handle(FragmentReceived{
		Fragment: Fragment{Text: text, IsFinal: true, Timestamp: r.clock.Now()},
		Gen:      r.m.recGen,
	})
}

func (r *testRig) events() []OrchestratorEvent {
	var out []OrchestratorEvent
	for {
		select {
		case ev := <-r.m.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func findEvent(evs []OrchestratorEvent, typ EventType) (OrchestratorEvent, bool) {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev, true
		}
	}
	return OrchestratorEvent{}, false
}

func TestMachineFlushAfterPause(t *testing.T) {
	gen := &MockGenerator{response: "Sure, for how many?", release: make(chan struct{})}
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("I want to book a table.")
	r.advance(2999 * time.Millisecond)
	if r.m.state != StateListening {
		t.Fatalf("flushed before the pause elapsed: %s", r.m.state)
	}

	r.advance(time.Millisecond)
	if r.m.state != StateProcessing {
		t.Fatalf("Expected PROCESSING after 3s of silence, got %s", r.m.state)
	}
	if r.m.acc.Text() != "" {
		t.Errorf("pending text should be cleared on flush, got %q", r.m.acc.Text())
	}

	close(gen.release)
	r.pumpUntil(t, "reply to finish", func() bool { return r.m.state == StateListening })

	if input := gen.LastInput(); input != "I want to book a table." {
		t.Errorf("unexpected utterance sent: %q", input)
	}
	ctx := r.m.Session().GetContextCopy()
	if len(ctx) != 2 || ctx[0].Role != "user" || ctx[1].Content != "Sure, for how many?" {
		t.Errorf("unexpected history: %+v", ctx)
	}
	if played := r.play.Played(); len(played) != 1 || played[0] != "Sure, for how many?" {
		t.Errorf("unexpected playback: %v", played)
	}

	evs := r.events()
	for _, typ := range []EventType{UtteranceFlushed, BotResponse, StateChanged} {
		if _, ok := findEvent(evs, typ); !ok {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestMachineIncompleteUtteranceExtended(t *testing.T) {
	gen := &MockGenerator{response: "ok", release: make(chan struct{})}
	defer close(gen.release)
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("I was")
	r.advance(6 * time.Second)
	if r.m.state != StateListening {
		t.Fatalf("short incomplete utterance should be extended, got %s", r.m.state)
	}
	r.advance(4999 * time.Millisecond)
	if r.m.state != StateListening {
		t.Fatalf("flushed before the extension elapsed: %s", r.m.state)
	}
	r.advance(time.Millisecond)
	if r.m.state != StateProcessing {
		t.Fatalf("Expected PROCESSING after the extension, got %s", r.m.state)
	}
}

func TestMachineNewFragmentRestartsPause(t *testing.T) {
	gen := &MockGenerator{response: "ok", release: make(chan struct{})}
	defer close(gen.release)
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("I would like")
	r.advance(5 * time.Second)
	r.say("a table for two.")
	r.advance(2 * time.Second)
	if r.m.state != StateListening {
		t.Fatalf("pause should restart on new speech, got %s", r.m.state)
	}
	r.advance(time.Second)
	if r.m.state != StateProcessing {
		t.Fatalf("Expected PROCESSING, got %s", r.m.state)
	}
	if r.m.acc.Text() != "" {
		t.Error("merged utterance should have been flushed")
	}
}

func TestMachineInterimDelaysPause(t *testing.T) {
	gen := &MockGenerator{response: "ok", release: make(chan struct{})}
	defer close(gen.release)
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("Hello there.")
	r.advance(2900 * time.Millisecond)
	r.m.handle(FragmentReceived{
		Fragment: Fragment{Text: "and I also want", Timestamp: r.clock.Now()},
		Gen:      r.m.recGen,
	})
	r.advance(200 * time.Millisecond)
	if r.m.state != StateListening {
		t.Fatalf("flushed while interim speech was arriving, got %s", r.m.state)
	}
	if r.m.acc.Text() != "Hello there." {
		t.Errorf("pending text should be kept, got %q", r.m.acc.Text())
	}

	r.advance(2800 * time.Millisecond)
	if r.m.state != StateProcessing {
		t.Fatalf("Expected PROCESSING once the interim speech went quiet, got %s", r.m.state)
	}
}

func TestMachineSendNowEmpty(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	r.m.handle(Command{Kind: CmdSendNow})
	if r.m.state != StateListening {
		t.Errorf("empty send must not leave LISTENING, got %s", r.m.state)
	}
	if r.gen.Calls() != 0 {
		t.Error("generator must not be called for an empty utterance")
	}
	if _, ok := findEvent(r.events(), UtteranceFlushed); ok {
		t.Error("nothing should be flushed")
	}
}

func TestMachineDuplicateSuppressed(t *testing.T) {
	gen := &MockGenerator{response: ""}
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("yes")
	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "empty reply", func() bool { return r.m.state == StateListening })
	r.events()

	r.clock.Advance(2 * time.Second)
	r.say("Yes.")
	r.m.handle(Command{Kind: CmdSendNow})
	if r.m.state != StateListening {
		t.Fatalf("duplicate should stay in LISTENING, got %s", r.m.state)
	}
	if gen.Calls() != 1 {
		t.Errorf("Expected a single generation, got %d", gen.Calls())
	}
	if _, ok := findEvent(r.events(), UtteranceSuppressed); !ok {
		t.Error("Expected UtteranceSuppressed event")
	}
}

func TestMachineGenerationErrorKeepsUtterance(t *testing.T) {
	gen := &MockGenerator{err: errors.New("upstream 503")}
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("Book a table.")
	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "generation error", func() bool { return r.m.state == StateListening })

	if r.m.acc.Text() != "Book a table." {
		t.Errorf("utterance should be restored, got %q", r.m.acc.Text())
	}
	if _, armed := r.m.timers[TimerPause]; armed {
		t.Error("no pause timer should be armed after a generation error")
	}
	ev, ok := findEvent(r.events(), ErrorEvent)
	if !ok {
		t.Fatal("Expected an error event")
	}
	surfaced := ev.Data.(SurfacedError)
	if surfaced.Severity != SeverityRecoverable || !errors.Is(surfaced.Err, ErrGeneration) {
		t.Errorf("unexpected surfaced error: %+v", surfaced)
	}
	if len(r.m.Session().GetContextCopy()) != 0 {
		t.Error("failed turn must not be added to history")
	}

	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "retry", func() bool { return gen.Calls() == 2 })
}

func TestMachineInterruption(t *testing.T) {
	gen := &MockGenerator{response: "Once upon a time. There was a fox."}
	play := &MockPlayer{block: true}
	r := newRig(t, testConfig(), gen, play)
	r.start(t)

	r.say("Tell me a story.")
	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "playback start", func() bool {
		return r.m.state == StateSpeaking && r.m.detector.playbackSeen
	})

	// speech heard while speaking is held back
	r.say("wait stop")
	if r.m.acc.Text() != "" {
		t.Errorf("speech during playback must not reach the transcript yet, got %q", r.m.acc.Text())
	}

	// inside the protection window nothing triggers
	for i := 0; i < 5; i++ {
		r.m.handle(AudioLevel{Level: 0.9})
	}
	if r.m.state != StateSpeaking {
		t.Fatalf("interrupted inside the protection window: %s", r.m.state)
	}

	r.clock.Advance(1500 * time.Millisecond)
	r.m.handle(AudioLevel{Level: 0.9})
	r.m.handle(AudioLevel{Level: 0.9})
	r.m.handle(AudioLevel{Level: 0.1})
	r.m.handle(AudioLevel{Level: 0.9})
	r.m.handle(AudioLevel{Level: 0.9})
	if r.m.state != StateSpeaking {
		t.Fatalf("non-consecutive hits must not interrupt: %s", r.m.state)
	}
	r.m.handle(AudioLevel{Level: 0.9})

	if r.m.state != StateListening {
		t.Fatalf("Expected LISTENING after interruption, got %s", r.m.state)
	}
	if !r.m.queue.Idle() {
		t.Error("playback queue should be empty")
	}
	if r.m.acc.Text() != "wait stop" {
		t.Errorf("held speech should seed the transcript, got %q", r.m.acc.Text())
	}
	if _, armed := r.m.timers[TimerPause]; !armed {
		t.Error("pause timer should run for the seeded transcript")
	}

	ctx := r.m.Session().GetContextCopy()
	if !strings.HasSuffix(ctx[len(ctx)-1].Content, "[interrupted]") {
		t.Errorf("assistant reply should be marked interrupted, got %q", ctx[len(ctx)-1].Content)
	}

	evs := r.events()
	if _, ok := findEvent(evs, Interrupted); !ok {
		t.Error("Expected Interrupted event")
	}
	sawInterrupted := false
	for _, ev := range evs {
		if sc, ok := ev.Data.(StateChange); ok && sc.To == StateInterrupted {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Error("Expected a transition through INTERRUPTED")
	}
}

func TestMachineInterruptQueuedWhileProcessing(t *testing.T) {
	gen := &MockGenerator{response: "Here is a long answer.", release: make(chan struct{})}
	play := &MockPlayer{block: true}
	r := newRig(t, testConfig(), gen, play)
	r.start(t)

	r.say("Explain it.")
	r.m.handle(Command{Kind: CmdSendNow})
	r.m.handle(Command{Kind: CmdInterrupt})
	if r.m.state != StateProcessing {
		t.Fatalf("interrupt must wait for speech to start, got %s", r.m.state)
	}

	close(gen.release)
	r.pumpUntil(t, "queued interrupt", func() bool { return r.m.state == StateListening })

	if _, ok := findEvent(r.events(), Interrupted); !ok {
		t.Error("Expected Interrupted event")
	}
}

func TestMachineStopFromAnyState(t *testing.T) {
	gen := &MockGenerator{response: "ok", release: make(chan struct{})}
	defer close(gen.release)
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("hello there.")
	r.m.handle(Command{Kind: CmdSendNow})
	r.m.handle(Command{Kind: CmdStop})

	if r.m.state != StateIdle {
		t.Fatalf("Expected IDLE, got %s", r.m.state)
	}
	if r.clock.Pending() != 0 {
		t.Errorf("all timers should be cancelled, %d pending", r.clock.Pending())
	}
	if r.m.listening || r.m.processing || r.m.speaking {
		t.Error("no flag may be set in IDLE")
	}
	r.say("ignored")
	if r.m.acc.Text() != "" {
		t.Error("fragments in IDLE must be ignored")
	}
}

func TestMachineNonContinuousGoesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Continuous = false
	r := newRig(t, cfg, nil, nil)
	r.start(t)

	r.say("What time is it?")
	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "idle", func() bool { return r.m.state == StateIdle })
}

func TestMachineSynthesisFailure(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.synth.err = errors.New("voice unavailable")
	r.start(t)

	r.say("Hi.")
	r.m.handle(Command{Kind: CmdSendNow})
	r.pumpUntil(t, "synthesis failure", func() bool { return r.m.state == StateListening })

	ev, ok := findEvent(r.events(), ErrorEvent)
	if !ok {
		t.Fatal("Expected an error event")
	}
	if !errors.Is(ev.Data.(SurfacedError).Err, ErrSynthesis) {
		t.Errorf("Expected synthesis error, got %v", ev.Data)
	}
}

func TestMachineThinkingPhraseStripped(t *testing.T) {
	gen := &MockGenerator{response: "ok", release: make(chan struct{})}
	defer close(gen.release)
	r := newRig(t, testConfig(), gen, nil)
	r.start(t)

	r.say("I want to order, let me think")
	if r.m.state != StateThinking {
		t.Fatalf("Expected THINKING, got %s", r.m.state)
	}
	if r.m.acc.Text() != "I want to order" {
		t.Errorf("thinking phrase should be stripped, got %q", r.m.acc.Text())
	}

	// no normal pause flush while thinking
	r.advance(20 * time.Second)
	if r.m.state != StateThinking {
		t.Fatalf("flushed while thinking: %s", r.m.state)
	}

	r.say("Okay, I'm ready")
	r.pumpUntil(t, "generation call", func() bool { return gen.Calls() == 1 })
	if r.m.state != StateProcessing {
		t.Fatalf("Expected PROCESSING, got %s", r.m.state)
	}
	if input := gen.LastInput(); input != "I want to order" {
		t.Errorf("exit phrase should be stripped from the utterance, got %q", input)
	}
}

func TestMachineThinkingTimeouts(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	r.say("hold on")
	if r.m.state != StateThinking || r.m.acc.Text() != "" {
		t.Fatalf("Expected THINKING with nothing pending, got %s %q", r.m.state, r.m.acc.Text())
	}
	r.events()

	r.advance(30 * time.Second)
	ev, ok := findEvent(r.events(), ThinkingPrompt)
	if !ok || ev.Data.(PromptData).Kind != PromptPatience {
		t.Fatalf("Expected a patience prompt, got %+v", ev)
	}
	if r.m.Snapshot().FrustrationLevel != 1 {
		t.Errorf("Expected frustration 1, got %d", r.m.Snapshot().FrustrationLevel)
	}

	r.advance(7 * time.Second)
	if r.m.state != StateListening {
		t.Fatalf("Expected LISTENING after the second check, got %s", r.m.state)
	}
	ev, ok = findEvent(r.events(), ThinkingPrompt)
	if !ok || ev.Data.(PromptData).Kind != PromptImpatient {
		t.Errorf("Expected an impatient prompt, got %+v", ev)
	}
}

func TestMachineToggleThinking(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	r.m.handle(Command{Kind: CmdToggleThinking})
	if r.m.state != StateThinking {
		t.Fatalf("Expected THINKING, got %s", r.m.state)
	}
	r.m.handle(Command{Kind: CmdToggleThinking})
	if r.m.state != StateListening {
		t.Fatalf("Expected LISTENING, got %s", r.m.state)
	}
	if _, armed := r.m.timers[TimerThinking]; armed {
		t.Error("thinking timer should be cancelled on exit")
	}
}

func TestMachineFatalRecognizerError(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	r.m.handle(RecognizerFailed{
		Err: NewRecognitionError(RecognitionNotAllowed, errors.New("permission denied")),
		Gen: r.m.recGen,
	})
	if r.m.state != StateIdle {
		t.Fatalf("Expected IDLE after a fatal error, got %s", r.m.state)
	}
	ev, ok := findEvent(r.events(), ErrorEvent)
	if !ok || ev.Data.(SurfacedError).Severity != SeverityFatal {
		t.Errorf("Expected a fatal error event, got %+v", ev)
	}
}

func TestMachineRecognizerBackoff(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	network := func() {
		r.m.handle(RecognizerFailed{
			Err: NewRecognitionError(RecognitionNetwork, errors.New("reset")),
			Gen: r.m.recGen,
		})
	}

	network()
	if ev, ok := findEvent(r.events(), ErrorEvent); !ok || ev.Data.(SurfacedError).Severity != SeverityWarning {
		t.Errorf("Expected a warning for a network error, got %+v", ev)
	}
	r.advance(time.Second)
	if r.rec.Starts() != 2 {
		t.Fatalf("Expected a restart after 1s, got %d starts", r.rec.Starts())
	}

	network()
	r.advance(1999 * time.Millisecond)
	if r.rec.Starts() != 2 {
		t.Fatalf("backoff should double, got %d starts", r.rec.Starts())
	}
	r.advance(time.Millisecond)
	if r.rec.Starts() != 3 {
		t.Fatalf("Expected a restart after 2s, got %d starts", r.rec.Starts())
	}

	// no-speech restarts immediately and silently
	r.events()
	r.m.handle(RecognizerFailed{Err: NewRecognitionError(RecognitionNoSpeech, nil), Gen: r.m.recGen})
	if r.rec.Starts() != 4 {
		t.Errorf("Expected an immediate restart, got %d starts", r.rec.Starts())
	}
	if _, ok := findEvent(r.events(), ErrorEvent); ok {
		t.Error("no-speech must not be surfaced")
	}
	if r.m.state != StateListening {
		t.Errorf("recognizer errors must not change the turn state, got %s", r.m.state)
	}
}

func TestMachineStaleRecognizerEventsIgnored(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	r.start(t)

	r.m.handle(FragmentReceived{Fragment: Fragment{Text: "old", IsFinal: true}, Gen: r.m.recGen - 1})
	if r.m.acc.Text() != "" {
		t.Error("fragment from a previous recognizer run must be ignored")
	}
}

func TestMachineCalibrationOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.CalibrateOnStart = true
	cfg.CalibrationSampleCount = 4
	r := newRig(t, cfg, nil, nil)
	r.start(t)

	if !r.m.calib.Collecting() {
		t.Fatal("Expected calibration to start with the session")
	}
	for i := 0; i < 4; i++ {
		r.m.handle(AudioLevel{Level: 0.02})
	}
	if r.m.calib.Collecting() {
		t.Fatal("calibration should be complete")
	}
	if _, ok := findEvent(r.events(), CalibrationDone); !ok {
		t.Error("Expected CalibrationDone event")
	}
	if _, armed := r.m.timers[TimerCalibration]; !armed {
		t.Error("next periodic calibration should be scheduled")
	}
	th := r.m.Snapshot().Threshold
	if th < cfg.MinThreshold || th > cfg.MaxThreshold {
		t.Errorf("threshold %v out of bounds", th)
	}
}

func TestMachineCalibrationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CalibrateOnStart = true
	r := newRig(t, cfg, nil, nil)
	r.start(t)

	r.advance(10 * time.Second)
	if r.m.calib.Collecting() {
		t.Fatal("calibration should be aborted at the deadline")
	}
	if r.m.calib.Threshold() != cfg.InitialThreshold {
		t.Errorf("previous threshold should be kept, got %v", r.m.calib.Threshold())
	}
	if _, ok := findEvent(r.events(), ErrorEvent); ok {
		t.Error("calibration failures are never surfaced")
	}
	if _, armed := r.m.timers[TimerCalibration]; !armed {
		t.Error("next calibration should still be scheduled")
	}
}

func TestMachineRunLifecycle(t *testing.T) {
	r := newRig(t, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.m.Run(ctx) }()

	if err := r.m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.m.State() != StateListening {
		if time.Now().After(deadline) {
			t.Fatal("machine never reached LISTENING")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !r.m.SubmitLevel(0.01) {
		t.Error("audio hand-off should accept samples")
	}

	r.m.Close()
	select {
	case <-r.m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop")
	}
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
	for range r.m.Events() {
	}

	if err := r.m.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if err := r.m.Start(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestMachineAudioHandOffNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.AudioQueueSize = 4
	r := newRig(t, cfg, nil, nil)

	accepted := 0
	for i := 0; i < 200; i++ {
		if r.m.SubmitLevel(0.01) {
			accepted++
		}
	}
	if accepted == 200 {
		t.Error("Expected some samples to be dropped when nobody drains the loop")
	}
	if r.m.DroppedAudio() != uint64(200-accepted) {
		t.Errorf("Expected %d dropped, got %d", 200-accepted, r.m.DroppedAudio())
	}
}
