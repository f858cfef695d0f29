package orchestrator

import (
	"math/rand"
	"sort"
	"strings"
	"time"
)

type ThinkingPhase int

const (
	ThinkingOff ThinkingPhase = iota
	// ThinkingWaiting runs the long first silence check.
	ThinkingWaiting
	// ThinkingNudged follows the patience prompt and runs the short,
	// randomized second check.
	ThinkingNudged
)

func (p ThinkingPhase) String() string {
	switch p {
	case ThinkingWaiting:
		return "waiting"
	case ThinkingNudged:
		return "nudged"
	default:
		return "off"
	}
}

// ThinkingDecision tells the Machine what to do after a thinking-mode input.
type ThinkingDecision struct {
	// Arm (re)schedules the thinking timer when positive.
	Arm    time.Duration
	Prompt PromptKind
	// Append means the speech belongs in the pending transcript.
	Append bool
	// Strip is a phrase to remove from the pending transcript.
	Strip []string
	Exit  bool
}

var defaultThinkingPhrases = []string{
	"let me think",
	"let me think about it",
	"let me think about that",
	"give me a second",
	"give me a sec",
	"give me a moment",
	"give me a minute",
	"hold on",
	"hang on",
	"one moment",
	"a moment",
	"just a moment",
	"one second",
	"just a second",
	"wait a second",
	"wait a minute",
	"let me see",
}

var defaultAcknowledgments = []string{
	"yes",
	"yeah",
	"yep",
	"yup",
	"okay",
	"ok",
	"sure",
	"sorry",
	"still here",
	"i'm here",
	"i am here",
	"i'm still here",
	"still thinking",
	"i'm still thinking",
	"mm hmm",
	"uh huh",
}

var defaultExitPhrases = []string{
	"i'm done",
	"i am done",
	"done thinking",
	"finished thinking",
	"i'm finished thinking",
	"i'm ready",
	"okay i'm ready",
}

var patiencePrompts = []string{
	"Take your time, I'm here when you're ready.",
	"No rush. Let me know when you've got it.",
	"Still with you, whenever you're ready.",
}

var impatientPrompts = []string{
	"Alright, let's keep going with what we have.",
	"I'll jump back in. Tell me more whenever you like.",
	"Let's pick this up from here.",
}

// ThinkingController is the thinking-mode sub-state: it suppresses normal
// flushing and runs its own escalating silence checks.
type ThinkingController struct {
	cfg   Config
	intn  func(n int) int
	phase ThinkingPhase

	frustration int

	phrases [][]string
	acks    map[string]bool
	exits   [][]string
}

func NewThinkingController(cfg Config) *ThinkingController {
	tc := &ThinkingController{
		cfg:     cfg,
		intn:    rand.Intn,
		phrases: tokenizePhrases(defaultThinkingPhrases),
		exits:   tokenizePhrases(defaultExitPhrases),
		acks:    make(map[string]bool),
	}
	for _, a := range defaultAcknowledgments {
		tc.acks[strings.Join(Tokenize(a), " ")] = true
	}
	return tc
}

// SetRand replaces the random source used for the second check.
func (t *ThinkingController) SetRand(intn func(n int) int) {
	t.intn = intn
}

// tokenizePhrases normalizes phrases, longest first so "just a moment" wins
// over "a moment".
func tokenizePhrases(phrases []string) [][]string {
	out := make([][]string, 0, len(phrases))
	for _, p := range phrases {
		if toks := Tokenize(p); len(toks) > 0 {
			out = append(out, toks)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (t *ThinkingController) Active() bool         { return t.phase != ThinkingOff }
func (t *ThinkingController) Phase() ThinkingPhase { return t.phase }
func (t *ThinkingController) Frustration() int     { return t.frustration }

// DetectPhrase returns the thinking phrase found in a final fragment.
func (t *ThinkingController) DetectPhrase(text string) ([]string, bool) {
	return findPhrase(Tokenize(text), t.phrases)
}

// Enter starts thinking mode.
func (t *ThinkingController) Enter() ThinkingDecision {
	t.phase = ThinkingWaiting
	t.frustration = 0
	return ThinkingDecision{Arm: ms(t.cfg.ThinkingFirstCheckMs)}
}

// OnTimer handles a silence check firing.
func (t *ThinkingController) OnTimer() ThinkingDecision {
	switch t.phase {
	case ThinkingWaiting:
		t.phase = ThinkingNudged
		t.frustration = 1
		return ThinkingDecision{Arm: t.secondCheck(), Prompt: PromptPatience}
	case ThinkingNudged:
		t.reset()
		return ThinkingDecision{Exit: true, Prompt: PromptImpatient}
	default:
		return ThinkingDecision{}
	}
}

// OnSpeech handles a final fragment heard while thinking.
func (t *ThinkingController) OnSpeech(text string) ThinkingDecision {
	if !t.Active() {
		return ThinkingDecision{Append: true}
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return ThinkingDecision{}
	}

	if phrase, ok := findPhrase(tokens, t.exits); ok {
		t.reset()
		return ThinkingDecision{Append: true, Strip: phrase, Exit: true}
	}

	if t.isAcknowledgment(tokens) {
		if t.phase == ThinkingWaiting {
			return ThinkingDecision{Arm: ms(t.cfg.ThinkingFirstCheckMs)}
		}
		t.frustration++
		if t.cfg.MaxFrustrationLevel > 0 && t.frustration >= t.cfg.MaxFrustrationLevel {
			t.reset()
			return ThinkingDecision{Exit: true, Prompt: PromptImpatient}
		}
		return ThinkingDecision{Arm: t.secondCheck()}
	}

	t.reset()
	return ThinkingDecision{Append: true, Exit: true, Prompt: PromptImpatient}
}

// isAcknowledgment matches a bare acknowledgment or a repeated thinking
// phrase, neither of which ends the pause.
func (t *ThinkingController) isAcknowledgment(tokens []string) bool {
	joined := strings.Join(tokens, " ")
	if t.acks[joined] {
		return true
	}
	for _, p := range t.phrases {
		if strings.Join(p, " ") == joined {
			return true
		}
	}
	return false
}

// Exit leaves thinking mode on an explicit request.
func (t *ThinkingController) Exit() ThinkingDecision {
	if !t.Active() {
		return ThinkingDecision{}
	}
	t.reset()
	return ThinkingDecision{Exit: true}
}

func (t *ThinkingController) reset() {
	t.phase = ThinkingOff
	t.frustration = 0
}

func (t *ThinkingController) secondCheck() time.Duration {
	r := t.cfg.ThinkingSecondCheckRangeMs
	span := r.Max - r.Min
	if span <= 0 {
		return ms(r.Min)
	}
	return ms(r.Min + t.intn(span))
}

// fallbackPrompt picks a built-in phrase for kind.
func (t *ThinkingController) fallbackPrompt(kind PromptKind) string {
	var list []string
	switch kind {
	case PromptPatience:
		list = patiencePrompts
	case PromptImpatient:
		list = impatientPrompts
	default:
		return ""
	}
	i := t.intn(len(list))
	if i < 0 || i >= len(list) {
		i = 0
	}
	return list[i]
}

func findPhrase(tokens []string, phrases [][]string) ([]string, bool) {
	for _, p := range phrases {
		if indexOfPhrase(tokens, p) >= 0 {
			return p, true
		}
	}
	return nil, false
}
