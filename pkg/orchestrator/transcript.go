package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// TranscriptAccumulator merges final recognizer fragments into the pending
// utterance. Interim fragments are kept for display only.
type TranscriptAccumulator struct {
	mu          sync.Mutex
	clock       Clock
	text        string
	interim     string
	lastUpdated time.Time
}

func NewTranscriptAccumulator(clock Clock) *TranscriptAccumulator {
	return &TranscriptAccumulator{clock: clock}
}

// Append merges a fragment. It reports whether the pending text changed.
func (a *TranscriptAccumulator) Append(f Fragment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !f.IsFinal {
		a.interim = strings.TrimSpace(f.Text)
		return false
	}

	a.interim = ""
	merged := joinText(a.text, f.Text)
	if merged == a.text {
		return false
	}
	a.text = merged
	a.lastUpdated = a.clock.Now()
	return true
}

func (a *TranscriptAccumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text
}

func (a *TranscriptAccumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

func (a *TranscriptAccumulator) LastUpdated() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdated
}

// FlushIfReady returns the pending text and clears it in one critical
// section.
func (a *TranscriptAccumulator) FlushIfReady() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := a.text
	a.text = ""
	a.interim = ""
	a.lastUpdated = a.clock.Now()
	return text
}

// Clear discards the pending and interim text without flushing.
func (a *TranscriptAccumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = ""
	a.interim = ""
	a.lastUpdated = a.clock.Now()
}

// StripPhrase removes the last occurrence of phrase (normalized tokens) from
// the pending text. Surrounding words are kept.
func (a *TranscriptAccumulator) StripPhrase(phrase []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	stripped, ok := stripPhrase(a.text, phrase)
	if !ok {
		return false
	}
	a.text = stripped
	a.lastUpdated = a.clock.Now()
	return true
}

// Restore puts text back in front of whatever is pending, so an utterance
// that could not be delivered is not lost.
func (a *TranscriptAccumulator) Restore(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text = joinText(text, a.text)
	a.lastUpdated = a.clock.Now()
}

// joinText space-joins two pieces, collapsing surrounding whitespace.
func joinText(head, tail string) string {
	head = strings.Join(strings.Fields(head), " ")
	tail = strings.Join(strings.Fields(tail), " ")
	switch {
	case head == "":
		return tail
	case tail == "":
		return head
	default:
		return head + " " + tail
	}
}

func stripPhrase(text string, phrase []string) (string, bool) {
	if len(phrase) == 0 {
		return text, false
	}
	words := strings.Fields(text)
	norms := make([]string, len(words))
	for i, w := range words {
		if toks := Tokenize(w); len(toks) > 0 {
			norms[i] = toks[0]
		}
	}

	idx := lastIndexOfPhrase(norms, phrase)
	if idx < 0 {
		return text, false
	}

	kept := make([]string, 0, len(words)-len(phrase))
	kept = append(kept, words[:idx]...)
	kept = append(kept, words[idx+len(phrase):]...)
	out := strings.Join(kept, " ")
	return strings.TrimRight(out, " ,;:-"), true
}
