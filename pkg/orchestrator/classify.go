package orchestrator

import (
	"strings"
	"unicode"
)

// Completeness is the structural verdict on a pending utterance.
type Completeness int

const (
	Incomplete Completeness = iota
	Complete
)

func (c Completeness) String() string {
	if c == Complete {
		return "complete"
	}
	return "incomplete"
}

var interrogatives = map[string]bool{
	"what": true, "what's": true, "whats": true,
	"why": true, "why's": true,
	"how": true, "how's": true,
	"when": true, "when's": true,
	"where": true, "where's": true,
	"who": true, "who's": true,
	"which": true, "whose": true, "whom": true,
}

var auxiliaries = map[string]bool{
	"is": true, "are": true, "am": true, "was": true, "were": true,
	"do": true, "does": true, "did": true,
	"can": true, "could": true, "will": true, "would": true,
	"shall": true, "should": true, "may": true, "might": true, "must": true,
	"have": true, "has": true, "had": true,
	"isn't": true, "aren't": true, "don't": true, "doesn't": true, "didn't": true,
	"can't": true, "won't": true, "wouldn't": true, "couldn't": true, "shouldn't": true,
}

// Personal pronouns only: "is that" and "is this" usually open a clause.
var subjectPronouns = map[string]bool{
	"i": true, "you": true, "he": true, "she": true, "it": true,
	"we": true, "they": true,
}

// closingPhrases end a turn even without punctuation.
var closingPhrases = [][]string{
	{"thank", "you"},
	{"thanks"},
	{"that's", "all"},
	{"that's", "it"},
	{"that", "is", "all"},
	{"that's", "everything"},
	{"goodbye"},
	{"bye"},
	{"never", "mind"},
}

// closingPhraseWindow is how far from the end a closing phrase may start.
const closingPhraseWindow = 5

// Classify decides whether text looks like a finished turn. It is a pure
// structural heuristic; no semantics are inferred.
func Classify(text string) Completeness {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Incomplete
	}

	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return Complete
	}

	tokens := Tokenize(trimmed)
	if len(tokens) == 0 {
		return Incomplete
	}

	if interrogatives[tokens[0]] {
		return Complete
	}

	for i := 0; i+1 < len(tokens); i++ {
		if auxiliaries[tokens[i]] && subjectPronouns[tokens[i+1]] {
			return Complete
		}
	}

	start := len(tokens) - closingPhraseWindow
	if start < 0 {
		start = 0
	}
	for _, phrase := range closingPhrases {
		if indexOfPhrase(tokens[start:], phrase) >= 0 {
			return Complete
		}
	}

	return Incomplete
}

// Tokenize lowercases text and splits it into words with surrounding
// punctuation removed. Apostrophes inside words are kept.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '’' {
				return '\''
			}
			return r
		}, f)
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Similarity is the Jaccard index of the token sets of a and b. Two empty
// texts are identical.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		set[tok] = true
	}
	return set
}

func indexOfPhrase(tokens, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return -1
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return i
	}
	return -1
}

// lastIndexOfPhrase returns the start of the last occurrence of phrase.
func lastIndexOfPhrase(tokens, phrase []string) int {
	for i := len(tokens) - len(phrase); i >= 0; i-- {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// SplitSentences cuts a response into sentences at terminal punctuation
// followed by whitespace, so each can be synthesized on its own.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(strings.TrimSpace(text))
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
