package llm

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

// nudgeInstruction asks the model for a one-line thinking-mode nudge in the
// persona's voice.
func nudgeInstruction(kind orchestrator.PromptKind, profile orchestrator.VoiceProfile) string {
	var b strings.Builder
	name := profile.Name
	if name == "" {
		name = "the assistant"
	}
	fmt.Fprintf(&b, "You are %s. The user asked for time to think and has been quiet for a while. ", name)
	switch kind {
	case orchestrator.PromptImpatient:
		b.WriteString("Politely but firmly ask them to go ahead with what they have so far.")
	default:
		b.WriteString("Reassure them there is no rush and you are still listening.")
	}
	b.WriteString(" Reply with one short spoken sentence and nothing else.")
	if profile.Language != "" && profile.Language != orchestrator.LanguageEn {
		fmt.Fprintf(&b, " Reply in language %q.", string(profile.Language))
	}
	traitKeys := make([]string, 0, len(profile.Traits))
	for k := range profile.Traits {
		traitKeys = append(traitKeys, k)
	}
	slices.Sort(traitKeys)
	for _, k := range traitKeys {
		fmt.Fprintf(&b, " %s: %s.", k, profile.Traits[k])
	}
	return b.String()
}
