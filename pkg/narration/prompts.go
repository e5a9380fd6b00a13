package narration

import (
	"fmt"
	"strings"
)

// NextChoicesMarker opens the line that closes every resolved turn.
const NextChoicesMarker = "NEXT CHOICES:"

// DefaultNarrativeWindow is how many trailing runes of the narrative are sent.
const DefaultNarrativeWindow = 6000

const gameMasterSystem = `You are the game master of a collaborative text adventure shared by a small party.
Write in second person plural, present tense, in two or three short paragraphs.
When the party gains an item write [GAIN item name] on its own line; when it loses one write [LOSE item name].`

const actorSystemFormat = `You play %s, a member of an adventuring party.%s
Answer with exactly one short sentence describing what %s does next. No narration, no quotes.`

// WindowNarrative keeps the last limit runes of narrative, cutting at a line
// boundary when one is available. limit <= 0 keeps everything.
func WindowNarrative(narrative string, limit int) string {
	if limit <= 0 {
		return narrative
	}
	runes := []rune(narrative)
	if len(runes) <= limit {
		return narrative
	}
	tail := string(runes[len(runes)-limit:])
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return "..." + tail
}

// ActionPrompt asks the service what actor does this turn, informed by the
// actions already decided.
func ActionPrompt(narrative string, actions []string, actor, persona string) Prompt {
	if p := strings.TrimSpace(persona); p != "" {
		persona = " " + p
	}
	return Prompt{
		System:       fmt.Sprintf(actorSystemFormat, actor, persona, actor),
		Narrative:    narrative,
		PartyActions: actions,
		Task:         fmt.Sprintf("Decide the single action %s takes now, in one line.", actor),
	}
}

// ResolutionPrompt asks the service to narrate the turn.
func ResolutionPrompt(narrative string, actions []string) Prompt {
	return Prompt{
		System:       gameMasterSystem,
		Narrative:    narrative,
		PartyActions: actions,
		Task: "Resolve strictly the party actions listed above, in order, and nothing else. " +
			"Stay consistent with the story so far. " +
			"End with a single line starting with \"" + NextChoicesMarker + "\" offering two or three options.",
	}
}

// ProloguePrompt asks for an opening scene from the world seed.
func ProloguePrompt(worldSeed string) Prompt {
	return Prompt{
		System: gameMasterSystem,
		Task: "Open the adventure with a short scene set in this world: " + worldSeed +
			"\nEnd with a single line starting with \"" + NextChoicesMarker + "\".",
	}
}
