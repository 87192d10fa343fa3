package extraction

import (
	"fmt"
	"strings"
)

const factPromptTemplate = `Extract discrete facts about the user from this conversation that are worth remembering for future interactions.

Focus on:
- User preferences, habits, or characteristics
- Important facts or information the user shared
- Decisions made or conclusions reached
- Details that personalize future interactions

Conversation:
%s

Return a JSON object of the form {"facts": ["...", "..."]}. Each fact must be a concise, standalone statement.
If JSON is not possible, output one fact per line prefixed with "FACT: ".
If there is nothing worth remembering, return the single word NONE. No explanation.`

func factPrompt(transcript string) string {
	return fmt.Sprintf(factPromptTemplate, transcript)
}

const reconcilePromptTemplate = `You maintain a user's memory bank. Compare the new facts against the existing memories and decide, for each memory and fact, one of four events:

- ADD: the fact is new information; create a memory with its text
- UPDATE: an existing memory should be rewritten to incorporate the fact
- DELETE: an existing memory is contradicted and must be removed
- NONE: an existing memory is unaffected

Existing memories:
%s

New facts:
%s

Rules:
- Use only the memory ids listed above.
- For UPDATE and DELETE, set old_memory to the current text of that memory.
- Prefer UPDATE over ADD when a fact refines an existing memory.
- Avoid duplicate memories.

Return a JSON object of the form:
{"memory":[{"id":"0","text":"...","event":"UPDATE","old_memory":"..."}, {"id":"2","text":"...","event":"ADD"}]}

If JSON is not possible, output one line per decision:
EVENT|ID|TEXT|OLD_MEMORY

No explanation.`

func reconcilePrompt(existing []promptMemory, facts []string) string {
	var mems strings.Builder
	if len(existing) == 0 {
		mems.WriteString("(none)")
	}
	for _, m := range existing {
		fmt.Fprintf(&mems, "%s: %s\n", m.ID, m.Text)
	}

	var fs strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&fs, "- %s\n", f)
	}

	return fmt.Sprintf(reconcilePromptTemplate, strings.TrimRight(mems.String(), "\n"), strings.TrimRight(fs.String(), "\n"))
}

// promptMemory is an existing memory as shown to the model: a short temp id
// instead of the database id.
type promptMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
