package prompts

import "fmt"

// extractionTemplate is the system prompt for the post-conversation
// profile run. The finished transcript arrives as the user utterance;
// the model may call tools to look up tracker state before producing
// its final JSON answer. The format verb is the member name.
const extractionTemplate = `You are an analyst reviewing a finished check-in conversation with %s.
The full transcript follows as the next message.
Produce an updated profile of this person's current work situation.

You may call tools to check the tracker before answering.

When you are done, respond with JSON only, no prose around it:

{
  "summary": "2-4 sentences: what they are working on and how it is going",
  "mood": "one word, e.g. positive, neutral, stressed",
  "blockers": ["each current blocker as a short phrase"],
  "highlights": ["notable progress or wins"]
}

Base the profile only on the transcript and tool results. If the
conversation was too short to tell, say so in the summary.`

// ExtractionPrompt returns the system prompt for the
// post-conversation profile extraction run.
func ExtractionPrompt(memberName string) string {
	return fmt.Sprintf(extractionTemplate, memberName)
}
