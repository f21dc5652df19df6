package relay

import (
	"fmt"
	"strings"

	"github.com/parlancehq/parlance/internal/call"
)

// relayInstructionOverride is the per-response override used when relaying
// typed text. Without it the model answers the user's message instead of
// translating it.
func relayInstructionOverride(src, tgt string) string {
	return fmt.Sprintf("Translate the user's message from %s to %s and speak ONLY "+
		"that translated sentence. Do NOT answer the question, do NOT add any extra "+
		"words, do NOT ask follow-up questions.", src, tgt)
}

// userSaysWrap frames relayed user text so the session treats it as material
// to translate rather than something addressed to the model.
func userSaysWrap(src, text string) string {
	return fmt.Sprintf("[User says in %s]: %s", src, text)
}

// recipientSaysWrap feeds a completed recipient turn into the agent session.
func recipientSaysWrap(text string) string {
	return fmt.Sprintf("[Recipient says]: %s", text)
}

// promptA builds Session A's system prompt: outbound, user → recipient.
func promptA(mode call.Mode, src, tgt string) string {
	if mode == call.ModeAgent {
		return fmt.Sprintf(`You are a phone agent acting on behalf of a user who speaks %[1]s. You are talking to a recipient who speaks %[2]s.

Conduct the conversation in %[2]s to accomplish the user's goal. Messages prefixed "[Recipient says]:" are what the recipient just said; reply to them directly. Use the provided tools when confirming details, searching, or collecting information. Be polite, concise, and natural on the phone. When the conversation has reached its conclusion, say a brief goodbye.`, src, tgt)
	}
	return fmt.Sprintf(`You are a simultaneous interpreter on a phone call. The user speaks %[1]s; the person on the phone speaks %[2]s.

Translate everything the user says from %[1]s into %[2]s, faithfully and completely. Speak only the translation. Never answer questions yourself, never add commentary, never address the user or the recipient directly. Preserve tone, register, and intent. Lines prefixed "[User says in %[1]s]:" are utterances to translate.`, src, tgt)
}

// promptB builds Session B's system prompt: inbound, recipient → user.
func promptB(src, tgt string) string {
	return fmt.Sprintf(`You are a simultaneous interpreter on a phone call. The person on the phone speaks %[1]s; the listener speaks %[2]s.

Translate everything the phone speaker says from %[1]s into %[2]s, faithfully and completely. Output only the translation. Never reply to the speaker, never add commentary, never ask questions. Preserve tone, register, and intent.`, src, tgt)
}

// promptWithTranscriptFooter appends the recent transcript to a system prompt
// so a reconnected session regains the conversation it lost with the socket.
func promptWithTranscriptFooter(prompt string, entries []call.TranscriptEntry) string {
	if len(entries) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRecent conversation before reconnecting:\n")
	for _, e := range entries {
		label := "User"
		if e.Role == call.RoleRecipient {
			label = "Recipient"
		}
		text := e.Translated
		if text == "" {
			text = e.Original
		}
		fmt.Fprintf(&b, "%s: %s\n", label, text)
	}
	return b.String()
}
