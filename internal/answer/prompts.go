package answer

import (
	"os"
	"path/filepath"
	"strings"
)

// Prompt file names looked up under PROMPTS_DIR when set. Files use the
// same {placeholder} tokens as the built-in defaults so an operator can
// swap the text without touching code.
const (
	systemPromptFile        = "system_chat.txt"
	reformulationPromptFile = "reformulation_prompt.txt"
	decisionPromptFile      = "search_decision_prompt.txt"
)

const defaultSystemPrompt = `You are an assistant answering questions about the user's personal Telegram message archive.

Current date and time: {current_datetime}

You will receive a CONTEXT block of numbered snippets retrieved from the archive, followed by a QUESTION. Answer using only the information in the context and the conversation so far. Cite the snippets you used as [1], [2] and so on. Quote names, dates, amounts and links exactly as they appear. If the context does not contain the answer, say that you don't see this information in the Telegram data instead of guessing. Answer in the language of the question.`

const defaultReformulationPrompt = `Rewrite the follow-up question as a single standalone search query over a message archive. Resolve pronouns and references using the conversation. Keep names, dates and other specifics. Output only the rewritten query, nothing else.

Conversation:
{history}

Follow-up question: {question}

Standalone query:`

const defaultDecisionPrompt = `Decide whether answering the user's latest question requires searching their Telegram message archive, or whether the conversation below already contains everything needed.

Conversation:
{history}

Question: {question}

Reply with exactly YES_SEARCH if the archive must be searched, or exactly SKIP_SEARCH if the conversation alone suffices.`

// prompts holds the resolved prompt texts for one service instance.
type prompts struct {
	system        string
	reformulation string
	decision      string
}

// loadPrompts resolves prompt texts, preferring files under PROMPTS_DIR
// over the built-in defaults. Unreadable or empty files fall back to the
// defaults rather than failing the service.
func loadPrompts() prompts {
	dir := os.Getenv("PROMPTS_DIR")
	return prompts{
		system:        loadPrompt(dir, systemPromptFile, defaultSystemPrompt),
		reformulation: loadPrompt(dir, reformulationPromptFile, defaultReformulationPrompt),
		decision:      loadPrompt(dir, decisionPromptFile, defaultDecisionPrompt),
	}
}

func loadPrompt(dir, name, fallback string) string {
	if dir == "" {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fallback
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fallback
	}
	return text
}

// renderPrompt substitutes {name} tokens in a prompt template.
func renderPrompt(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
