package answer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPromptSubstitutesTokens(t *testing.T) {
	out := renderPrompt("now={current_datetime} q={question}", map[string]string{
		"current_datetime": "2026-08-25 10:00:00",
		"question":         "when do we leave?",
	})
	assert.Equal(t, "now=2026-08-25 10:00:00 q=when do we leave?", out)
}

func TestRenderPromptLeavesUnknownTokens(t *testing.T) {
	out := renderPrompt("keep {unknown}", map[string]string{"question": "q"})
	assert.Equal(t, "keep {unknown}", out)
}

func TestLoadPromptsDefaults(t *testing.T) {
	t.Setenv("PROMPTS_DIR", "")
	p := loadPrompts()
	assert.Equal(t, defaultSystemPrompt, p.system)
	assert.Equal(t, defaultReformulationPrompt, p.reformulation)
	assert.Equal(t, defaultDecisionPrompt, p.decision)
}

func TestLoadPromptsFileOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, systemPromptFile), []byte("custom system {current_datetime}\n"), 0o644))
	t.Setenv("PROMPTS_DIR", dir)

	p := loadPrompts()
	assert.Equal(t, "custom system {current_datetime}", p.system)
	assert.Equal(t, defaultReformulationPrompt, p.reformulation)
}

func TestLoadPromptsEmptyFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, decisionPromptFile), []byte("  \n"), 0o644))
	t.Setenv("PROMPTS_DIR", dir)

	p := loadPrompts()
	assert.Equal(t, defaultDecisionPrompt, p.decision)
}

func TestFormatHistoryTruncatesAndMapsRoles(t *testing.T) {
	history := makeHistory(8)
	out := formatHistory(history, 6)

	lines := []string{
		"User: turn 2",
		"Assistant: turn 3",
		"User: turn 4",
		"Assistant: turn 5",
		"User: turn 6",
		"Assistant: turn 7",
	}
	assert.Equal(t, joinLines(lines), out)
}
