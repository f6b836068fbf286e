package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logus2k/agent-gateway/internal/domain"
)

func writePresetFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestLoadPresetsNormalizesNameAndResolvesSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	writePresetFiles(t, dir, map[string]string{
		"router.json":   `{"name": " Router ", "system_prompt": "router.txt", "memory_policy": "none"}`,
		"router.txt":    "You are a router.",
	})

	presets, err := LoadPresets(dir)
	require.NoError(t, err)

	p, ok := presets["router"]
	require.True(t, ok, "expected normalized lowercase key")
	assert.Equal(t, "You are a router.", p.SystemPrompt)
	assert.Equal(t, domain.MemoryNone, p.MemoryPolicy)
}

func TestLoadPresetsRejectsGrammarPath(t *testing.T) {
	dir := t.TempDir()
	writePresetFiles(t, dir, map[string]string{
		"bad.json": `{"name": "bad", "system_prompt": "p.txt", "grammar_path": "g.gbnf"}`,
		"p.txt":    "hi",
	})

	_, err := LoadPresets(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grammar_path")
}

func TestLoadPresetsRejectsUnknownMemoryPolicy(t *testing.T) {
	dir := t.TempDir()
	writePresetFiles(t, dir, map[string]string{
		"bad.json": `{"name": "bad", "system_prompt": "p.txt", "memory_policy": "vector"}`,
		"p.txt":    "hi",
	})

	_, err := LoadPresets(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_policy")
}
