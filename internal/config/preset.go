package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/logus2k/agent-gateway/internal/domain"
)

// presetFile is the on-disk shape of an agent preset. A grammar_path or
// system_prompt_path key is rejected outright rather than silently
// ignored, keeping the schema tight.
type presetFile struct {
	Name           string                   `json:"name"`
	SystemPrompt   string                   `json:"system_prompt"`
	ParamsOverride domain.SamplingOverrides `json:"params_override"`
	MemoryPolicy   string                   `json:"memory_policy"`

	GrammarPath       json.RawMessage `json:"grammar_path,omitempty"`
	SystemPromptAlias json.RawMessage `json:"system_prompt_path,omitempty"`
}

// LoadPresets reads every *.json file directly under dir as an AgentPreset,
// keyed by its lowercased, trimmed name.
func LoadPresets(dir string) (map[string]*domain.AgentPreset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading presets dir %s: %w", dir, err)
	}

	presets := make(map[string]*domain.AgentPreset)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		preset, err := loadPresetFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading preset %s: %w", path, err)
		}
		presets[preset.Name] = preset
	}
	return presets, nil
}

func loadPresetFile(path string) (*domain.AgentPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pf presetFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}

	if pf.GrammarPath != nil {
		return nil, fmt.Errorf("%w: grammar_path is not supported", domain.ErrBadConfig)
	}
	if pf.SystemPromptAlias != nil {
		return nil, fmt.Errorf("%w: system_prompt_path is not a recognized key, use system_prompt", domain.ErrBadConfig)
	}
	if pf.Name == "" {
		return nil, fmt.Errorf("%w: preset name is required", domain.ErrBadConfig)
	}
	if pf.SystemPrompt == "" {
		return nil, fmt.Errorf("%w: system_prompt is required", domain.ErrBadConfig)
	}

	name := strings.ToLower(strings.TrimSpace(pf.Name))
	memPolicy := domain.MemoryPolicy(pf.MemoryPolicy)
	switch memPolicy {
	case "", domain.MemoryNone:
		memPolicy = domain.MemoryNone
	case domain.MemoryThreadWindow:
	default:
		return nil, fmt.Errorf("%w: unknown memory_policy %q", domain.ErrBadConfig, pf.MemoryPolicy)
	}

	systemPromptPath := pf.SystemPrompt
	if !filepath.IsAbs(systemPromptPath) {
		systemPromptPath = filepath.Join(filepath.Dir(path), systemPromptPath)
	}
	promptBytes, err := os.ReadFile(systemPromptPath)
	if err != nil {
		return nil, fmt.Errorf("reading system_prompt for %s: %w", name, err)
	}

	return &domain.AgentPreset{
		Name:           name,
		SystemPrompt:   strings.TrimSpace(string(promptBytes)),
		ParamsOverride: pf.ParamsOverride,
		MemoryPolicy:   memPolicy,
	}, nil
}
