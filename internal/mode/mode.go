// Package mode loads extraction mode profiles. A mode defines the
// observation vocabulary the agent may use and the prompt guidance that
// steers it; the built-in "code" mode ships embedded so a bare install works
// without a modes directory.
package mode

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

//go:embed code.json
var embeddedCodeMode []byte

// Mode is one extraction profile.
type Mode struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// ObservationTypes maps allowed type tags to their prompt descriptions.
	ObservationTypes map[string]string `json:"observation_types"`
	// Concepts maps allowed concept tags to their prompt descriptions.
	Concepts map[string]string `json:"concepts"`
	// TypeIcons decorate context document rows per observation type.
	TypeIcons map[string]string `json:"type_icons,omitempty"`

	SystemPrompt        string `json:"system_prompt"`
	ObservationGuidance string `json:"observation_guidance,omitempty"`
	SummaryGuidance     string `json:"summary_guidance,omitempty"`
}

// ValidType reports whether a type tag belongs to the mode's vocabulary.
func (m *Mode) ValidType(t string) bool {
	_, ok := m.ObservationTypes[t]
	return ok
}

// ValidConcept reports whether a concept tag belongs to the mode's vocabulary.
func (m *Mode) ValidConcept(c string) bool {
	_, ok := m.Concepts[c]
	return ok
}

// TypeIcon returns the display icon for a type, or the bullet fallback.
func (m *Mode) TypeIcon(t string) string {
	if icon, ok := m.TypeIcons[t]; ok {
		return icon
	}
	return "•"
}

// Default returns the embedded "code" mode.
func Default() *Mode {
	var m Mode
	// The embedded profile is validated by tests; a decode failure here is
	// a build defect.
	if err := json.Unmarshal(embeddedCodeMode, &m); err != nil {
		panic(fmt.Sprintf("embedded code mode invalid: %v", err))
	}
	return &m
}

// Load resolves a mode by name from the modes directory. The name
// "parent--override" loads the parent and overlays the override profile on
// top. The embedded "code" mode backs the name "code" when no file shadows
// it.
func Load(modesDir, name string) (*Mode, error) {
	if name == "" {
		name = "code"
	}

	parentName, overrideName, isOverride := strings.Cut(name, "--")

	base, err := loadSingle(modesDir, parentName)
	if err != nil {
		return nil, err
	}
	if !isOverride {
		return base, nil
	}

	override, err := loadSingle(modesDir, overrideName)
	if err != nil {
		return nil, fmt.Errorf("override mode: %w", err)
	}
	merged := merge(base, override)
	merged.Name = name
	return merged, nil
}

func loadSingle(modesDir, name string) (*Mode, error) {
	path := filepath.Join(modesDir, name+".json")
	data, err := os.ReadFile(path) // #nosec G304 -- path is our own data dir
	if err != nil {
		if os.IsNotExist(err) && name == "code" {
			return Default(), nil
		}
		return nil, fmt.Errorf("read mode %q: %w", name, err)
	}

	var m Mode
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mode %q: %w", name, err)
	}
	if m.Name == "" {
		m.Name = name
	}
	return &m, nil
}

// merge overlays non-empty override fields onto the base. Maps merge
// key-wise so an override can add or reword vocabulary without restating the
// parent's whole list.
func merge(base, override *Mode) *Mode {
	out := *base

	if override.Description != "" {
		out.Description = override.Description
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if override.ObservationGuidance != "" {
		out.ObservationGuidance = override.ObservationGuidance
	}
	if override.SummaryGuidance != "" {
		out.SummaryGuidance = override.SummaryGuidance
	}
	out.ObservationTypes = mergeMaps(base.ObservationTypes, override.ObservationTypes)
	out.Concepts = mergeMaps(base.Concepts, override.Concepts)
	out.TypeIcons = mergeMaps(base.TypeIcons, override.TypeIcons)

	return &out
}

func mergeMaps(base, override map[string]string) map[string]string {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
