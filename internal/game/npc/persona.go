// Package npc provides the persona catalogue that scripts the farmer's
// dialogue: base prompt, quest-gated rule stages and quest triggers.
package npc

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/farmstead/internal/game/quest"
)

// Catalogue defaults applied when the YAML omits them.
const (
	DefaultHistoryLimit = 20
	DefaultMaxTokens    = 80
	DefaultTemperature  = 0.8

	DefaultNoCredentialLine = "The farmer seems lost in thought... (API key not configured)"
	DefaultFailureLine      = "The farmer scratches his head... something went wrong."
)

// Fallbacks are the lines sent when generation fails.
type Fallbacks struct {
	// NoCredential is sent when the generation credential is missing.
	NoCredential string `yaml:"no_credential"`
	// Failure is sent on any transient generation failure.
	Failure string `yaml:"failure"`
}

// Stage is a block of behavioural rules gated on quest flags. A stage applies
// when every flag in When has the given value; an empty When always applies.
type Stage struct {
	ID    string          `yaml:"id"`
	When  map[string]bool `yaml:"when"`
	Rules string          `yaml:"rules"`
}

// Applies reports whether the stage is active for flags. Missing flags read as false.
func (s Stage) Applies(flags map[string]bool) bool {
	for name, want := range s.When {
		if flags[name] != want {
			return false
		}
	}
	return true
}

// Persona is the scripted content of one NPC.
type Persona struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	BasePrompt   string             `yaml:"base_prompt"`
	HistoryLimit int                `yaml:"history_limit"`
	MaxTokens    int                `yaml:"max_tokens"`
	Temperature  *float64           `yaml:"temperature"`
	Fallbacks    Fallbacks          `yaml:"fallbacks"`
	Quests       []quest.Definition `yaml:"quests"`
	Stages       []Stage            `yaml:"stages"`
	Triggers     []quest.Trigger    `yaml:"triggers"`
}

// Validate checks the persona and fills defaults.
//
// Postcondition: Returns nil iff ID and BasePrompt are set, quest names are
// unique and non-empty, and every stage condition and trigger names a
// declared quest.
func (p *Persona) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("persona: id must not be empty")
	}
	if strings.TrimSpace(p.BasePrompt) == "" {
		return fmt.Errorf("persona %q: base_prompt must not be empty", p.ID)
	}
	if p.HistoryLimit < 0 || p.MaxTokens < 0 {
		return fmt.Errorf("persona %q: history_limit and max_tokens must be >= 0", p.ID)
	}

	declared := make(map[string]bool, len(p.Quests))
	for _, q := range p.Quests {
		if q.Name == "" {
			return fmt.Errorf("persona %q: quest name must not be empty", p.ID)
		}
		if declared[q.Name] {
			return fmt.Errorf("persona %q: duplicate quest %q", p.ID, q.Name)
		}
		declared[q.Name] = true
	}
	for _, s := range p.Stages {
		for flag := range s.When {
			if !declared[flag] {
				return fmt.Errorf("persona %q: stage %q gates on undeclared quest %q", p.ID, s.ID, flag)
			}
		}
	}
	for _, t := range p.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("persona %q: %w", p.ID, err)
		}
		if !declared[t.Quest] {
			return fmt.Errorf("persona %q: trigger names undeclared quest %q", p.ID, t.Quest)
		}
	}

	if p.HistoryLimit == 0 {
		p.HistoryLimit = DefaultHistoryLimit
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Temperature == nil {
		t := DefaultTemperature
		p.Temperature = &t
	}
	if p.Fallbacks.NoCredential == "" {
		p.Fallbacks.NoCredential = DefaultNoCredentialLine
	}
	if p.Fallbacks.Failure == "" {
		p.Fallbacks.Failure = DefaultFailureLine
	}
	return nil
}

// SystemPrompt returns the base prompt followed by the rules of every stage
// that applies to flags, in catalogue order.
func (p *Persona) SystemPrompt(flags map[string]bool) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.BasePrompt))
	for _, s := range p.Stages {
		if !s.Applies(flags) {
			continue
		}
		rules := strings.TrimSpace(s.Rules)
		if rules == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(rules)
	}
	return sb.String()
}

// ActiveStages returns the ids of the stages that apply to flags.
func (p *Persona) ActiveStages(flags map[string]bool) []string {
	var ids []string
	for _, s := range p.Stages {
		if s.Applies(flags) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// SamplingTemperature returns the configured temperature.
func (p *Persona) SamplingTemperature() float64 {
	if p.Temperature == nil {
		return DefaultTemperature
	}
	return *p.Temperature
}

// LoadPersonaFromBytes parses and validates a persona from raw YAML bytes.
//
// Postcondition: Returns a validated *Persona with defaults filled, or an error.
func LoadPersonaFromBytes(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing persona YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPersona reads a persona YAML file.
//
// Precondition: path must be a readable file.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona %q: %w", path, err)
	}
	p, err := LoadPersonaFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return p, nil
}
