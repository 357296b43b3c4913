package quest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cory-johannsen/farmstead/internal/scripting"
)

// Trigger is a designed lexical signal: the keyword together with at least
// one support word marks Quest complete. Script, when set, is an additional
// Lua predicate that must also hold.
type Trigger struct {
	Quest   string   `yaml:"quest"`
	Keyword string   `yaml:"keyword"`
	Support []string `yaml:"support"`
	Script  string   `yaml:"script"`
}

// Validate checks the trigger's static shape.
func (t Trigger) Validate() error {
	var errs []error
	if t.Quest == "" {
		errs = append(errs, errors.New("quest must not be empty"))
	}
	if strings.TrimSpace(t.Keyword) == "" {
		errs = append(errs, errors.New("keyword must not be empty"))
	}
	if len(t.Support) == 0 {
		errs = append(errs, errors.New("support must list at least one word"))
	}
	for i, w := range t.Support {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Errorf("support[%d] must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("trigger %q: %w", t.Quest, errors.Join(errs...))
	}
	return nil
}

type compiledTrigger struct {
	quest     string
	keyword   string
	support   []string
	predicate *scripting.Predicate
}

// Evaluator detects quest signals in generated dialogue. It never touches
// State; callers decide what a signal means.
//
// An Evaluator is immutable and safe for concurrent use.
type Evaluator struct {
	triggers []compiledTrigger
}

// NewEvaluator validates and compiles triggers.
//
// Precondition: instLimit >= 0; 0 uses the scripting default.
// Postcondition: Returns an Evaluator or the first validation/compile error.
func NewEvaluator(triggers []Trigger, instLimit int) (*Evaluator, error) {
	ev := &Evaluator{triggers: make([]compiledTrigger, 0, len(triggers))}
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		ct := compiledTrigger{
			quest:   t.Quest,
			keyword: strings.ToLower(strings.TrimSpace(t.Keyword)),
			support: make([]string, 0, len(t.Support)),
		}
		for _, w := range t.Support {
			ct.support = append(ct.support, strings.ToLower(strings.TrimSpace(w)))
		}
		if t.Script != "" {
			p, err := scripting.CompilePredicate("trigger:"+t.Quest, t.Script, instLimit)
			if err != nil {
				return nil, fmt.Errorf("trigger %q: %w", t.Quest, err)
			}
			ct.predicate = p
		}
		ev.triggers = append(ev.triggers, ct)
	}
	return ev, nil
}

// Evaluate returns the quests signalled by text, in trigger order and without
// duplicates. Matching is case-insensitive substring matching. A predicate
// that errors counts as not holding.
func (e *Evaluator) Evaluate(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	seen := make(map[string]bool)
	for _, t := range e.triggers {
		if seen[t.quest] || !t.matches(lower) {
			continue
		}
		if t.predicate != nil {
			ok, err := t.predicate.Eval(lower)
			if err != nil || !ok {
				continue
			}
		}
		seen[t.quest] = true
		out = append(out, t.quest)
	}
	return out
}

func (t compiledTrigger) matches(lower string) bool {
	if !strings.Contains(lower, t.keyword) {
		return false
	}
	for _, w := range t.support {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
