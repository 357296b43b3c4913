package dialogue

import (
	"context"
	"errors"

	"github.com/cory-johannsen/farmstead/internal/game/npc"
	"github.com/cory-johannsen/farmstead/internal/generation"
)

// Manager holds one History per connection and talks to the Generator.
//
// Manager is not safe for concurrent use. The room loop owns it and only the
// Generator call itself (Generate on the Request returned by Prepare) may run
// elsewhere; Apply must be called back on the owning goroutine.
type Manager struct {
	persona   *npc.Persona
	gen       generation.Generator
	histories map[string]*History
}

// NewManager creates a Manager for persona.
//
// Precondition: persona must be validated; gen must be non-nil.
func NewManager(persona *npc.Persona, gen generation.Generator) *Manager {
	return &Manager{
		persona:   persona,
		gen:       gen,
		histories: make(map[string]*History),
	}
}

// Generator returns the collaborator used for replies.
func (m *Manager) Generator() generation.Generator {
	return m.gen
}

// AppendUserTurn records text from id, creating the history on first use.
//
// Postcondition: History(id) ends with the user turn and holds at most the
// persona's history limit.
func (m *Manager) AppendUserTurn(id, text string) {
	h, ok := m.histories[id]
	if !ok {
		h = NewHistory(m.persona.HistoryLimit)
		m.histories[id] = h
	}
	h.Append(generation.Turn{Role: generation.RoleUser, Text: text})
}

// Prepare builds the generation request for id: the persona prompt with the
// stages selected by flags, and the full retained history.
func (m *Manager) Prepare(id string, flags map[string]bool) generation.Request {
	var turns []generation.Turn
	if h, ok := m.histories[id]; ok {
		turns = h.Turns()
	}
	return generation.Request{
		System:      m.persona.SystemPrompt(flags),
		Turns:       turns,
		MaxTokens:   m.persona.MaxTokens,
		Temperature: m.persona.SamplingTemperature(),
	}
}

// Apply folds a generation result back into id's history.
//
// Postcondition: On success the reply is appended as an assistant turn (when
// id still has a history) and returned with ok=true. On failure nothing is
// appended and the matching fallback line is returned with ok=false.
func (m *Manager) Apply(id, text string, err error) (reply string, ok bool) {
	if err != nil {
		if errors.Is(err, generation.ErrNoCredential) {
			return m.persona.Fallbacks.NoCredential, false
		}
		return m.persona.Fallbacks.Failure, false
	}
	if h, exists := m.histories[id]; exists {
		h.Append(generation.Turn{Role: generation.RoleAssistant, Text: text})
	}
	return text, true
}

// RequestReply runs Prepare, Generate and Apply in sequence on the calling
// goroutine. It never returns an error; failures become fallback lines.
func (m *Manager) RequestReply(ctx context.Context, id string, flags map[string]bool) string {
	text, err := m.gen.Generate(ctx, m.Prepare(id, flags))
	reply, _ := m.Apply(id, text, err)
	return reply
}

// History returns a copy of id's retained turns.
func (m *Manager) History(id string) []generation.Turn {
	if h, ok := m.histories[id]; ok {
		return h.Turns()
	}
	return nil
}

// Has reports whether id has a history.
func (m *Manager) Has(id string) bool {
	_, ok := m.histories[id]
	return ok
}

// Remove deletes id's history.
func (m *Manager) Remove(id string) {
	delete(m.histories, id)
}
