package scripting

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Predicate is a compiled Lua chunk that decides a boolean over a piece of text.
//
// The chunk runs with the global `text` bound to the lower-cased input and a
// helper `has(word)` reporting whether word occurs in it. The chunk's first
// return value is interpreted with Lua truthiness.
//
// A Predicate is immutable and safe for concurrent use; each evaluation runs
// in a fresh sandboxed state.
type Predicate struct {
	name  string
	proto *lua.FunctionProto
	limit int
}

// CompilePredicate parses and compiles src.
//
// Precondition: src must be a valid Lua chunk.
// Postcondition: Returns a Predicate or a compile error naming the chunk.
func CompilePredicate(name, src string, instLimit int) (*Predicate, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("parsing predicate %q: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compiling predicate %q: %w", name, err)
	}
	return &Predicate{name: name, proto: proto, limit: instLimit}, nil
}

// Name returns the chunk name given at compile time.
func (p *Predicate) Name() string {
	return p.name
}

// Eval runs the predicate against text.
//
// Postcondition: Returns the predicate's verdict, or an error when the chunk
// raises or exhausts its instruction budget.
func (p *Predicate) Eval(text string) (bool, error) {
	L := NewSandboxedState(p.limit)
	defer L.Close()

	lower := strings.ToLower(text)
	L.SetGlobal("text", lua.LString(lower))
	L.SetGlobal("has", L.NewFunction(func(L *lua.LState) int {
		word := strings.ToLower(L.CheckString(1))
		L.Push(lua.LBool(strings.Contains(lower, word)))
		return 1
	}))

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("evaluating predicate %q: %w", p.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}
