package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Test host and fixtures
// ---------------------------------------------------------------------------

type testHost struct {
	*ObjectRegistry
	files    map[string][]byte
	messages []string
	calls    []string
}

func newTestHost() *testHost {
	return &testHost{
		ObjectRegistry: NewObjectRegistry(),
		files:          make(map[string][]byte),
	}
}

func (h *testHost) ReadFile(filename string) ([]byte, error) {
	data, ok := h.files[filename]
	if !ok {
		return nil, ErrScriptNotFound
	}
	return data, nil
}

func (h *testHost) ValidObject(obj Scriptable) bool {
	return h.Valid(obj)
}

// ExternalCall implements a single game-level function, Echo(x), that
// returns its argument.
func (h *testHost) ExternalCall(s *Script, stack *Stack, thisStack *Stack, name string) bool {
	h.calls = append(h.calls, name)
	if name != "Echo" {
		return false
	}
	stack.CorrectParams(1)
	stack.Push(stack.Pop())
	return true
}

func (h *testHost) QuickMessage(text string) {
	h.messages = append(h.messages, text)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *testHost, *ManualClock) {
	t.Helper()
	host := newTestHost()
	clock := &ManualClock{Game: 1000, Wall: 1000}
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewEngine(host, opts...), host, clock
}

// runImage installs the image under filename and starts it with no owner.
func runImage(t *testing.T, e *Engine, host *testHost, filename string, b *ImageBuilder) *Script {
	t.Helper()
	host.files[filename] = b.Build()
	s, err := e.RunScript(filename, nil)
	if err != nil {
		t.Fatalf("RunScript(%s) failed: %v", filename, err)
	}
	return s
}

// global returns a script global, failing if it does not exist.
func global(t *testing.T, s *Script, name string) *Value {
	t.Helper()
	v := s.Globals().GetProp(name)
	if v == nil {
		t.Fatalf("global %q not defined", name)
	}
	return v
}

// assign emits "name = <value already on the stack>" for a script global.
func assign(b *ImageBuilder, name string) {
	b.EmitSymbol(OpPopVar, name)
}

// sleepFor emits Sleep(ms) discarding the result.
func sleepFor(b *ImageBuilder, ms int32) {
	b.EmitInt(ms)
	b.EmitExternalCall("Sleep", 1)
	b.Emit(OpPopEmpty)
}
