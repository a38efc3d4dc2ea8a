package vm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Debugger: script lifecycle and breakpoint notifications
// ---------------------------------------------------------------------------

// Debugger receives notifications from the engine and scripts and forwards
// them to a client as DebugEvents. Breakpoint hits suspend the script for
// one tick; a client inspects it through Variables and CallStack.
type Debugger struct {
	active    bool
	eventChan chan DebugEvent
	mu        sync.Mutex
}

// ---------------------------------------------------------------------------
// Debug events for clients
// ---------------------------------------------------------------------------

// DebugEvent represents a debugging event sent to clients.
type DebugEvent struct {
	Type     string          // "scriptStarted", "threadStarted", "scriptFinished", "line", "breakpointHit", "runtimeError"
	Reason   string          // Additional context about the event
	Location *SourceLocation // Script position (if applicable)
}

// SourceLocation identifies a position in a running script.
type SourceLocation struct {
	Script   uuid.UUID
	Filename string
	Event    string // event or method name for threads
	Line     int
}

// StackFrame is one entry of a script's call stack.
type StackFrame struct {
	ID     int    // 0 is the innermost frame
	Return uint32 // return address, 0 for the outermost frame
	Locals int    // number of scope locals
}

// Variable represents a variable for inspection.
type Variable struct {
	Name  string // Variable name
	Value string // String representation of value
	Type  string // Type name
	Scope string // "local", "script" or "global"
}

// Breakpoint is a set of lines in one script file.
type Breakpoint struct {
	Filename string
	Lines    []int
}

// NewDebugger creates an inactive debugger.
func NewDebugger() *Debugger {
	return &Debugger{
		eventChan: make(chan DebugEvent, 64),
	}
}

// Activate enables notifications and breakpoints.
func (d *Debugger) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
}

// Deactivate disables notifications and breakpoints.
func (d *Debugger) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
}

// Enabled reports whether the debugger is active.
func (d *Debugger) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Events returns the event channel for receiving debug events.
func (d *Debugger) Events() <-chan DebugEvent {
	return d.eventChan
}

// StepInto stops s at every line change until StopStepping.
func (d *Debugger) StepInto(s *Script) {
	s.SetTracing(true)
}

// StopStepping returns s to breakpoint-only stops.
func (d *Debugger) StopStepping(s *Script) {
	s.SetTracing(false)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Variables returns the variables visible to s: innermost scope locals,
// script globals, then engine globals.
func (d *Debugger) Variables(s *Script) []Variable {
	var vars []Variable
	add := func(ns *Value, scope string) {
		if ns == nil {
			return
		}
		for _, name := range ns.PropNames() {
			v := ns.GetProp(name)
			vars = append(vars, Variable{
				Name:  name,
				Value: formatValue(v),
				Type:  v.TypeTolerant().String(),
				Scope: scope,
			})
		}
	}
	if s.scopeStack.SP() >= 0 {
		add(s.scopeStack.Top(), "local")
	}
	add(s.globals, "script")
	add(s.engine.globals, "global")
	return vars
}

// CallStack returns the frames of s, innermost first.
func (d *Debugger) CallStack(s *Script) []StackFrame {
	frames := make([]StackFrame, 0, s.callStack.Len()+1)
	scopes := s.scopeStack.Values()
	returns := s.callStack.Values()
	id := 0
	for i := len(returns) - 1; i >= 0; i-- {
		f := StackFrame{ID: id, Return: uint32(returns[i].Int())}
		if j := len(scopes) - 1 - id; j >= 0 {
			f.Locals = scopes[j].NumProps()
		}
		frames = append(frames, f)
		id++
	}
	outer := StackFrame{ID: id}
	if j := len(scopes) - 1 - id; j >= 0 {
		outer.Locals = scopes[j].NumProps()
	}
	return append(frames, outer)
}

// formatValue returns a string representation of a value for display.
func formatValue(v *Value) string {
	switch v.TypeTolerant() {
	case TypeNull:
		return "null"
	case TypeString:
		return fmt.Sprintf("%q", v.String())
	case TypeObject:
		return fmt.Sprintf("[object, %d properties]", v.NumProps())
	case TypeNative:
		if n := v.Native(); n != nil {
			return fmt.Sprintf("[native %s]", n.ClassName())
		}
		return "[native]"
	default:
		return v.String()
	}
}

// sendEvent sends a debug event to listeners.
func (d *Debugger) sendEvent(event DebugEvent) {
	select {
	case d.eventChan <- event:
	default:
		// Channel full, drop event
	}
}

func location(s *Script) *SourceLocation {
	return &SourceLocation{
		Script:   s.ID,
		Filename: s.filename,
		Event:    s.threadEvent,
		Line:     s.currentLine,
	}
}

// ---------------------------------------------------------------------------
// Engine and interpreter hooks
// ---------------------------------------------------------------------------

func (d *Debugger) scriptStarted(s *Script) {
	if d.Enabled() {
		d.sendEvent(DebugEvent{Type: "scriptStarted", Location: location(s)})
	}
}

func (d *Debugger) scriptThreadStarted(t, parent *Script) {
	if d.Enabled() {
		d.sendEvent(DebugEvent{Type: "threadStarted", Reason: parent.ID.String(), Location: location(t)})
	}
}

func (d *Debugger) scriptFinished(s *Script) {
	if d.Enabled() {
		d.sendEvent(DebugEvent{Type: "scriptFinished", Reason: s.state.String(), Location: location(s)})
	}
}

func (d *Debugger) lineChanged(s *Script) {
	if s.tracing {
		d.sendEvent(DebugEvent{Type: "line", Location: location(s)})
	}
}

func (d *Debugger) breakpointHit(s *Script) {
	reason := "breakpoint"
	if s.tracing {
		reason = "step"
	}
	d.sendEvent(DebugEvent{Type: "breakpointHit", Reason: reason, Location: location(s)})
}

func (d *Debugger) runtimeError(s *Script, msg string) {
	if d.Enabled() {
		d.sendEvent(DebugEvent{Type: "runtimeError", Reason: msg, Location: location(s)})
	}
}
