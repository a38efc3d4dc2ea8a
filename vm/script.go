package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Script state machine
// ---------------------------------------------------------------------------

// ScriptState is the scheduling state of a script instance.
type ScriptState int

const (
	StateRunning ScriptState = iota
	StateWaiting
	StateSleeping
	StateFinished
	StatePersistent
	StateError
	StatePaused
	StateWaitingScript
	StateThreadFinished
)

var stateNames = [...]string{
	StateRunning:        "running",
	StateWaiting:        "waiting",
	StateSleeping:       "sleeping",
	StateFinished:       "finished",
	StatePersistent:     "persistent",
	StateError:          "error",
	StatePaused:         "paused",
	StateWaitingScript:  "waiting-script",
	StateThreadFinished: "thread-finished",
}

// String implements the Stringer interface.
func (st ScriptState) String() string {
	if st >= 0 && int(st) < len(stateNames) {
		return stateNames[st]
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// Terminal reports whether the engine reaps scripts in this state.
func (st ScriptState) Terminal() bool {
	return st == StateFinished || st == StateError
}

var (
	// ErrUnbreakable is returned when a suspension is requested from a
	// script that must run to completion.
	ErrUnbreakable = errors.New("script cannot be interrupted")
	// ErrNoHandler is returned when an event or method is not declared.
	ErrNoHandler = errors.New("no such handler")
	// ErrInvalidInstruction marks a fatal bytecode fault.
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// ---------------------------------------------------------------------------
// Script
// ---------------------------------------------------------------------------

// Script is one execution context over a shared compiled image: instruction
// pointer, private stacks, registers, and suspension parameters.
type Script struct {
	ID uuid.UUID

	engine   *Engine
	image    *CompiledImage
	filename string

	ip          uint32
	currentLine int

	stack      *Stack
	callStack  *Stack
	thisStack  *Stack
	scopeStack *Stack

	// globals is shared by reference with every thread spawned from the
	// top-level instance.
	globals *Value
	operand *Value
	reg1    *Value

	state     ScriptState
	origState ScriptState

	waitObject Scriptable
	waitTime   uint32
	waitFrozen bool
	waitScript *Script

	timeSlice uint32

	thread       bool
	methodThread bool
	threadEvent  string
	parent       *Script

	unbreakable bool
	freezable   bool
	owner       Scriptable

	breakpoints map[int]bool
	tracing     bool
}

func newScript(e *Engine) *Script {
	return &Script{
		ID:         uuid.New(),
		engine:     e,
		stack:      NewStack(),
		callStack:  NewStack(),
		thisStack:  NewStack(),
		scopeStack: NewStack(),
		operand:    NewValue(),
		reg1:       NewValue(),
		state:      StateFinished,
		origState:  StateRunning,
		freezable:  true,
	}
}

// create binds the script to an image and owner and positions it at the
// entry point.
func (s *Script) create(filename string, img *CompiledImage, owner Scriptable) {
	s.filename = filename
	s.image = img
	s.owner = owner
	s.globals = NewObject()
	s.ip = img.Header.CodeStart
	s.state = StateRunning

	var self *Value
	if owner != nil {
		self = NewNative(owner, true)
	} else {
		self = NewValue()
	}
	s.globals.SetProp("self", self)
	s.globals.SetProp("this", self)

	s.refreshBreakpoints()
}

// createThread initialises s as a thread of parent starting at pos.
func (s *Script) createThread(parent *Script, pos uint32, event string) {
	s.filename = parent.filename
	s.image = parent.image
	s.owner = parent.owner
	s.globals = parent.globals
	s.ip = pos
	s.thread = true
	s.threadEvent = event
	s.parent = parent
	s.freezable = parent.freezable
	s.state = StateRunning
	s.breakpoints = parent.breakpoints
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Script) Filename() string        { return s.filename }
func (s *Script) Image() *CompiledImage   { return s.image }
func (s *Script) State() ScriptState      { return s.state }
func (s *Script) Line() int               { return s.currentLine }
func (s *Script) IP() uint32              { return s.ip }
func (s *Script) Owner() Scriptable       { return s.owner }
func (s *Script) Engine() *Engine         { return s.engine }
func (s *Script) Stack() *Stack           { return s.stack }
func (s *Script) ThisStack() *Stack       { return s.thisStack }
func (s *Script) Globals() *Value         { return s.globals }
func (s *Script) IsThread() bool          { return s.thread }
func (s *Script) IsMethodThread() bool    { return s.methodThread }
func (s *Script) ThreadEvent() string     { return s.threadEvent }
func (s *Script) Parent() *Script         { return s.parent }
func (s *Script) WaitScript() *Script     { return s.waitScript }
func (s *Script) WaitObject() Scriptable  { return s.waitObject }
func (s *Script) WaitTime() uint32        { return s.waitTime }
func (s *Script) Unbreakable() bool       { return s.unbreakable }
func (s *Script) Freezable() bool         { return s.freezable }
func (s *Script) TimeSlice() uint32       { return s.timeSlice }
func (s *Script) SetUnbreakable(b bool)   { s.unbreakable = b }
func (s *Script) SetTimeSlice(ms uint32)  { s.timeSlice = ms }
func (s *Script) SetTracing(enabled bool) { s.tracing = enabled }

// SetFreezable sets whether PauseAll affects the script. Clearing it on a
// paused script resumes it.
func (s *Script) SetFreezable(freezable bool) {
	s.freezable = freezable
	if !freezable && s.state == StatePaused {
		s.Resume()
	}
}

// String implements the Stringer interface.
func (s *Script) String() string {
	kind := "script"
	switch {
	case s.methodThread:
		kind = "method " + s.threadEvent
	case s.thread:
		kind = "event " + s.threadEvent
	}
	return fmt.Sprintf("%s (%s, %s)", s.filename, kind, s.state)
}

// ---------------------------------------------------------------------------
// Suspension
// ---------------------------------------------------------------------------

// Run marks the script runnable.
func (s *Script) Run() {
	s.state = StateRunning
}

// Sleep suspends the script for ms milliseconds of game time, or wall time
// while the clock is frozen.
func (s *Script) Sleep(ms uint32) error {
	if s.unbreakable {
		s.RuntimeError("Script cannot be interrupted.")
		return ErrUnbreakable
	}
	s.state = StateSleeping
	clock := s.engine.clock
	if clock.Frozen() {
		s.waitTime = clock.WallTime() + ms
		s.waitFrozen = true
	} else {
		s.waitTime = clock.GameTime() + ms
		s.waitFrozen = false
	}
	return nil
}

// WaitFor suspends the script until obj reports ready.
func (s *Script) WaitFor(obj Scriptable) error {
	if s.unbreakable {
		s.RuntimeError("Script cannot WaitFor(), it's unbreakable.")
		return ErrUnbreakable
	}
	s.state = StateWaiting
	s.waitObject = obj
	return nil
}

// WaitForExclusive resets every other script waiting on obj, then waits.
func (s *Script) WaitForExclusive(obj Scriptable) error {
	s.engine.ResetObject(obj)
	return s.WaitFor(obj)
}

// Pause freezes a freezable script, remembering its state.
func (s *Script) Pause() {
	if s.state == StatePaused {
		engineLog.Warningf("Attempting to pause a paused script ('%s', line %d)", s.filename, s.currentLine)
		return
	}
	if !s.freezable {
		return
	}
	s.origState = s.state
	s.state = StatePaused
}

// Resume restores the state saved by Pause.
func (s *Script) Resume() {
	if s.state != StatePaused {
		return
	}
	s.state = s.origState
}

// Finish terminates the script. With includingThreads, every thread of the
// same owner and file is finished too.
func (s *Script) Finish(includingThreads bool) {
	if s.state != StateFinished && includingThreads {
		s.state = StateFinished
		for _, other := range s.engine.scripts {
			if other == s || !other.thread || other.state == StateFinished {
				continue
			}
			if other.owner == s.owner && strings.EqualFold(other.filename, s.filename) {
				other.Finish(true)
			}
		}
		return
	}
	s.state = StateFinished
}

// resumeWith pushes a result from a finished child and makes s runnable.
func (s *Script) resumeWith(result *Value) {
	if result == nil {
		s.stack.PushNull()
	} else {
		s.stack.Push(result)
	}
	s.waitScript = nil
	s.Run()
}

// ---------------------------------------------------------------------------
// Events, methods and threads
// ---------------------------------------------------------------------------

// CanHandleEvent reports whether the image declares the event.
func (s *Script) CanHandleEvent(name string) bool {
	if s.image == nil {
		return false
	}
	_, ok := s.image.EventPos(name)
	return ok
}

// CanHandleMethod reports whether the image declares the method.
func (s *Script) CanHandleMethod(name string) bool {
	if s.image == nil {
		return false
	}
	_, ok := s.image.MethodPos(name)
	return ok
}

// InvokeEventHandler spawns a thread running the named event handler and
// registers it with the engine.
func (s *Script) InvokeEventHandler(name string, unbreakable bool) (*Script, error) {
	if s.image == nil {
		return nil, fmt.Errorf("event '%s': %w", name, ErrNoHandler)
	}
	pos, ok := s.image.EventPos(name)
	if !ok {
		return nil, fmt.Errorf("event '%s': %w", name, ErrNoHandler)
	}
	t := newScript(s.engine)
	t.createThread(s, pos, name)
	t.unbreakable = unbreakable
	s.engine.addScript(t)
	s.engine.debugger.scriptThreadStarted(t, s)
	return t, nil
}

// InvokeMethodThread spawns a method thread for name and registers it, or
// returns nil when the method is not declared.
func (s *Script) InvokeMethodThread(name string) *Script {
	if s.image == nil {
		return nil
	}
	pos, ok := s.image.MethodPos(name)
	if !ok {
		return nil
	}
	t := newScript(s.engine)
	t.createThread(s, pos, name)
	t.methodThread = true
	s.engine.addScript(t)
	s.engine.debugger.scriptThreadStarted(t, s)
	return t
}

// CopyParameters moves a call's arguments and their count from stack onto
// the script's own stack, preserving order.
func (s *Script) CopyParameters(stack *Stack) {
	n := stack.Pop().Int()
	if n < 0 {
		n = 0
	}
	if n > stack.Len() {
		n = stack.Len()
	}
	for i := n - 1; i >= 0; i-- {
		s.stack.Push(stack.At(i))
	}
	s.stack.PushInt(n)
	for i := 0; i < n; i++ {
		stack.Pop()
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

// getVar resolves name through scope locals, script globals and engine
// globals. An unknown name is created as Null in the innermost namespace.
func (s *Script) getVar(name string) *Value {
	var v *Value
	if s.scopeStack.SP() >= 0 {
		v = s.scopeStack.Top().GetProp(name)
	}
	if v == nil {
		v = s.globals.GetProp(name)
	}
	if v == nil {
		v = s.engine.globals.GetProp(name)
	}
	if v != nil {
		return v
	}

	vmLog.Warningf("Variable '%s' is inaccessible in the current block. Consider changing the script.", name)
	vmLog.Warningf("  Script '%s', line %d", s.filename, s.currentLine)
	ns := s.globals
	if s.scopeStack.SP() >= 0 {
		ns = s.scopeStack.Top()
	}
	ns.SetProp(name, NewValue())
	return ns.GetProp(name)
}

// Var returns the named variable the way a script would see it, without
// creating it.
func (s *Script) Var(name string) *Value {
	if s.scopeStack.SP() >= 0 {
		if v := s.scopeStack.Top().GetProp(name); v != nil {
			return v
		}
	}
	if v := s.globals.GetProp(name); v != nil {
		return v
	}
	return s.engine.globals.GetProp(name)
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// RuntimeError reports a recoverable script fault with file and line.
func (s *Script) RuntimeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	vmLog.Errorf("Runtime error. Script '%s', line %d", s.filename, s.currentLine)
	vmLog.Errorf("  %s", msg)
	s.engine.scriptError(s, msg)
}

// fatal moves the script to the error state.
func (s *Script) fatal(err error) error {
	vmLog.Errorf("Fatal: %v. Script '%s', line %d, ip 0x%X", err, s.filename, s.currentLine, s.ip)
	s.state = StateError
	return fmt.Errorf("script '%s' line %d: %w", s.filename, s.currentLine, err)
}

// refreshBreakpoints copies the engine's breakpoint lines for this file.
func (s *Script) refreshBreakpoints() {
	s.breakpoints = s.engine.breakpointLines(s.filename)
}
