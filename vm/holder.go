package vm

import (
	"fmt"
	"slices"
	"strings"
)

// ---------------------------------------------------------------------------
// ScriptHolder: scripts attached to a host object
// ---------------------------------------------------------------------------

// ScriptHolder keeps the top-level scripts attached to one host object and
// dispatches events and method threads to them. Host objects embed it and
// pass themselves as self.
type ScriptHolder struct {
	engine    *Engine
	self      Scriptable
	scripts   []*Script
	freezable bool
}

// NewScriptHolder creates a holder for self.
func NewScriptHolder(e *Engine, self Scriptable) *ScriptHolder {
	return &ScriptHolder{engine: e, self: self, freezable: true}
}

// AddScript attaches and starts filename. Attaching a file that is already
// running is a no-op returning the running script.
func (h *ScriptHolder) AddScript(filename string) (*Script, error) {
	for _, s := range h.scripts {
		if s.state != StateFinished && strings.EqualFold(s.filename, filename) {
			engineLog.Warningf("AddScript - trying to add script '%s' multiple times (obj: '%s')", filename, h.self.ClassName())
			return s, nil
		}
	}
	s, err := h.engine.RunScript(filename, h.self)
	if err != nil {
		return nil, err
	}
	s.freezable = h.freezable
	h.scripts = append(h.scripts, s)
	return s, nil
}

// RemoveScript forgets s. The engine calls it when reaping.
func (h *ScriptHolder) RemoveScript(s *Script) {
	if i := slices.Index(h.scripts, s); i >= 0 {
		h.scripts = slices.Delete(h.scripts, i, i+1)
	}
}

// AdoptScript attaches a script restored from a save game.
func (h *ScriptHolder) AdoptScript(s *Script) {
	if !slices.Contains(h.scripts, s) {
		h.scripts = append(h.scripts, s)
	}
}

// DetachScript finishes the scripts running filename.
func (h *ScriptHolder) DetachScript(filename string, killThreads bool) bool {
	found := false
	for _, s := range slices.Clone(h.scripts) {
		if !strings.EqualFold(s.filename, filename) {
			continue
		}
		s.Finish(killThreads)
		h.RemoveScript(s)
		found = true
	}
	return found
}

// Scripts returns the attached scripts.
func (h *ScriptHolder) Scripts() []*Script {
	return slices.Clone(h.scripts)
}

// IsScriptRunning reports whether filename is attached and alive.
func (h *ScriptHolder) IsScriptRunning(filename string) bool {
	for _, s := range h.scripts {
		if strings.EqualFold(s.filename, filename) && !s.state.Terminal() {
			return true
		}
	}
	return false
}

// SetFreezable sets the freezable flag of every attached script.
func (h *ScriptHolder) SetFreezable(freezable bool) {
	h.freezable = freezable
	for _, s := range h.scripts {
		s.SetFreezable(freezable)
	}
}

// ApplyEvent starts a handler thread for name in every attached script
// declaring it and returns how many were started. Unbreakable handlers run
// to completion before ApplyEvent returns.
func (h *ScriptHolder) ApplyEvent(name string, unbreakable bool) int {
	n := 0
	for _, s := range slices.Clone(h.scripts) {
		if s.thread || s.state.Terminal() {
			continue
		}
		if _, err := s.InvokeEventHandler(name, unbreakable); err == nil {
			n++
		}
	}
	if n > 0 && unbreakable {
		h.engine.TickUnbreakable()
	}
	return n
}

// CanHandleEvent reports whether any attached script declares the event.
func (h *ScriptHolder) CanHandleEvent(name string) bool {
	for _, s := range h.scripts {
		if !s.thread && s.CanHandleEvent(name) {
			return true
		}
	}
	return false
}

// CanHandleMethod reports whether any attached script declares the method.
func (h *ScriptHolder) CanHandleMethod(name string) bool {
	for _, s := range h.scripts {
		if !s.thread && s.CanHandleMethod(name) {
			return true
		}
	}
	return false
}

// InvokeMethodThread starts name in the most recently attached script
// declaring it.
func (h *ScriptHolder) InvokeMethodThread(name string) *Script {
	for i := len(h.scripts) - 1; i >= 0; i-- {
		if s := h.scripts[i]; !s.thread && s.CanHandleMethod(name) {
			return s.InvokeMethodThread(name)
		}
	}
	return nil
}

// callMethod implements the script-visible holder methods.
func (h *ScriptHolder) callMethod(stack *Stack, name string) bool {
	switch name {
	case "ApplyEvent":
		stack.CorrectParams(1)
		event := stack.Pop().String()
		stack.PushBool(h.ApplyEvent(event, false) > 0)

	case "CanHandleEvent":
		stack.CorrectParams(1)
		stack.PushBool(h.CanHandleEvent(stack.Pop().String()))

	case "CanHandleMethod":
		stack.CorrectParams(1)
		stack.PushBool(h.CanHandleMethod(stack.Pop().String()))

	case "AttachScript":
		stack.CorrectParams(1)
		_, err := h.AddScript(stack.Pop().String())
		stack.PushBool(err == nil)

	case "DetachScript":
		stack.CorrectParams(2)
		filename := stack.Pop().String()
		killThreads := stack.Pop().BoolOr(false)
		stack.PushBool(h.DetachScript(filename, killThreads))

	case "IsScriptRunning":
		stack.CorrectParams(1)
		stack.PushBool(h.IsScriptRunning(stack.Pop().String()))

	default:
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// ScriptObject: generic scriptable host object
// ---------------------------------------------------------------------------

// ScriptObject is a host object with a property bag, a name-keyed table of
// native methods and attached scripts. Headless hosts and tests use it as
// script owner and wait target.
type ScriptObject struct {
	*ScriptHolder

	name    string
	props   *Value
	methods map[string]BuiltinFunc
	ready   bool
}

// NewScriptObject creates an object registered with e. It starts ready.
func NewScriptObject(e *Engine, name string) *ScriptObject {
	o := &ScriptObject{
		name:    name,
		props:   NewObject(),
		methods: make(map[string]BuiltinFunc),
		ready:   true,
	}
	o.ScriptHolder = NewScriptHolder(e, o)
	return o
}

// Name returns the object name.
func (o *ScriptObject) Name() string { return o.name }

// ClassName implements Scriptable.
func (o *ScriptObject) ClassName() string { return "object" }

// SetReady sets what IsReady reports to waiting scripts.
func (o *ScriptObject) SetReady(ready bool) { o.ready = ready }

// IsReady implements Waitable.
func (o *ScriptObject) IsReady() bool { return o.ready }

// DefineMethod adds a native method.
func (o *ScriptObject) DefineMethod(name string, fn BuiltinFunc) {
	o.methods[name] = fn
}

// Props returns the property bag.
func (o *ScriptObject) Props() *Value { return o.props }

// GetProperty implements Scriptable.
func (o *ScriptObject) GetProperty(name string) (*Value, bool) {
	switch name {
	case "Type":
		return NewString("object"), true
	case "Name":
		return NewString(o.name), true
	}
	if v := o.props.GetProp(name); v != nil {
		return v, true
	}
	return nil, false
}

// SetProperty implements Scriptable.
func (o *ScriptObject) SetProperty(name string, v *Value) bool {
	if name == "Name" {
		o.name = v.String()
		return true
	}
	o.props.SetProp(name, v)
	return true
}

// CallMethod implements Scriptable.
func (o *ScriptObject) CallMethod(s *Script, stack *Stack, thisStack *Stack, name string) bool {
	if fn, ok := o.methods[name]; ok {
		fn(s, stack, thisStack)
		return true
	}
	return o.ScriptHolder.callMethod(stack, name)
}

// ScToString implements NativeConverter.
func (o *ScriptObject) ScToString() string { return fmt.Sprintf("[object %s]", o.name) }

// ScToInt implements NativeConverter.
func (o *ScriptObject) ScToInt() int { return 0 }

// ScToFloat implements NativeConverter.
func (o *ScriptObject) ScToFloat() float64 { return 0 }

// ScToBool implements NativeConverter.
func (o *ScriptObject) ScToBool() bool { return true }
