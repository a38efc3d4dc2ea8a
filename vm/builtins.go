package vm

import (
	"math/rand/v2"
)

// registerBuiltins installs the engine-level functions every script can
// call by name.
func registerBuiltins(e *Engine) {
	e.builtins["Sleep"] = builtinSleep
	e.builtins["WaitFor"] = builtinWaitFor
	e.builtins["WaitForExclusive"] = builtinWaitFor
	e.builtins["SetScriptTimeSlice"] = builtinSetScriptTimeSlice
	e.builtins["Random"] = builtinRandom
	e.builtins["ToString"] = builtinToString
	e.builtins["ToInt"] = builtinToInt
	e.builtins["ToFloat"] = builtinToFloat
	e.builtins["ToBool"] = builtinToBool
	e.builtins["IsNull"] = builtinIsNull
}

// Sleep(ms)
func builtinSleep(s *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	ms := stack.Pop().Int()
	if ms < 0 {
		ms = 0
	}
	s.Sleep(uint32(ms))
	stack.PushNull()
}

// WaitFor(object) waits exclusively: other scripts waiting on the same
// object are reset.
func builtinWaitFor(s *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	obj := stack.Pop().Native()
	if obj != nil && s.engine.host.ValidObject(obj) {
		s.WaitForExclusive(obj)
	}
	stack.PushNull()
}

// SetScriptTimeSlice(ms)
func builtinSetScriptTimeSlice(s *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	ms := stack.Pop().Int()
	if ms < 0 {
		ms = 0
	}
	s.SetTimeSlice(uint32(ms))
	stack.PushNull()
}

// Random(from, to) returns an int in [from, to].
func builtinRandom(s *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(2)
	from := stack.Pop().Int()
	to := stack.Pop().Int()
	if to < from {
		from, to = to, from
	}
	// The span is computed modulo 2^64; it wraps to 0 only for the full range.
	span := uint64(to) - uint64(from) + 1
	if span == 0 {
		s.RuntimeError("Random: range %d..%d is too large", from, to)
		stack.PushInt(from)
		return
	}
	stack.PushInt(from + int(rand.Uint64N(span)))
}

func builtinToString(_ *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	stack.PushString(stack.Pop().String())
}

func builtinToInt(_ *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	stack.PushInt(stack.Pop().Int())
}

func builtinToFloat(_ *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	stack.PushFloat(stack.Pop().Float())
}

func builtinToBool(_ *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	stack.PushBool(stack.Pop().Bool())
}

func builtinIsNull(_ *Script, stack *Stack, _ *Stack) {
	stack.CorrectParams(1)
	stack.PushBool(stack.Pop().IsNull())
}
