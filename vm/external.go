package vm

import (
	"strings"
)

// ExternalFunc implements a function scripts declare as living in an
// external library. Arguments arrive converted to their declared types.
type ExternalFunc func(args []*Value) (*Value, error)

// ExternalLibrary maps (library, function) pairs to Go implementations.
// Library names are matched case-insensitively.
type ExternalLibrary struct {
	funcs map[string]ExternalFunc
}

// NewExternalLibrary creates an empty library.
func NewExternalLibrary() *ExternalLibrary {
	return &ExternalLibrary{funcs: make(map[string]ExternalFunc)}
}

func externalKey(dll, name string) string {
	return strings.ToLower(dll) + "!" + name
}

// Register binds dll!name to fn.
func (l *ExternalLibrary) Register(dll, name string, fn ExternalFunc) {
	l.funcs[externalKey(dll, name)] = fn
}

// Lookup returns the implementation of dll!name.
func (l *ExternalLibrary) Lookup(dll, name string) (ExternalFunc, bool) {
	fn, ok := l.funcs[externalKey(dll, name)]
	return fn, ok
}

// Call pops the declared parameters of f from stack, runs the bound
// implementation and pushes its result converted to the declared return
// type. Failures are runtime errors and push Null.
func (l *ExternalLibrary) Call(s *Script, stack *Stack, f *ExternalFunction) {
	stack.CorrectParams(len(f.Params))
	args := make([]*Value, len(f.Params))
	for i, t := range f.Params {
		args[i] = convertExternal(t, stack.Pop())
	}

	fn, ok := l.Lookup(f.DLL, f.Name)
	if !ok {
		s.RuntimeError("Error invoking external function '%s' from library '%s': not available.", f.Name, f.DLL)
		stack.PushNull()
		return
	}
	res, err := fn(args)
	if err != nil {
		s.RuntimeError("External function '%s' from library '%s' failed: %v", f.Name, f.DLL, err)
		stack.PushNull()
		return
	}
	if res == nil || f.Returns == ExternalVoid {
		stack.PushNull()
		return
	}
	stack.Push(convertExternal(f.Returns, res))
}

// convertExternal coerces v to the external type t.
func convertExternal(t ExternalType, v *Value) *Value {
	switch t {
	case ExternalBool:
		return NewBool(v.Bool())
	case ExternalLong:
		return NewInt(int(int32(v.Int())))
	case ExternalByte:
		return NewInt(v.Int() & 0xFF)
	case ExternalString:
		return NewString(v.String())
	case ExternalFloat:
		return NewFloat(float64(float32(v.Float())))
	case ExternalDouble:
		return NewFloat(v.Float())
	case ExternalVoid:
		return NewValue()
	}
	return v.Clone()
}
