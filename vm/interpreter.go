package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// instruction is one decoded opcode with its operand.
type instruction struct {
	op   Opcode
	arg  uint32  // symbol index, address, int or dword operand
	num  float64 // PUSH_FLOAT
	str  string  // PUSH_STRING
	name string  // resolved symbol
}

// decode reads the instruction at ip and advances ip past it.
func (s *Script) decode() (instruction, error) {
	var in instruction
	c := newImageCursor(s.image.buf, s.ip)
	word, err := c.dword()
	if err != nil {
		return in, fmt.Errorf("%w: ip 0x%X past end of code", ErrInvalidInstruction, s.ip)
	}
	in.op = Opcode(word)
	if !in.op.Valid() {
		return in, fmt.Errorf("%w: opcode %d", ErrInvalidInstruction, word)
	}

	for _, kind := range in.op.Info().Operands {
		switch kind {
		case OperandSymbol:
			if in.arg, err = c.dword(); err != nil {
				return in, err
			}
			if in.name, err = s.image.Symbol(in.arg); err != nil {
				return in, err
			}
		case OperandAddress, OperandInt, OperandDword:
			if in.arg, err = c.dword(); err != nil {
				return in, err
			}
		case OperandFloat:
			if in.num, err = c.float(); err != nil {
				return in, err
			}
		case OperandString:
			if in.str, err = c.cstring(); err != nil {
				return in, err
			}
		}
	}
	s.ip = c.pos
	return in, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// ExecuteInstruction runs one bytecode instruction. Script faults are
// logged and recovered; only malformed bytecode returns an error, after
// moving the script to StateError.
func (s *Script) ExecuteInstruction() error {
	if s.image == nil {
		return s.fatal(fmt.Errorf("%w: no image", ErrInvalidInstruction))
	}
	in, err := s.decode()
	if err != nil {
		return s.fatal(err)
	}

	switch in.op {
	// --- Declarations ---
	case OpDefVar:
		if s.scopeStack.SP() < 0 {
			s.globals.SetProp(in.name, NewValue())
		} else {
			s.scopeStack.Top().SetProp(in.name, NewValue())
		}

	case OpDefGlobVar, OpDefConstVar:
		g := s.engine.globals
		if !g.PropExists(in.name) {
			if in.op == OpDefConstVar {
				g.SetConstProp(in.name, NewValue())
			} else {
				g.SetProp(in.name, NewValue())
			}
		}

	// --- Control flow ---
	case OpRet:
		if s.scopeStack.SP() >= 0 && s.callStack.SP() >= 0 {
			s.operand.SetNull()
			s.scopeStack.Pop()
			s.ip = uint32(s.callStack.Pop().Int())
			break
		}
		switch {
		case s.thread:
			s.state = StateThreadFinished
		case s.image.HasHandlers():
			s.state = StatePersistent
		default:
			s.state = StateFinished
		}

	case OpRetEvent:
		s.state = StateFinished

	case OpCall:
		s.callStack.PushInt(int(s.ip))
		s.ip = in.arg

	case OpCallByExp:
		s.callByExp()

	case OpExternalCall:
		s.externalCall(in.name)

	case OpScope:
		s.scopeStack.PushNull()

	case OpCorrectStack:
		s.stack.CorrectParams(int(in.arg))

	case OpCreateObject:
		s.stack.Push(NewObject())

	case OpPopEmpty:
		s.stack.Pop()

	case OpJmp:
		s.ip = in.arg

	case OpJmpFalse:
		val := s.stack.Pop()
		if s.stack.Underflowed() {
			s.stack.ClearUnderflow()
			s.RuntimeError("Script corruption detected. Did you use '=' instead of '==' for comparison?")
			break
		}
		if !val.Bool() {
			s.ip = in.arg
		}

	// --- Variables ---
	case OpPushVar:
		s.stack.Push(s.getVar(in.name))

	case OpPushVarRef:
		s.stack.Push(NewReference(s.getVar(in.name)))

	case OpPopVar:
		s.popVar(in.name)

	case OpPushVarThis:
		if top := s.thisStack.Top(); top != nil {
			s.stack.Push(top)
		} else {
			s.stack.PushNull()
		}

	case OpPushThisFromStack:
		if top := s.stack.Top(); top != nil {
			s.thisStack.Push(top)
		} else {
			s.thisStack.PushNull()
		}

	case OpPushThis:
		s.thisStack.Push(NewReference(s.getVar(in.name)))

	case OpPopThis:
		s.thisStack.Pop()

	case OpPushByExp:
		name := s.stack.Pop().String()
		obj := s.stack.Pop()
		if val := obj.GetProp(name); val != nil {
			s.stack.Push(val)
		} else {
			s.stack.PushNull()
		}

	case OpPopByExp:
		name := s.stack.Pop().String()
		obj := s.stack.Pop()
		val := s.stack.Pop()
		obj.SetProp(name, val.deref())

	// --- Literals ---
	case OpPushInt:
		s.stack.PushInt(int(int32(in.arg)))

	case OpPushBool:
		s.stack.PushBool(in.arg != 0)

	case OpPushFloat:
		s.stack.PushFloat(in.num)

	case OpPushString:
		s.stack.PushString(in.str)

	case OpPushNull:
		s.stack.PushNull()

	// --- Registers ---
	case OpPopReg1:
		s.reg1.Copy(s.stack.Pop())

	case OpPushReg1:
		s.stack.Push(s.reg1)

	// --- Arithmetic ---
	case OpAdd, OpSub, OpMul, OpDiv, OpModulo:
		op2 := s.stack.Pop()
		op1 := s.stack.Pop()
		result := s.arith(in.op, op1, op2)
		s.stack.Push(result)

	// --- Logic ---
	case OpNot:
		op1 := s.stack.Pop()
		if op1.IsNull() {
			s.stack.PushBool(true)
		} else {
			s.stack.PushBool(!op1.Bool())
		}

	case OpAnd, OpOr:
		op2 := s.stack.Pop()
		op1 := s.stack.Pop()
		if s.stack.Underflowed() {
			s.stack.ClearUnderflow()
			s.RuntimeError("Script corruption detected. Did you use '=' instead of '==' for comparison?")
			s.stack.PushBool(false)
			break
		}
		a, b := op1.Bool(), op2.Bool()
		if in.op == OpAnd {
			s.stack.PushBool(a && b)
		} else {
			s.stack.PushBool(a || b)
		}

	// --- Comparison ---
	case OpCmpEQ, OpCmpNE, OpCmpL, OpCmpG, OpCmpLE, OpCmpGE:
		op2 := s.stack.Pop()
		op1 := s.stack.Pop()
		s.stack.PushBool(relation(in.op, Compare(op1, op2)))

	case OpCmpStrictEQ, OpCmpStrictNE, OpCmpStrictL, OpCmpStrictG, OpCmpStrictLE, OpCmpStrictGE:
		op2 := s.stack.Pop()
		op1 := s.stack.Pop()
		s.stack.PushBool(relation(in.op, CompareStrict(op1, op2)))

	// --- Debugging ---
	case OpDbgLine:
		s.lineMarker(int(in.arg))

	default:
		return s.fatal(fmt.Errorf("%w: unhandled opcode %s", ErrInvalidInstruction, in.op))
	}

	return nil
}

// popVar assigns the top of the stack to the named variable.
func (s *Script) popVar(name string) {
	v := s.getVar(name)
	val := s.stack.Pop()
	if s.stack.Underflowed() {
		s.stack.ClearUnderflow()
		s.RuntimeError("Script stack corruption detected. Please report this script at WME bug reports forum.")
		v.SetNull()
		return
	}
	if v.IsConst && !v.IsNull() {
		s.RuntimeError("Cannot assign to constant '%s'. Ignored.", name)
		return
	}
	v.SetValue(val)
}

// arith applies an arithmetic opcode. Null on either side yields Null; ADD
// concatenates when either side is a string; two ints stay integral; the
// rest is float arithmetic. DIV always yields a float, even for two ints, as
// WinterMute's engine does; scripts depend on 7/2 being 3.5.
func (s *Script) arith(op Opcode, op1, op2 *Value) *Value {
	t1, t2 := op1.TypeTolerant(), op2.TypeTolerant()

	switch op {
	case OpDiv:
		if op2.Float() == 0 {
			s.RuntimeError("Division by zero.")
			return NewValue()
		}
	case OpModulo:
		if op2.Int() == 0 {
			s.RuntimeError("Division by zero.")
			return NewValue()
		}
	}

	if t1 == TypeNull || t2 == TypeNull {
		return NewValue()
	}

	bothInt := t1 == TypeInt && t2 == TypeInt
	switch op {
	case OpAdd:
		if t1 == TypeString || t2 == TypeString {
			return NewString(op1.String() + op2.String())
		}
		if bothInt {
			return NewInt(op1.Int() + op2.Int())
		}
		return NewFloat(op1.Float() + op2.Float())
	case OpSub:
		if bothInt {
			return NewInt(op1.Int() - op2.Int())
		}
		return NewFloat(op1.Float() - op2.Float())
	case OpMul:
		if bothInt {
			return NewInt(op1.Int() * op2.Int())
		}
		return NewFloat(op1.Float() * op2.Float())
	case OpDiv:
		return NewFloat(op1.Float() / op2.Float())
	case OpModulo:
		return NewInt(op1.Int() % op2.Int())
	}
	return NewValue()
}

// relation maps a three-way comparison result through a relational opcode.
func relation(op Opcode, c int) bool {
	switch op {
	case OpCmpEQ, OpCmpStrictEQ:
		return c == 0
	case OpCmpNE, OpCmpStrictNE:
		return c != 0
	case OpCmpL, OpCmpStrictL:
		return c < 0
	case OpCmpG, OpCmpStrictG:
		return c > 0
	case OpCmpLE, OpCmpStrictLE:
		return c <= 0
	case OpCmpGE, OpCmpStrictGE:
		return c >= 0
	}
	return false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// callByExp calls a method by name on an object: stack holds args, argc,
// object, name. A script handler on the target runs as a method thread the
// caller waits for; otherwise the native method is called.
func (s *Script) callByExp() {
	name := s.stack.Pop().String()
	obj := s.stack.Pop().deref()

	var native Scriptable
	if obj.typ == TypeNative {
		native = obj.native
	}

	triedNative := false
	if native != nil && s.thread && s.methodThread && name == s.threadEvent && native == s.owner {
		triedNative = true
		if native.CallMethod(s, s.stack, s.thisStack, name) {
			return
		}
	}

	if target, ok := native.(ScriptTarget); ok && target.CanHandleMethod(name) {
		if s.unbreakable {
			s.stack.CorrectParams(0)
			s.RuntimeError("Cannot call method '%s'. Ignored.", name)
			s.stack.PushNull()
			return
		}
		s.waitScript = target.InvokeMethodThread(name)
		if s.waitScript == nil {
			s.stack.CorrectParams(0)
			s.RuntimeError("Error invoking method '%s'.", name)
			s.stack.PushNull()
			return
		}
		s.state = StateWaitingScript
		s.waitScript.CopyParameters(s.stack)
		return
	}

	if native != nil && !triedNative {
		if native.CallMethod(s, s.stack, s.thisStack, name) {
			return
		}
	}
	s.stack.CorrectParams(0)
	s.RuntimeError("Call to undefined method '%s'. Ignored.", name)
	s.stack.PushNull()
}

// externalCall resolves a function called by name: functions the image
// declares from an external library, then engine builtins, then the host.
func (s *Script) externalCall(name string) {
	if f, ok := s.image.External(name); ok {
		s.engine.externals.Call(s, s.stack, f)
		return
	}
	if fn, ok := s.engine.builtins[name]; ok {
		fn(s, s.stack, s.thisStack)
		return
	}
	if s.engine.host.ExternalCall(s, s.stack, s.thisStack, name) {
		return
	}
	s.stack.CorrectParams(0)
	s.RuntimeError("Call to undefined function '%s'. Ignored.", name)
	s.stack.PushNull()
}

// lineMarker records a source line change and stops at breakpoints by
// sleeping for zero milliseconds.
func (s *Script) lineMarker(line int) {
	if line == s.currentLine {
		return
	}
	s.currentLine = line
	d := s.engine.debugger
	if !d.Enabled() {
		return
	}
	d.lineChanged(s)
	if s.breakpoints[line] || s.tracing {
		d.breakpointHit(s)
		if !s.unbreakable {
			s.Sleep(0)
		}
	}
}
