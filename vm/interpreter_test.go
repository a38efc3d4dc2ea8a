package vm

import (
	"testing"
)

// defVars declares script globals.
func defVars(b *ImageBuilder, names ...string) {
	for _, n := range names {
		b.EmitSymbol(OpDefVar, n)
	}
}

// runToEnd runs a single-tick program and returns its script.
func runToEnd(t *testing.T, b *ImageBuilder) (*Script, *Engine, *testHost) {
	t.Helper()
	e, host, _ := newTestEngine(t)
	s := runImage(t, e, host, "test.script", b)
	e.Tick()
	return s, e, host
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func TestArithmeticTyping(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "concat", "intSum", "floatSum", "quot", "rem", "diff", "nullSum", "prod")

	b.EmitInt(5)
	b.EmitString("3")
	b.Emit(OpAdd)
	assign(b, "concat")

	b.EmitInt(5)
	b.EmitInt(3)
	b.Emit(OpAdd)
	assign(b, "intSum")

	b.EmitFloat(5.0)
	b.EmitInt(3)
	b.Emit(OpAdd)
	assign(b, "floatSum")

	b.EmitInt(7)
	b.EmitInt(2)
	b.Emit(OpDiv)
	assign(b, "quot")

	b.EmitInt(7)
	b.EmitInt(3)
	b.Emit(OpModulo)
	assign(b, "rem")

	b.EmitInt(2)
	b.EmitFloat(1.5)
	b.Emit(OpSub)
	assign(b, "diff")

	b.Emit(OpPushNull)
	b.EmitInt(1)
	b.Emit(OpAdd)
	assign(b, "nullSum")

	b.EmitInt(-4)
	b.EmitInt(6)
	b.Emit(OpMul)
	assign(b, "prod")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if s.State() != StateFinished {
		t.Fatalf("state = %v, want finished", s.State())
	}

	if v := global(t, s, "concat"); !v.IsString() || v.String() != "53" {
		t.Errorf("5 + \"3\" = %#v, want \"53\"", v)
	}
	if v := global(t, s, "intSum"); !v.IsInt() || v.Int() != 8 {
		t.Errorf("5 + 3 = %#v, want int 8", v)
	}
	if v := global(t, s, "floatSum"); !v.IsFloat() || v.Float() != 8 {
		t.Errorf("5.0 + 3 = %#v, want float 8", v)
	}
	if v := global(t, s, "quot"); !v.IsFloat() || v.Float() != 3.5 {
		t.Errorf("7 / 2 = %#v, want float 3.5", v)
	}
	if v := global(t, s, "rem"); v.Int() != 1 {
		t.Errorf("7 %% 3 = %#v, want 1", v)
	}
	if v := global(t, s, "diff"); !v.IsFloat() || v.Float() != 0.5 {
		t.Errorf("2 - 1.5 = %#v, want 0.5", v)
	}
	if v := global(t, s, "nullSum"); !v.IsNull() {
		t.Errorf("null + 1 = %#v, want null", v)
	}
	if v := global(t, s, "prod"); !v.IsInt() || v.Int() != -24 {
		t.Errorf("-4 * 6 = %#v, want -24", v)
	}
	if len(host.messages) != 0 {
		t.Errorf("unexpected runtime errors: %v", host.messages)
	}
}

func TestDivisionByZero(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "r", "after")
	b.EmitInt(1)
	b.EmitInt(0)
	b.Emit(OpDiv)
	assign(b, "r")
	b.EmitInt(1)
	assign(b, "after")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if !global(t, s, "r").IsNull() {
		t.Errorf("1 / 0 = %#v, want null", global(t, s, "r"))
	}
	if global(t, s, "after").Int() != 1 {
		t.Error("script should continue after a division by zero")
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one runtime error notice", host.messages)
	}
}

func TestSuppressedScriptErrors(t *testing.T) {
	b := NewImageBuilder()
	b.EmitInt(1)
	b.EmitInt(0)
	b.Emit(OpModulo)
	b.Emit(OpPopEmpty)
	b.Emit(OpRet)

	e, host, _ := newTestEngine(t, WithSuppressScriptErrors(true))
	runImage(t, e, host, "quiet.script", b)
	e.Tick()
	if len(host.messages) != 0 {
		t.Errorf("messages = %v, want none", host.messages)
	}
}

// ---------------------------------------------------------------------------
// Logic and comparison
// ---------------------------------------------------------------------------

func TestComparisonAndLogic(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "eq", "strictEq", "lt", "notNull", "and", "or")

	b.EmitString("abc")
	b.EmitString("ABC")
	b.Emit(OpCmpEQ)
	assign(b, "eq")

	b.EmitInt(1)
	b.EmitFloat(1)
	b.Emit(OpCmpStrictEQ)
	assign(b, "strictEq")

	b.EmitString("9")
	b.EmitInt(10)
	b.Emit(OpCmpL)
	assign(b, "lt")

	b.Emit(OpPushNull)
	b.Emit(OpNot)
	assign(b, "notNull")

	b.EmitBool(true)
	b.EmitInt(0)
	b.Emit(OpAnd)
	assign(b, "and")

	b.EmitBool(false)
	b.EmitString("yes")
	b.Emit(OpOr)
	assign(b, "or")
	b.Emit(OpRet)

	s, _, _ := runToEnd(t, b)
	want := map[string]bool{
		"eq":       true,
		"strictEq": false,
		"lt":       true,
		"notNull":  true,
		"and":      false,
		"or":       true,
	}
	for name, w := range want {
		v := global(t, s, name)
		if !v.IsBool() || v.Bool() != w {
			t.Errorf("%s = %#v, want %v", name, v, w)
		}
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func TestConstantRejectsReassignment(t *testing.T) {
	b := NewImageBuilder()
	b.EmitSymbol(OpDefConstVar, "K")
	b.EmitInt(1)
	assign(b, "K")
	b.EmitInt(2)
	assign(b, "K")
	b.Emit(OpRet)

	_, e, host := runToEnd(t, b)
	k := e.Globals().GetProp("K")
	if k == nil || !k.IsConst {
		t.Fatal("K should be an engine constant")
	}
	if k.Int() != 1 {
		t.Errorf("K = %d, want 1", k.Int())
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one runtime error", host.messages)
	}
}

func TestUndeclaredVariableIsCreated(t *testing.T) {
	b := NewImageBuilder()
	b.EmitInt(3)
	assign(b, "ghost")
	b.Emit(OpRet)

	s, e, _ := runToEnd(t, b)
	if got := global(t, s, "ghost").Int(); got != 3 {
		t.Errorf("ghost = %d, want 3", got)
	}
	if e.Globals().PropExists("ghost") {
		t.Error("undeclared variable should land in script globals, not engine globals")
	}
}

func TestGlobalLookupOrder(t *testing.T) {
	b := NewImageBuilder()
	b.EmitSymbol(OpDefGlobVar, "shared")
	defVars(b, "copy")
	b.EmitString("engine")
	assign(b, "shared")
	b.EmitSymbol(OpPushVar, "shared")
	assign(b, "copy")
	b.Emit(OpRet)

	s, e, _ := runToEnd(t, b)
	if got := e.Globals().GetProp("shared").String(); got != "engine" {
		t.Errorf("engine global = %q, want engine", got)
	}
	if got := global(t, s, "copy").String(); got != "engine" {
		t.Errorf("copy = %q, want engine", got)
	}
}

func TestSelfIsNullWithoutOwner(t *testing.T) {
	b := NewImageBuilder()
	b.Emit(OpRet)
	s, _, _ := runToEnd(t, b)
	if !global(t, s, "self").IsNull() || !global(t, s, "this").IsNull() {
		t.Error("self and this should be null for an unowned script")
	}
}

func TestRegister(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "r")
	b.EmitInt(3)
	b.Emit(OpPopReg1)
	b.Emit(OpPushReg1)
	assign(b, "r")
	b.Emit(OpRet)

	s, _, _ := runToEnd(t, b)
	if got := global(t, s, "r").Int(); got != 3 {
		t.Errorf("r = %d, want 3", got)
	}
}

func TestObjectProperties(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "o", "y", "missing")
	b.Emit(OpCreateObject)
	assign(b, "o")

	// o.x = 9
	b.EmitInt(9)
	b.EmitSymbol(OpPushVarRef, "o")
	b.EmitString("x")
	b.Emit(OpPopByExp)

	// y = o.x
	b.EmitSymbol(OpPushVar, "o")
	b.EmitString("x")
	b.Emit(OpPushByExp)
	assign(b, "y")

	// missing = o.nothing
	b.EmitSymbol(OpPushVar, "o")
	b.EmitString("nothing")
	b.Emit(OpPushByExp)
	assign(b, "missing")
	b.Emit(OpRet)

	s, _, _ := runToEnd(t, b)
	if got := global(t, s, "o").GetProp("x"); got == nil || got.Int() != 9 {
		t.Errorf("o.x = %#v, want 9", got)
	}
	if got := global(t, s, "y").Int(); got != 9 {
		t.Errorf("y = %d, want 9", got)
	}
	if !global(t, s, "missing").IsNull() {
		t.Error("unknown property should read as null")
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestLoopWithJmpFalse(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "i", "sum")
	b.EmitInt(0)
	assign(b, "i")
	b.EmitInt(0)
	assign(b, "sum")

	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.EmitSymbol(OpPushVar, "i")
	b.EmitInt(5)
	b.Emit(OpCmpL)
	b.EmitJump(OpJmpFalse, end)

	b.EmitSymbol(OpPushVar, "sum")
	b.EmitSymbol(OpPushVar, "i")
	b.Emit(OpAdd)
	assign(b, "sum")

	b.EmitSymbol(OpPushVar, "i")
	b.EmitInt(1)
	b.Emit(OpAdd)
	assign(b, "i")
	b.EmitJump(OpJmp, top)

	b.Mark(end)
	b.Emit(OpRet)

	s, _, _ := runToEnd(t, b)
	if got := global(t, s, "sum").Int(); got != 10 {
		t.Errorf("sum = %d, want 10", got)
	}
	if got := global(t, s, "i").Int(); got != 5 {
		t.Errorf("i = %d, want 5", got)
	}
}

func TestFunctionCall(t *testing.T) {
	b := NewImageBuilder()
	fn := b.NewLabel()
	defVars(b, "r")
	b.EmitInt(4)
	b.EmitInt(1)
	b.EmitJump(OpCall, fn)
	assign(b, "r")
	b.Emit(OpRet)

	// function double(x) { return x * 2; }
	b.Mark(fn)
	b.AddFunction("double")
	b.Emit(OpScope)
	b.EmitDword(OpCorrectStack, 1)
	b.EmitSymbol(OpDefVar, "x")
	assign(b, "x")
	b.EmitSymbol(OpPushVar, "x")
	b.EmitInt(2)
	b.Emit(OpMul)
	b.Emit(OpRet)

	s, _, _ := runToEnd(t, b)
	if got := global(t, s, "r").Int(); got != 8 {
		t.Errorf("double(4) = %d, want 8", got)
	}
	if s.Globals().PropExists("x") {
		t.Error("function local leaked into script globals")
	}
}

func TestInvalidOpcodeIsFatal(t *testing.T) {
	b := NewImageBuilder()
	b.Emit(Opcode(999))
	b.Emit(OpRet)

	s, e, _ := runToEnd(t, b)
	if s.State() != StateError {
		t.Errorf("state = %v, want error", s.State())
	}
	if len(e.Scripts()) != 0 {
		t.Error("failed script should be reaped")
	}
}

func TestJmpFalseUnderflowRecovers(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "after")
	end := b.NewLabel()
	b.EmitJump(OpJmpFalse, end)
	b.Mark(end)
	b.EmitInt(1)
	assign(b, "after")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if global(t, s, "after").Int() != 1 {
		t.Error("script should continue after the corruption notice")
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one", host.messages)
	}
}

// ---------------------------------------------------------------------------
// Calls out of the script
// ---------------------------------------------------------------------------

func TestExternalCallResolution(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "echoed", "str", "unknown")

	b.EmitString("hi")
	b.EmitExternalCall("Echo", 1)
	assign(b, "echoed")

	b.EmitInt(12)
	b.EmitExternalCall("ToString", 1)
	assign(b, "str")

	b.EmitExternalCall("NoSuchFunction", 0)
	assign(b, "unknown")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if got := global(t, s, "echoed").String(); got != "hi" {
		t.Errorf("Echo = %q, want hi", got)
	}
	if v := global(t, s, "str"); !v.IsString() || v.String() != "12" {
		t.Errorf("ToString(12) = %#v", v)
	}
	if !global(t, s, "unknown").IsNull() {
		t.Error("undefined function should return null")
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one", host.messages)
	}
	if len(host.calls) != 2 || host.calls[0] != "Echo" {
		t.Errorf("host calls = %v, want Echo and NoSuchFunction", host.calls)
	}
}

func TestExternalLibraryCall(t *testing.T) {
	b := NewImageBuilder()
	b.AddExternal(ExternalFunction{
		DLL:      "MyLib.dll",
		Name:     "Mix",
		CallType: CallStdcall,
		Returns:  ExternalDouble,
		Params:   []ExternalType{ExternalLong, ExternalString},
	})
	defVars(b, "r", "missing")
	b.EmitString("abc")
	b.EmitInt(4)
	b.EmitExternalCall("Mix", 2)
	assign(b, "r")
	b.Emit(OpRet)

	e, host, _ := newTestEngine(t)
	e.Externals().Register("mylib.DLL", "Mix", func(args []*Value) (*Value, error) {
		return NewInt(args[0].Int() + len(args[1].String())), nil
	})
	s := runImage(t, e, host, "ext.script", b)
	e.Tick()

	if v := global(t, s, "r"); !v.IsFloat() || v.Float() != 7 {
		t.Errorf("Mix(4, \"abc\") = %#v, want float 7", v)
	}
}

func TestExternalLibraryMissing(t *testing.T) {
	b := NewImageBuilder()
	b.AddExternal(ExternalFunction{DLL: "gone.dll", Name: "Nope", Returns: ExternalLong})
	defVars(b, "r")
	b.EmitExternalCall("Nope", 0)
	assign(b, "r")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if !global(t, s, "r").IsNull() {
		t.Error("unbound external should return null")
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one", host.messages)
	}
}

func TestNativeMethodCall(t *testing.T) {
	e, host, _ := newTestEngine(t)
	obj := NewScriptObject(e, "calc")
	obj.DefineMethod("Twice", func(s *Script, stack *Stack, _ *Stack) {
		stack.CorrectParams(1)
		stack.PushInt(stack.Pop().Int() * 2)
	})
	e.Globals().SetProp("calc", NewNative(obj, true))

	b := NewImageBuilder()
	defVars(b, "r", "bad")
	b.EmitInt(20)
	b.EmitMethodCall("calc", "Twice", 1)
	assign(b, "r")
	b.EmitMethodCall("calc", "Unknown", 0)
	assign(b, "bad")
	b.Emit(OpRet)

	s := runImage(t, e, host, "native.script", b)
	e.Tick()
	if got := global(t, s, "r").Int(); got != 40 {
		t.Errorf("calc.Twice(20) = %d, want 40", got)
	}
	if !global(t, s, "bad").IsNull() {
		t.Error("unknown method should return null")
	}
	if len(host.messages) != 1 {
		t.Errorf("messages = %v, want one", host.messages)
	}
}

func TestRandomBuiltinHugeRange(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "r")
	b.EmitFloat(9e18)
	b.EmitFloat(-9e18)
	b.EmitExternalCall("Random", 2)
	assign(b, "r")
	b.Emit(OpRet)

	s, _, host := runToEnd(t, b)
	if s.State() != StateFinished {
		t.Fatalf("state = %v, want finished", s.State())
	}
	if got := global(t, s, "r").Int(); got < -9e18 || got > 9e18 {
		t.Errorf("Random(-9e18, 9e18) = %d", got)
	}
	if len(host.messages) != 0 {
		t.Errorf("messages = %v, want none", host.messages)
	}
}

func TestRandomBuiltinRange(t *testing.T) {
	b := NewImageBuilder()
	defVars(b, "r")
	b.EmitInt(5)
	b.EmitInt(3)
	b.EmitExternalCall("Random", 2)
	assign(b, "r")
	b.Emit(OpRet)

	for i := 0; i < 20; i++ {
		s, _, _ := runToEnd(t, b)
		if got := global(t, s, "r").Int(); got < 3 || got > 5 {
			t.Fatalf("Random(3, 5) = %d", got)
		}
	}
}
