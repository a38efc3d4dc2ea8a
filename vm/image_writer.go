package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ImageBuilder: assembles compiled script images
// ---------------------------------------------------------------------------

// ImageBuilder assembles a compiled script image: code first, then the
// symbol, function, event, external and method tables. Code addresses are
// absolute offsets into the finished buffer.
type ImageBuilder struct {
	version   uint32
	code      []byte
	symbols   []string
	symbolIdx map[string]uint32
	functions []TableEntry
	events    []TableEntry
	methods   []TableEntry
	externals []ExternalFunction
	labels    []*Label
}

// Label is a code address that may be referenced before it is marked.
type Label struct {
	resolved bool
	pos      uint32
	refs     []int // code offsets of operands to patch
}

// NewImageBuilder creates a builder for the current image version.
func NewImageBuilder() *ImageBuilder {
	return &ImageBuilder{
		version:   ImageVersion,
		code:      make([]byte, 0, 256),
		symbolIdx: make(map[string]uint32),
	}
}

// SetVersion overrides the version written to the header.
func (b *ImageBuilder) SetVersion(v uint32) {
	b.version = v
}

// Pos returns the absolute address of the next emitted instruction.
func (b *ImageBuilder) Pos() uint32 {
	return uint32(ImageHeaderSize + len(b.code))
}

// Symbol interns name and returns its symbol index.
func (b *ImageBuilder) Symbol(name string) uint32 {
	if idx, ok := b.symbolIdx[name]; ok {
		return idx
	}
	idx := uint32(len(b.symbols))
	b.symbols = append(b.symbols, name)
	b.symbolIdx[name] = idx
	return idx
}

func (b *ImageBuilder) dword(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

// Emit appends an instruction without operands.
func (b *ImageBuilder) Emit(op Opcode) {
	b.dword(uint32(op))
}

// EmitSymbol appends an instruction with a symbol operand.
func (b *ImageBuilder) EmitSymbol(op Opcode, name string) {
	b.dword(uint32(op))
	b.dword(b.Symbol(name))
}

// EmitDword appends an instruction with a raw dword operand.
func (b *ImageBuilder) EmitDword(op Opcode, v uint32) {
	b.dword(uint32(op))
	b.dword(v)
}

// EmitInt appends PUSH_INT.
func (b *ImageBuilder) EmitInt(v int32) {
	b.EmitDword(OpPushInt, uint32(v))
}

// EmitBool appends PUSH_BOOL.
func (b *ImageBuilder) EmitBool(v bool) {
	var d uint32
	if v {
		d = 1
	}
	b.EmitDword(OpPushBool, d)
}

// EmitFloat appends PUSH_FLOAT.
func (b *ImageBuilder) EmitFloat(v float64) {
	b.dword(uint32(OpPushFloat))
	b.code = binary.LittleEndian.AppendUint64(b.code, math.Float64bits(v))
}

// EmitString appends PUSH_STRING.
func (b *ImageBuilder) EmitString(s string) {
	b.dword(uint32(OpPushString))
	b.code = append(b.code, s...)
	b.code = append(b.code, 0)
}

// EmitLine appends a DBG_LINE marker.
func (b *ImageBuilder) EmitLine(line int) {
	b.EmitDword(OpDbgLine, uint32(line))
}

// EmitExternalCall pushes argc and calls the named external function. The
// arguments must already be pushed, last argument first.
func (b *ImageBuilder) EmitExternalCall(name string, argc int) {
	b.EmitInt(int32(argc))
	b.EmitSymbol(OpExternalCall, name)
}

// EmitMethodCall calls name on the variable obj. The arguments must already
// be pushed, last argument first.
func (b *ImageBuilder) EmitMethodCall(obj, name string, argc int) {
	b.EmitInt(int32(argc))
	b.EmitSymbol(OpPushVar, obj)
	b.EmitString(name)
	b.Emit(OpCallByExp)
}

// NewLabel creates an unresolved label.
func (b *ImageBuilder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves label to the current position.
func (b *ImageBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.pos = b.Pos()
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint32(b.code[ref:], label.pos)
	}
	label.refs = nil
}

// EmitJump appends an instruction whose address operand is label.
func (b *ImageBuilder) EmitJump(op Opcode, label *Label) {
	b.dword(uint32(op))
	if label.resolved {
		b.dword(label.pos)
		return
	}
	label.refs = append(label.refs, len(b.code))
	b.dword(0)
}

// AddFunction declares a function starting at the current position.
func (b *ImageBuilder) AddFunction(name string) {
	b.functions = append(b.functions, TableEntry{Name: name, Pos: b.Pos()})
}

// AddEvent declares an event handler starting at the current position.
func (b *ImageBuilder) AddEvent(name string) {
	b.events = append(b.events, TableEntry{Name: name, Pos: b.Pos()})
}

// AddMethod declares a method starting at the current position.
func (b *ImageBuilder) AddMethod(name string) {
	b.methods = append(b.methods, TableEntry{Name: name, Pos: b.Pos()})
}

// AddExternal declares an external library function.
func (b *ImageBuilder) AddExternal(f ExternalFunction) {
	b.externals = append(b.externals, f)
}

// Build lays out the image. It panics on unresolved labels.
func (b *ImageBuilder) Build() []byte {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			panic(fmt.Sprintf("unresolved label referenced at %v", l.refs))
		}
	}

	out := make([]byte, ImageHeaderSize, ImageHeaderSize+len(b.code)+256)
	out = append(out, b.code...)

	cstr := func(s string) {
		out = append(out, s...)
		out = append(out, 0)
	}
	u32 := func(v uint32) {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	entries := func(list []TableEntry) uint32 {
		off := uint32(len(out))
		u32(uint32(len(list)))
		for _, e := range list {
			u32(e.Pos)
			cstr(e.Name)
		}
		return off
	}

	symbolTable := uint32(len(out))
	u32(uint32(len(b.symbols)))
	for i, s := range b.symbols {
		u32(uint32(i))
		cstr(s)
	}

	functionTable := entries(b.functions)
	eventTable := entries(b.events)

	externalsTable := uint32(len(out))
	u32(uint32(len(b.externals)))
	for _, f := range b.externals {
		cstr(f.DLL)
		cstr(f.Name)
		u32(uint32(f.CallType))
		u32(uint32(f.Returns))
		u32(uint32(len(f.Params)))
		for _, p := range f.Params {
			u32(uint32(p))
		}
	}

	methodTable := entries(b.methods)

	header := []uint32{
		ImageMagic,
		b.version,
		ImageHeaderSize,
		functionTable,
		symbolTable,
		eventTable,
		externalsTable,
		methodTable,
	}
	for i, v := range header {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
