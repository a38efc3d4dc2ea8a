package vm

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// sampleImage builds an image with one of every table entry.
func sampleImage() *ImageBuilder {
	b := NewImageBuilder()
	b.EmitLine(1)
	b.EmitInt(42)
	assign(b, "answer")
	b.Emit(OpRet)

	b.AddFunction("helper")
	b.Emit(OpScope)
	b.Emit(OpPushNull)
	b.Emit(OpRet)

	b.AddEvent("LeftClick")
	b.EmitString("clicked")
	assign(b, "msg")
	b.Emit(OpRetEvent)

	b.AddMethod("Compute")
	b.EmitFloat(2.5)
	b.Emit(OpRet)

	b.AddExternal(ExternalFunction{
		DLL:      "kernel32.dll",
		Name:     "GetTickCount",
		CallType: CallStdcall,
		Returns:  ExternalLong,
	})
	b.AddExternal(ExternalFunction{
		DLL:      "mylib.dll",
		Name:     "Mix",
		CallType: CallCdecl,
		Returns:  ExternalDouble,
		Params:   []ExternalType{ExternalLong, ExternalString},
	})
	return b
}

func putDword(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}

// ---------------------------------------------------------------------------
// Header validation
// ---------------------------------------------------------------------------

func TestLoadImageRejectsBadMagic(t *testing.T) {
	data := sampleImage().Build()
	putDword(data, 0, 0x12345678)

	_, err := LoadImage("bad.script", data)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
	if !strings.Contains(err.Error(), "bad.script") {
		t.Errorf("error %q should name the file", err)
	}
	if IsCompiledImage(data) {
		t.Error("IsCompiledImage should be false for a bad magic")
	}
}

func TestLoadImageRejectsNewerVersion(t *testing.T) {
	b := sampleImage()
	b.SetVersion(ImageVersion + 1)
	_, err := LoadImage("new.script", b.Build())
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestLoadImageRejectsShortHeader(t *testing.T) {
	data := sampleImage().Build()
	_, err := LoadImage("short.script", data[:ImageHeaderSize-1])
	if !errors.Is(err, ErrCorruptHeader) {
		t.Fatalf("err = %v, want ErrCorruptHeader", err)
	}
}

func TestLoadImageRejectsTruncatedTables(t *testing.T) {
	data := sampleImage().Build()
	for _, cut := range []int{len(data) - 1, len(data) - 5, len(data) / 2} {
		if _, err := LoadImage("cut.script", data[:cut]); err == nil {
			t.Errorf("truncating to %d bytes should fail", cut)
		}
	}
}

func TestLoadImageRejectsTableBeyondBuffer(t *testing.T) {
	data := sampleImage().Build()
	putDword(data, 16, uint32(len(data)+100)) // symbol table
	_, err := LoadImage("far.script", data)
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestLoadImageRejectsHugeCounts(t *testing.T) {
	data := sampleImage().Build()
	symOff := binary.LittleEndian.Uint32(data[16:])
	putDword(data, int(symOff), 0xFFFFFFF0)
	_, err := LoadImage("huge.script", data)
	if !errors.Is(err, ErrCorruptHeader) {
		t.Fatalf("err = %v, want ErrCorruptHeader", err)
	}
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestLoadImageRoundTrip(t *testing.T) {
	data := sampleImage().Build()
	if !IsCompiledImage(data) {
		t.Fatal("built image should carry the magic")
	}

	img, err := LoadImage("sample.script", data)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}

	if img.Header.Version != ImageVersion {
		t.Errorf("version = 0x%04X, want 0x%04X", img.Header.Version, ImageVersion)
	}
	if img.Header.CodeStart != ImageHeaderSize {
		t.Errorf("code start = %d, want %d", img.Header.CodeStart, ImageHeaderSize)
	}
	if img.Size() != len(data) {
		t.Errorf("Size = %d, want %d", img.Size(), len(data))
	}

	wantSymbols := []string{"answer", "msg"}
	if len(img.Symbols) != len(wantSymbols) {
		t.Fatalf("symbols = %v, want %v", img.Symbols, wantSymbols)
	}
	for i, s := range wantSymbols {
		if got, _ := img.Symbol(uint32(i)); got != s {
			t.Errorf("symbol %d = %q, want %q", i, got, s)
		}
	}
	if _, err := img.Symbol(99); !errors.Is(err, ErrInvalidSymbolIndex) {
		t.Errorf("Symbol(99) err = %v, want ErrInvalidSymbolIndex", err)
	}

	if _, ok := img.FunctionPos("HELPER"); !ok {
		t.Error("function lookup should be case-insensitive")
	}
	if _, ok := img.EventPos("leftclick"); !ok {
		t.Error("event lookup should be case-insensitive")
	}
	if pos, ok := img.MethodPos("Compute"); !ok || pos <= ImageHeaderSize {
		t.Errorf("MethodPos = %d, %v", pos, ok)
	}
	if _, ok := img.MethodPos("Missing"); ok {
		t.Error("unknown method should not resolve")
	}
	if !img.HasHandlers() {
		t.Error("image with events should report handlers")
	}

	if len(img.Externals) != 2 {
		t.Fatalf("externals = %d, want 2", len(img.Externals))
	}
	mix, ok := img.External("Mix")
	if !ok {
		t.Fatal("external Mix not found")
	}
	if mix.DLL != "mylib.dll" || mix.CallType != CallCdecl || mix.Returns != ExternalDouble {
		t.Errorf("Mix = %+v", mix)
	}
	if len(mix.Params) != 2 || mix.Params[1] != ExternalString {
		t.Errorf("Mix params = %v", mix.Params)
	}
}

func TestLoadImageCopiesBuffer(t *testing.T) {
	data := sampleImage().Build()
	img, err := LoadImage("copy.script", data)
	if err != nil {
		t.Fatal(err)
	}
	data[ImageHeaderSize] = 0xFF
	if img.Bytes()[ImageHeaderSize] == 0xFF {
		t.Error("image should not alias the caller's buffer")
	}
}

func TestLoadImageOldVersionSkipsExternals(t *testing.T) {
	b := sampleImage()
	b.SetVersion(0x0100)
	img, err := LoadImage("old.script", b.Build())
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if len(img.Externals) != 0 {
		t.Errorf("0x0100 image loaded %d externals, want 0", len(img.Externals))
	}
	if _, ok := img.MethodPos("Compute"); !ok {
		t.Error("method table should still load")
	}
}

func TestHasHandlersEmpty(t *testing.T) {
	b := NewImageBuilder()
	b.Emit(OpRet)
	img, err := LoadImage("plain.script", b.Build())
	if err != nil {
		t.Fatal(err)
	}
	if img.HasHandlers() {
		t.Error("image without events or methods should not report handlers")
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	img, err := LoadImage("sample.script", sampleImage().Build())
	if err != nil {
		t.Fatal(err)
	}
	out := img.Disassemble()
	for _, want := range []string{
		"sample.script",
		"PUSH_INT",
		"42",
		"POP_VAR",
		"answer",
		"function helper:",
		"event LeftClick:",
		"method Compute:",
		`"clicked"`,
		"kernel32.dll!GetTickCount",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain disassembly should not contain ANSI codes")
	}
	if !strings.Contains(img.DisassembleColor(true), "\x1b[") {
		t.Error("colour disassembly should contain ANSI codes")
	}
}
