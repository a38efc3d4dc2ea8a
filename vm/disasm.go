package vm

import (
	"fmt"
	"sort"
	"strings"
)

const (
	ansiReset  = "\x1b[0m"
	ansiOpcode = "\x1b[36m"
	ansiLabel  = "\x1b[33m"
	ansiString = "\x1b[32m"
)

// Disassemble returns a human-readable listing of the image.
func (img *CompiledImage) Disassemble() string {
	return img.DisassembleColor(false)
}

// DisassembleColor returns the listing, with ANSI colours when color is set.
func (img *CompiledImage) DisassembleColor(color bool) string {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}

	var sb strings.Builder
	h := img.Header
	if img.Filename != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", img.Filename))
	}
	sb.WriteString(fmt.Sprintf("; WME script v%d.%d, %d bytes\n", h.Version>>8, h.Version&0xFF, len(img.buf)))
	sb.WriteString(fmt.Sprintf("; %d symbols, %d functions, %d events, %d methods, %d externals\n",
		len(img.Symbols), len(img.Functions), len(img.Events), len(img.Methods), len(img.Externals)))
	for _, f := range img.Externals {
		params := make([]string, len(f.Params))
		for i, p := range f.Params {
			params[i] = p.String()
		}
		sb.WriteString(fmt.Sprintf("; external %s %s!%s(%s)\n", f.Returns, f.DLL, f.Name, strings.Join(params, ", ")))
	}
	sb.WriteString("\n")

	labels := make(map[uint32][]string)
	for _, e := range img.Functions {
		labels[e.Pos] = append(labels[e.Pos], "function "+e.Name)
	}
	for _, e := range img.Events {
		labels[e.Pos] = append(labels[e.Pos], "event "+e.Name)
	}
	for _, e := range img.Methods {
		labels[e.Pos] = append(labels[e.Pos], "method "+e.Name)
	}

	end := img.codeEnd()
	c := newImageCursor(img.buf, h.CodeStart)
	for c.pos < end {
		pos := c.pos
		for _, l := range labels[pos] {
			sb.WriteString(paint(ansiLabel, l+":") + "\n")
		}
		word, err := c.dword()
		if err != nil {
			break
		}
		op := Opcode(word)
		sb.WriteString(fmt.Sprintf("%06X  %s", pos, paint(ansiOpcode, fmt.Sprintf("%-20s", op.Name()))))
		if !op.Valid() {
			sb.WriteString("\n")
			break
		}
		ok := true
		for _, kind := range op.Info().Operands {
			switch kind {
			case OperandSymbol:
				idx, err := c.dword()
				if err != nil {
					ok = false
					break
				}
				name, err := img.Symbol(idx)
				if err != nil {
					name = fmt.Sprintf("<bad symbol %d>", idx)
				}
				sb.WriteString(name)
			case OperandAddress:
				addr, err := c.dword()
				if err != nil {
					ok = false
					break
				}
				sb.WriteString(fmt.Sprintf("-> %06X", addr))
			case OperandInt:
				v, err := c.dword()
				if err != nil {
					ok = false
					break
				}
				sb.WriteString(fmt.Sprintf("%d", int32(v)))
			case OperandDword:
				v, err := c.dword()
				if err != nil {
					ok = false
					break
				}
				sb.WriteString(fmt.Sprintf("%d", v))
			case OperandFloat:
				f, err := c.float()
				if err != nil {
					ok = false
					break
				}
				sb.WriteString(fmt.Sprintf("%g", f))
			case OperandString:
				s, err := c.cstring()
				if err != nil {
					ok = false
					break
				}
				sb.WriteString(paint(ansiString, fmt.Sprintf("%q", s)))
			}
		}
		sb.WriteString("\n")
		if !ok {
			sb.WriteString("; truncated instruction\n")
			break
		}
	}
	return sb.String()
}

// codeEnd returns the offset of the first table following the code.
func (img *CompiledImage) codeEnd() uint32 {
	h := img.Header
	offsets := []uint32{h.FunctionTable, h.SymbolTable, h.EventTable, h.MethodTable}
	if h.Version >= imageVersionExternals {
		offsets = append(offsets, h.ExternalsTable)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		if off > h.CodeStart {
			return off
		}
	}
	return uint32(len(img.buf))
}
