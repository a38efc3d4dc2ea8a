package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Compiled script image format
// ---------------------------------------------------------------------------

// ImageMagic identifies a compiled script buffer.
const ImageMagic uint32 = 0xDEC0ADDE

// ImageVersion is the newest format version the loader understands
// (major<<8 | minor).
// 0x0100: initial format
// 0x0101: external function table
// 0x0102: current
const ImageVersion uint32 = 0x0102

// imageVersionExternals is the first version carrying an external table.
const imageVersionExternals uint32 = 0x0101

// ImageHeaderSize is the size of the fixed header in bytes: eight dwords.
const ImageHeaderSize = 32

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrVersionMismatch    = errors.New("unsupported image version")
	ErrCorruptHeader      = errors.New("corrupt image header")
	ErrUnexpectedEOF      = errors.New("unexpected end of image data")
	ErrInvalidSymbolIndex = errors.New("invalid symbol index")
)

// ImageHeader is the parsed fixed header of a compiled script.
type ImageHeader struct {
	Magic          uint32
	Version        uint32
	CodeStart      uint32
	FunctionTable  uint32
	SymbolTable    uint32
	EventTable     uint32
	ExternalsTable uint32
	MethodTable    uint32
}

// TableEntry is a named code offset: a function, event or method.
type TableEntry struct {
	Name string
	Pos  uint32
}

// ExternalFunction is a declared function of an external library.
type ExternalFunction struct {
	DLL      string
	Name     string
	CallType CallType
	Returns  ExternalType
	Params   []ExternalType
}

// CompiledImage is an immutable compiled script shared by all instances of
// the same file.
type CompiledImage struct {
	Filename  string
	Header    ImageHeader
	Symbols   []string
	Functions []TableEntry
	Events    []TableEntry
	Methods   []TableEntry
	Externals []ExternalFunction

	buf []byte
}

// Bytes returns the raw buffer. Callers must not modify it.
func (img *CompiledImage) Bytes() []byte {
	return img.buf
}

// Size returns the buffer length.
func (img *CompiledImage) Size() int {
	return len(img.buf)
}

// HasHandlers reports whether the script declares events or methods, which
// keeps a finished top-level instance alive as persistent.
func (img *CompiledImage) HasHandlers() bool {
	return len(img.Events) > 0 || len(img.Methods) > 0
}

// Symbol returns the symbol at index.
func (img *CompiledImage) Symbol(index uint32) (string, error) {
	if int64(index) >= int64(len(img.Symbols)) {
		return "", fmt.Errorf("%w: %d", ErrInvalidSymbolIndex, index)
	}
	return img.Symbols[index], nil
}

func findEntry(entries []TableEntry, name string) (uint32, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e.Pos, true
		}
	}
	return 0, false
}

// EventPos returns the code offset of the named event handler.
func (img *CompiledImage) EventPos(name string) (uint32, bool) {
	return findEntry(img.Events, name)
}

// MethodPos returns the code offset of the named method.
func (img *CompiledImage) MethodPos(name string) (uint32, bool) {
	return findEntry(img.Methods, name)
}

// FunctionPos returns the code offset of the named function.
func (img *CompiledImage) FunctionPos(name string) (uint32, bool) {
	return findEntry(img.Functions, name)
}

// External returns the declared external function with the given name.
func (img *CompiledImage) External(name string) (*ExternalFunction, bool) {
	for i := range img.Externals {
		if img.Externals[i].Name == name {
			return &img.Externals[i], true
		}
	}
	return nil, false
}

// IsCompiledImage reports whether data starts with the image magic.
func IsCompiledImage(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == ImageMagic
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadImage parses and validates a compiled script. The buffer is copied.
func LoadImage(filename string, data []byte) (*CompiledImage, error) {
	img := &CompiledImage{
		Filename: filename,
		buf:      bytes.Clone(data),
	}
	if err := img.parse(); err != nil {
		return nil, fmt.Errorf("script '%s': %w", filename, err)
	}
	return img, nil
}

func (img *CompiledImage) parse() error {
	if len(img.buf) < ImageHeaderSize {
		return ErrCorruptHeader
	}
	c := newImageCursor(img.buf, 0)
	h := &img.Header
	h.Magic, _ = c.dword()
	if h.Magic != ImageMagic {
		return fmt.Errorf("%w: got 0x%08X", ErrInvalidMagic, h.Magic)
	}
	h.Version, _ = c.dword()
	if h.Version > ImageVersion {
		return fmt.Errorf("%w: %d.%d is newer than %d.%d", ErrVersionMismatch,
			h.Version>>8, h.Version&0xFF, ImageVersion>>8, ImageVersion&0xFF)
	}
	h.CodeStart, _ = c.dword()
	h.FunctionTable, _ = c.dword()
	h.SymbolTable, _ = c.dword()
	h.EventTable, _ = c.dword()
	h.ExternalsTable, _ = c.dword()
	h.MethodTable, _ = c.dword()

	if int(h.CodeStart) > len(img.buf) {
		return fmt.Errorf("%w: code start 0x%X beyond buffer", ErrCorruptHeader, h.CodeStart)
	}

	if err := img.readSymbols(); err != nil {
		return fmt.Errorf("symbol table: %w", err)
	}
	var err error
	if img.Functions, err = img.readEntries(h.FunctionTable); err != nil {
		return fmt.Errorf("function table: %w", err)
	}
	if img.Events, err = img.readEntries(h.EventTable); err != nil {
		return fmt.Errorf("event table: %w", err)
	}
	if h.Version >= imageVersionExternals {
		if err := img.readExternals(); err != nil {
			return fmt.Errorf("external table: %w", err)
		}
	}
	if img.Methods, err = img.readEntries(h.MethodTable); err != nil {
		return fmt.Errorf("method table: %w", err)
	}
	return nil
}

func (img *CompiledImage) readSymbols() error {
	c := newImageCursor(img.buf, img.Header.SymbolTable)
	count, err := c.dword()
	if err != nil {
		return err
	}
	if int64(count) > int64(len(img.buf)) {
		return fmt.Errorf("%w: %d symbols", ErrCorruptHeader, count)
	}
	img.Symbols = make([]string, count)
	for i := uint32(0); i < count; i++ {
		index, err := c.dword()
		if err != nil {
			return err
		}
		name, err := c.cstring()
		if err != nil {
			return err
		}
		if index >= count {
			return fmt.Errorf("%w: %d (table has %d)", ErrInvalidSymbolIndex, index, count)
		}
		img.Symbols[index] = name
	}
	return nil
}

func (img *CompiledImage) readEntries(offset uint32) ([]TableEntry, error) {
	c := newImageCursor(img.buf, offset)
	count, err := c.dword()
	if err != nil {
		return nil, err
	}
	if int64(count) > int64(len(img.buf)) {
		return nil, fmt.Errorf("%w: %d entries", ErrCorruptHeader, count)
	}
	entries := make([]TableEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		pos, err := c.dword()
		if err != nil {
			return nil, err
		}
		name, err := c.cstring()
		if err != nil {
			return nil, err
		}
		if int(pos) >= len(img.buf) {
			return nil, fmt.Errorf("%w: '%s' at 0x%X", ErrUnexpectedEOF, name, pos)
		}
		entries = append(entries, TableEntry{Name: name, Pos: pos})
	}
	return entries, nil
}

func (img *CompiledImage) readExternals() error {
	c := newImageCursor(img.buf, img.Header.ExternalsTable)
	count, err := c.dword()
	if err != nil {
		return err
	}
	if int64(count) > int64(len(img.buf)) {
		return fmt.Errorf("%w: %d externals", ErrCorruptHeader, count)
	}
	img.Externals = make([]ExternalFunction, 0, count)
	for i := uint32(0); i < count; i++ {
		var f ExternalFunction
		if f.DLL, err = c.cstring(); err != nil {
			return err
		}
		if f.Name, err = c.cstring(); err != nil {
			return err
		}
		ct, err := c.dword()
		if err != nil {
			return err
		}
		ret, err := c.dword()
		if err != nil {
			return err
		}
		n, err := c.dword()
		if err != nil {
			return err
		}
		if int64(n)*4 > int64(len(img.buf)) {
			return fmt.Errorf("%w: %d params", ErrCorruptHeader, n)
		}
		f.CallType = CallType(ct)
		f.Returns = ExternalType(ret)
		for j := uint32(0); j < n; j++ {
			p, err := c.dword()
			if err != nil {
				return err
			}
			f.Params = append(f.Params, ExternalType(p))
		}
		img.Externals = append(img.Externals, f)
	}
	return nil
}

// ---------------------------------------------------------------------------
// imageCursor: bounds-checked reader over an image buffer
// ---------------------------------------------------------------------------

type imageCursor struct {
	data []byte
	pos  uint32
}

func newImageCursor(data []byte, pos uint32) *imageCursor {
	return &imageCursor{data: data, pos: pos}
}

func (c *imageCursor) dword() (uint32, error) {
	if uint64(c.pos)+4 > uint64(len(c.data)) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *imageCursor) float() (float64, error) {
	if uint64(c.pos)+8 > uint64(len(c.data)) {
		return 0, ErrUnexpectedEOF
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(c.data[c.pos:]))
	c.pos += 8
	return v, nil
}

func (c *imageCursor) cstring() (string, error) {
	if uint64(c.pos) >= uint64(len(c.data)) {
		return "", ErrUnexpectedEOF
	}
	rest := c.data[c.pos:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", ErrUnexpectedEOF
	}
	s := string(rest[:n])
	c.pos += uint32(n) + 1
	return s, nil
}
