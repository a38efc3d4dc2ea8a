package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Save-game stream
// ---------------------------------------------------------------------------

// SaveFormatVersion is written to every stream; newer streams are refused.
const SaveFormatVersion = 1

var (
	ErrSaveVersion = errors.New("unsupported save format version")
	ErrSaveCorrupt = errors.New("corrupt save stream")
)

// cborEncMode uses canonical mode for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// valueRecord is one flattened value cell. Cell links are 1-based indices
// into the node table; 0 means none.
type valueRecord struct {
	Type      ValueType      `cbor:"1,keyasint"`
	Bool      bool           `cbor:"2,keyasint,omitempty"`
	Int       int64          `cbor:"3,keyasint,omitempty"`
	Float     float64        `cbor:"4,keyasint,omitempty"`
	Str       string         `cbor:"5,keyasint,omitempty"`
	Ref       int            `cbor:"6,keyasint,omitempty"`
	Native    string         `cbor:"7,keyasint,omitempty"`
	Ownership Ownership      `cbor:"8,keyasint,omitempty"`
	Props     map[string]int `cbor:"9,keyasint,omitempty"`
	ObjID     uint64         `cbor:"10,keyasint,omitempty"`
	Const     bool           `cbor:"11,keyasint,omitempty"`
}

// liveRecord is the execution state of a script that is mid-run.
type liveRecord struct {
	Buffer     []byte      `cbor:"1,keyasint"`
	IP         uint32      `cbor:"2,keyasint"`
	Line       int         `cbor:"3,keyasint"`
	Stack      []int       `cbor:"4,keyasint"`
	CallStack  []int       `cbor:"5,keyasint"`
	ThisStack  []int       `cbor:"6,keyasint"`
	ScopeStack []int       `cbor:"7,keyasint"`
	Operand    int         `cbor:"8,keyasint"`
	Reg1       int         `cbor:"9,keyasint"`
	WaitObject string      `cbor:"10,keyasint,omitempty"`
	WaitTime   uint32      `cbor:"11,keyasint"`
	WaitFrozen bool        `cbor:"12,keyasint"`
	WaitScript string      `cbor:"13,keyasint,omitempty"`
	TimeSlice  uint32      `cbor:"14,keyasint"`
	Tracing    bool        `cbor:"15,keyasint,omitempty"`
	OrigState  ScriptState `cbor:"16,keyasint"`
}

// scriptRecord is one persisted script. Idle persistent scripts carry no
// live record and are rebuilt from the cache on load.
type scriptRecord struct {
	ID           string      `cbor:"1,keyasint"`
	Filename     string      `cbor:"2,keyasint"`
	State        ScriptState `cbor:"3,keyasint"`
	Thread       bool        `cbor:"4,keyasint"`
	MethodThread bool        `cbor:"5,keyasint"`
	ThreadEvent  string      `cbor:"6,keyasint,omitempty"`
	Parent       string      `cbor:"7,keyasint,omitempty"`
	Owner        string      `cbor:"8,keyasint,omitempty"`
	Globals      int         `cbor:"9,keyasint"`
	Unbreakable  bool        `cbor:"10,keyasint"`
	Freezable    bool        `cbor:"11,keyasint"`
	Live         *liveRecord `cbor:"12,keyasint,omitempty"`
}

type engineRecord struct {
	Version     int            `cbor:"1,keyasint"`
	Globals     int            `cbor:"2,keyasint"`
	Nodes       []valueRecord  `cbor:"3,keyasint"`
	Scripts     []scriptRecord `cbor:"4,keyasint"`
	Breakpoints []Breakpoint   `cbor:"5,keyasint,omitempty"`
}

// isLive reports whether the state needs the full execution state saved.
func (st ScriptState) isLive() bool {
	return st != StatePersistent && !st.Terminal()
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type saveEncoder struct {
	nodes    []valueRecord
	index    map[*Value]int
	resolver NativeResolver
}

func newSaveEncoder(resolver NativeResolver) *saveEncoder {
	return &saveEncoder{index: make(map[*Value]int), resolver: resolver}
}

func (enc *saveEncoder) nativeID(obj Scriptable) string {
	if obj == nil || enc.resolver == nil {
		return ""
	}
	id, _ := enc.resolver.NativeID(obj)
	return id
}

// value adds v (and everything it links to) to the node table and returns
// its node index.
func (enc *saveEncoder) value(v *Value) int {
	if v == nil {
		return 0
	}
	if id, ok := enc.index[v]; ok {
		return id
	}
	enc.nodes = append(enc.nodes, valueRecord{})
	id := len(enc.nodes)
	enc.index[v] = id

	rec := valueRecord{
		Type:      v.typ,
		Bool:      v.boolVal,
		Int:       int64(v.intVal),
		Float:     v.floatVal,
		Str:       v.strVal,
		Ownership: v.ownership,
		ObjID:     v.objID,
		Const:     v.IsConst,
	}
	switch v.typ {
	case TypeVariableRef:
		rec.Ref = enc.value(v.ref)
	case TypeNative:
		rec.Native = enc.nativeID(v.native)
		if rec.Native == "" {
			persistLog.Warningf("native %s has no save ID, saved as null", v.native.ClassName())
			rec.Type = TypeNull
			rec.Ownership = OwnershipBorrowed
		}
	case TypeObject:
		rec.Props = make(map[string]int, len(v.props))
		for name, p := range v.props {
			rec.Props[name] = enc.value(p)
		}
	}
	enc.nodes[id-1] = rec
	return id
}

func (enc *saveEncoder) stack(st *Stack) []int {
	vals := st.Values()
	ids := make([]int, len(vals))
	for i, v := range vals {
		ids[i] = enc.value(v)
	}
	return ids
}

func (enc *saveEncoder) script(s *Script) scriptRecord {
	rec := scriptRecord{
		ID:           s.ID.String(),
		Filename:     s.filename,
		State:        s.state,
		Thread:       s.thread,
		MethodThread: s.methodThread,
		ThreadEvent:  s.threadEvent,
		Owner:        enc.nativeID(s.owner),
		Globals:      enc.value(s.globals),
		Unbreakable:  s.unbreakable,
		Freezable:    s.freezable,
	}
	if s.parent != nil {
		rec.Parent = s.parent.ID.String()
	}
	if !s.state.isLive() {
		return rec
	}

	live := &liveRecord{
		IP:         s.ip,
		Line:       s.currentLine,
		Stack:      enc.stack(s.stack),
		CallStack:  enc.stack(s.callStack),
		ThisStack:  enc.stack(s.thisStack),
		ScopeStack: enc.stack(s.scopeStack),
		Operand:    enc.value(s.operand),
		Reg1:       enc.value(s.reg1),
		WaitObject: enc.nativeID(s.waitObject),
		WaitTime:   s.waitTime,
		WaitFrozen: s.waitFrozen,
		TimeSlice:  s.timeSlice,
		Tracing:    s.tracing,
		OrigState:  s.origState,
	}
	if s.image != nil {
		live.Buffer = s.image.Bytes()
	}
	if s.waitScript != nil {
		live.WaitScript = s.waitScript.ID.String()
	}
	rec.Live = live
	return rec
}

// Save writes the engine globals, breakpoints and every live script to w.
// Finished scripts are skipped.
func (e *Engine) Save(w io.Writer) error {
	resolver, _ := e.host.(NativeResolver)
	enc := newSaveEncoder(resolver)

	doc := engineRecord{
		Version:     SaveFormatVersion,
		Globals:     enc.value(e.globals),
		Breakpoints: e.Breakpoints(),
	}
	for _, s := range e.scripts {
		if s.state.Terminal() {
			continue
		}
		doc.Scripts = append(doc.Scripts, enc.script(s))
	}
	doc.Nodes = enc.nodes

	data, err := cborEncMode.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("save: marshal: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	persistLog.Infof("saved %d scripts, %d values", len(doc.Scripts), len(doc.Nodes))
	return nil
}

// LivePayload encodes the execution state that a save game would carry for
// s, or returns nil when s is idle or finished.
func (s *Script) LivePayload() ([]byte, error) {
	if !s.state.isLive() {
		return nil, nil
	}
	resolver, _ := s.engine.host.(NativeResolver)
	enc := newSaveEncoder(resolver)
	rec := enc.script(s)
	return cborEncMode.Marshal(struct {
		Nodes []valueRecord `cbor:"1,keyasint"`
		Live  *liveRecord   `cbor:"2,keyasint"`
	}{enc.nodes, rec.Live})
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type saveDecoder struct {
	records  []valueRecord
	cells    []*Value
	resolver NativeResolver
	images   map[string]*CompiledImage // inline buffers already loaded, by filename
}

func newSaveDecoder(records []valueRecord, resolver NativeResolver) *saveDecoder {
	d := &saveDecoder{
		records:  records,
		resolver: resolver,
		cells:    make([]*Value, len(records)),
		images:   make(map[string]*CompiledImage),
	}
	for i := range d.cells {
		d.cells[i] = &Value{}
	}
	return d
}

func (d *saveDecoder) cell(id int) (*Value, error) {
	if id == 0 {
		return nil, nil
	}
	if id < 0 || id > len(d.cells) {
		return nil, fmt.Errorf("%w: value %d out of range", ErrSaveCorrupt, id)
	}
	return d.cells[id-1], nil
}

func (d *saveDecoder) native(id string) Scriptable {
	if id == "" || d.resolver == nil {
		return nil
	}
	return d.resolver.ResolveNative(id)
}

// fill populates every cell from its record.
func (d *saveDecoder) fill() error {
	var maxObjID uint64
	for i, rec := range d.records {
		v := d.cells[i]
		v.typ = rec.Type
		v.boolVal = rec.Bool
		v.intVal = int(rec.Int)
		v.floatVal = rec.Float
		v.strVal = rec.Str
		v.objID = rec.ObjID
		v.IsConst = rec.Const
		maxObjID = max(maxObjID, rec.ObjID)

		switch rec.Type {
		case TypeVariableRef:
			ref, err := d.cell(rec.Ref)
			if err != nil {
				return err
			}
			if ref != nil && d.records[rec.Ref-1].Type == TypeVariableRef {
				return fmt.Errorf("%w: value %d references reference %d", ErrSaveCorrupt, i+1, rec.Ref)
			}
			if ref == nil {
				v.typ = TypeNull
			}
			v.ref = ref
		case TypeNative:
			obj := d.native(rec.Native)
			if obj == nil {
				persistLog.Warningf("native '%s' not found, restored as null", rec.Native)
				v.typ = TypeNull
				continue
			}
			v.native = obj
			v.ownership = rec.Ownership
			if v.ownership != OwnershipBorrowed {
				retainNative(obj)
			}
		case TypeObject:
			v.props = make(map[string]*Value, len(rec.Props))
			for name, id := range rec.Props {
				p, err := d.cell(id)
				if err != nil {
					return err
				}
				if p == nil {
					p = &Value{}
				}
				v.props[name] = p
			}
		}
	}

	for {
		cur := objectIDs.Load()
		if cur >= maxObjID || objectIDs.CompareAndSwap(cur, maxObjID) {
			break
		}
	}
	return nil
}

func (d *saveDecoder) stack(ids []int) (*Stack, error) {
	st := NewStack()
	for _, id := range ids {
		v, err := d.cell(id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = &Value{}
		}
		st.values = append(st.values, v)
	}
	st.sp = len(st.values) - 1
	return st, nil
}

// Load replaces the engine's scripts, globals and breakpoints with the
// contents of a stream written by Save. Scripts whose image can no longer
// be obtained are restored in the error state and reaped on the next tick.
func (e *Engine) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	var doc engineRecord
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("load: %w: %v", ErrSaveCorrupt, err)
	}
	if doc.Version > SaveFormatVersion {
		return fmt.Errorf("load: %w: %d", ErrSaveVersion, doc.Version)
	}

	resolver, _ := e.host.(NativeResolver)
	dec := newSaveDecoder(doc.Nodes, resolver)
	if err := dec.fill(); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	globals, err := dec.cell(doc.Globals)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if globals == nil {
		globals = NewObject()
	}

	scripts := make([]*Script, 0, len(doc.Scripts))
	byID := make(map[string]*Script, len(doc.Scripts))
	for _, rec := range doc.Scripts {
		s, err := e.loadScript(dec, rec)
		if err != nil {
			return fmt.Errorf("load: script '%s': %w", rec.Filename, err)
		}
		scripts = append(scripts, s)
		byID[rec.ID] = s
	}
	for i, rec := range doc.Scripts {
		s := scripts[i]
		if rec.Parent != "" {
			s.parent = byID[rec.Parent]
		}
		if rec.Live != nil && rec.Live.WaitScript != "" {
			s.waitScript = byID[rec.Live.WaitScript]
		}
	}

	for _, s := range e.scripts {
		s.state = StateFinished
	}
	e.removeFinishedScripts()

	e.globals = globals
	e.breakpoints = doc.Breakpoints
	e.scripts = scripts
	for _, s := range scripts {
		if !s.thread && s.owner != nil {
			if a, ok := s.owner.(interface{ AdoptScript(*Script) }); ok {
				a.AdoptScript(s)
			}
		}
	}
	e.RefreshBreakpoints()
	persistLog.Infof("loaded %d scripts, %d values", len(scripts), len(doc.Nodes))
	return nil
}

func (e *Engine) loadScript(dec *saveDecoder, rec scriptRecord) (*Script, error) {
	s := newScript(e)
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: script id: %v", ErrSaveCorrupt, err)
	}
	s.ID = id
	s.filename = rec.Filename
	s.state = rec.State
	s.thread = rec.Thread
	s.methodThread = rec.MethodThread
	s.threadEvent = rec.ThreadEvent
	s.owner = dec.native(rec.Owner)
	s.unbreakable = rec.Unbreakable
	s.freezable = rec.Freezable
	if s.globals, err = dec.cell(rec.Globals); err != nil {
		return nil, err
	}
	if s.globals == nil {
		s.globals = NewObject()
	}

	live := rec.Live
	if live == nil {
		img, err := e.GetCompiledScript(s.filename, false)
		if err != nil {
			persistLog.Errorf("Error restoring script '%s': %v", s.filename, err)
			s.state = StateError
			return s, nil
		}
		s.image = img
		s.ip = img.Header.CodeStart
		return s, nil
	}

	if len(live.Buffer) == 0 {
		img, err := e.GetCompiledScript(s.filename, false)
		if err != nil {
			persistLog.Errorf("Error restoring script '%s': %v", s.filename, err)
			s.state = StateError
			return s, nil
		}
		s.image = img
	} else if img, ok := dec.images[s.filename]; ok && bytes.Equal(img.Bytes(), live.Buffer) {
		s.image = img
	} else {
		img, err := LoadImage(s.filename, live.Buffer)
		if err != nil {
			persistLog.Errorf("Error restoring script '%s': %v", s.filename, err)
			s.state = StateError
			return s, nil
		}
		dec.images[s.filename] = img
		s.image = img
	}

	s.ip = live.IP
	s.currentLine = live.Line
	s.waitObject = dec.native(live.WaitObject)
	s.waitTime = live.WaitTime
	s.waitFrozen = live.WaitFrozen
	s.timeSlice = live.TimeSlice
	s.tracing = live.Tracing
	s.origState = live.OrigState

	stacks := []struct {
		dst **Stack
		ids []int
	}{
		{&s.stack, live.Stack},
		{&s.callStack, live.CallStack},
		{&s.thisStack, live.ThisStack},
		{&s.scopeStack, live.ScopeStack},
	}
	for _, st := range stacks {
		if *st.dst, err = dec.stack(st.ids); err != nil {
			return nil, err
		}
	}
	if v, err := dec.cell(live.Operand); err != nil {
		return nil, err
	} else if v != nil {
		s.operand = v
	}
	if v, err := dec.cell(live.Reg1); err != nil {
		return nil, err
	} else if v != nil {
		s.reg1 = v
	}
	return s, nil
}
