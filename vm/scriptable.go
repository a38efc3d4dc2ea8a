package vm

import (
	"errors"
	"os"
	"time"
)

// ---------------------------------------------------------------------------
// Host object model collaborators
// ---------------------------------------------------------------------------

// Scriptable is a host object scripts can hold a handle to. Lookups are by
// name; implementations usually keep a table of handlers built once at
// registration time.
type Scriptable interface {
	// ClassName names the host object's kind.
	ClassName() string
	// GetProperty returns the named property, ok=false when unknown.
	GetProperty(name string) (*Value, bool)
	// SetProperty stores the named property, false when the object does not
	// handle it (the value then keeps it in its own property table).
	SetProperty(name string, v *Value) bool
	// CallMethod runs a native method. Arguments and their count are on
	// stack; the method must consume them (CorrectParams) and push exactly
	// one result. Returns false when the method is unknown.
	CallMethod(s *Script, stack *Stack, thisStack *Stack, name string) bool
}

// ScriptTarget is a Scriptable with attached scripts that can run event and
// method handlers as script threads.
type ScriptTarget interface {
	Scriptable
	CanHandleEvent(name string) bool
	CanHandleMethod(name string) bool
	// InvokeMethodThread starts a method thread for name, or returns nil.
	InvokeMethodThread(name string) *Script
}

// Waitable is a host object a script can wait on.
type Waitable interface {
	IsReady() bool
}

// NativeConverter lets a native object take part in coercion.
type NativeConverter interface {
	ScToString() string
	ScToInt() int
	ScToFloat() float64
	ScToBool() bool
}

// NativeComparer orders two natives of the same class.
type NativeComparer interface {
	ScCompare(other Scriptable) int
}

// RefCounted natives are retained by every shared (non-persistent) value
// holding them and released when such a value is overwritten.
type RefCounted interface {
	AddRef()
	Release()
}

// NativeResolver maps native handles to stable IDs for save games.
type NativeResolver interface {
	NativeID(obj Scriptable) (string, bool)
	ResolveNative(id string) Scriptable
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

// Host is the narrow interface the engine calls outward through.
type Host interface {
	// ReadFile returns the raw contents of a script file.
	ReadFile(filename string) ([]byte, error)
	// ValidObject reports whether obj is still a live host object.
	ValidObject(obj Scriptable) bool
	// ExternalCall handles a game-level function unknown to the engine.
	// It follows the CallMethod stack contract; false means unknown.
	ExternalCall(s *Script, stack *Stack, thisStack *Stack, name string) bool
	// QuickMessage shows a short on-screen notice.
	QuickMessage(text string)
}

// ErrScriptNotFound is returned by hosts that have no such file.
var ErrScriptNotFound = errors.New("script file not found")

// FileHost is a Host backed by the local file system. Every object is valid
// and there are no game-level functions.
type FileHost struct {
	Dir string
}

// ReadFile implements Host.
func (h FileHost) ReadFile(filename string) ([]byte, error) {
	path := filename
	if h.Dir != "" {
		path = h.Dir + string(os.PathSeparator) + filename
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrScriptNotFound
	}
	return data, err
}

// ValidObject implements Host.
func (FileHost) ValidObject(Scriptable) bool { return true }

// ExternalCall implements Host.
func (FileHost) ExternalCall(*Script, *Stack, *Stack, string) bool { return false }

// QuickMessage implements Host.
func (FileHost) QuickMessage(text string) {
	engineLog.Notice(text)
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock supplies the two time bases used for sleeping. GameTime is the
// logical game timer, WallTime real milliseconds. While Frozen, sleeps are
// measured in wall time.
type Clock interface {
	GameTime() uint32
	WallTime() uint32
	Frozen() bool
}

// SystemClock uses real time for both bases.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock starting now.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) GameTime() uint32 { return c.WallTime() }

func (c *SystemClock) WallTime() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

func (c *SystemClock) Frozen() bool { return false }

// ManualClock is advanced explicitly; used by headless runs and tests.
type ManualClock struct {
	Game   uint32
	Wall   uint32
	Freeze bool
}

func (c *ManualClock) GameTime() uint32 { return c.Game }
func (c *ManualClock) WallTime() uint32 { return c.Wall }
func (c *ManualClock) Frozen() bool     { return c.Freeze }

// Advance moves both time bases forward by ms (game time only when not
// frozen).
func (c *ManualClock) Advance(ms uint32) {
	c.Wall += ms
	if !c.Freeze {
		c.Game += ms
	}
}
