package vm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Engine: owner of all live scripts
// ---------------------------------------------------------------------------

// CompileFunc turns script source into a compiled image buffer.
type CompileFunc func(filename string, source []byte) ([]byte, error)

// BuiltinFunc is an engine-level function callable from scripts by name. It
// follows the native method stack contract: CorrectParams, then push one
// result.
type BuiltinFunc func(s *Script, stack *Stack, thisStack *Stack)

// ScriptOwner is implemented by owners that track their attached scripts
// and must drop them when the engine reaps them.
type ScriptOwner interface {
	RemoveScript(s *Script)
}

// ErrCompilerUnavailable is returned for source files when no compiler
// backend is configured.
var ErrCompilerUnavailable = errors.New("script needs to be compiled but compiler is not available")

// Engine owns the live script instances, the shared globals, the compiled
// image cache and the tick scheduler. It is single-threaded: every method
// must be called from the game loop goroutine.
type Engine struct {
	host    Host
	clock   Clock
	globals *Value

	scripts []*Script
	current *Script

	cache    *scriptCache
	compiler CompileFunc

	builtins  map[string]BuiltinFunc
	externals *ExternalLibrary
	debugger  *Debugger
	profiler  *Profiler

	breakpoints []Breakpoint

	suppressErrors          bool
	compatKillMethodThreads bool
	maxInstructions         int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for sleeps.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithCacheSize sets the number of compiled images kept.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cache = newScriptCache(n) }
}

// WithCompiler sets the backend used for files that are not compiled images.
func WithCompiler(fn CompileFunc) Option {
	return func(e *Engine) { e.compiler = fn }
}

// WithSuppressScriptErrors disables the on-screen runtime error notice.
func WithSuppressScriptErrors(suppress bool) Option {
	return func(e *Engine) { e.suppressErrors = suppress }
}

// WithProfiling starts the engine with profiling enabled.
func WithProfiling(enabled bool) Option {
	return func(e *Engine) {
		if enabled {
			e.profiler.Enable()
		}
	}
}

// WithCompatKillMethodThreads makes ResetObject leave scripts waiting on a
// reset script alone, as older engine versions did.
func WithCompatKillMethodThreads(enabled bool) Option {
	return func(e *Engine) { e.compatKillMethodThreads = enabled }
}

// WithMaxInstructions caps the instructions one script may run per tick
// (0 means no cap). A script hitting the cap continues next tick.
func WithMaxInstructions(n int) Option {
	return func(e *Engine) { e.maxInstructions = n }
}

// WithDebugger activates the debugger.
func WithDebugger(enabled bool) Option {
	return func(e *Engine) {
		if enabled {
			e.debugger.Activate()
		}
	}
}

// WithBreakpoint adds a breakpoint at startup.
func WithBreakpoint(filename string, line int) Option {
	return func(e *Engine) { e.AddBreakpoint(filename, line) }
}

// NewEngine creates an engine calling out through host.
func NewEngine(host Host, opts ...Option) *Engine {
	e := &Engine{
		host:      host,
		clock:     NewSystemClock(),
		globals:   NewObject(),
		cache:     newScriptCache(DefaultCacheSize),
		builtins:  make(map[string]BuiltinFunc),
		externals: NewExternalLibrary(),
		debugger:  NewDebugger(),
		profiler:  NewProfiler(),
	}
	registerBuiltins(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Globals returns the namespace shared by every script of this engine.
func (e *Engine) Globals() *Value { return e.globals }

// Host returns the host collaborator.
func (e *Engine) Host() Host { return e.host }

// Clock returns the time source.
func (e *Engine) Clock() Clock { return e.clock }

// Debugger returns the engine's debugger.
func (e *Engine) Debugger() *Debugger { return e.debugger }

// Profiler returns the engine's profiler.
func (e *Engine) Profiler() *Profiler { return e.profiler }

// Externals returns the library of external functions.
func (e *Engine) Externals() *ExternalLibrary { return e.externals }

// CurrentScript returns the script executing right now, or nil.
func (e *Engine) CurrentScript() *Script { return e.current }

// Scripts returns the live scripts in registration order.
func (e *Engine) Scripts() []*Script {
	return slices.Clone(e.scripts)
}

// RegisterBuiltin adds or replaces an engine-level function.
func (e *Engine) RegisterBuiltin(name string, fn BuiltinFunc) {
	e.builtins[name] = fn
}

// UseCompiler sets the compiler backend after construction.
func (e *Engine) UseCompiler(fn CompileFunc) {
	e.compiler = fn
}

// ---------------------------------------------------------------------------
// Compiled image cache
// ---------------------------------------------------------------------------

// GetCompiledScript returns the image for filename from the cache, loading
// (and compiling when needed) it on a miss.
func (e *Engine) GetCompiledScript(filename string, ignoreCache bool) (*CompiledImage, error) {
	if !ignoreCache {
		if img, ok := e.cache.get(filename); ok {
			return img, nil
		}
	}

	data, err := e.host.ReadFile(filename)
	if err != nil {
		engineLog.Errorf("GetCompiledScript - error opening script '%s': %v", filename, err)
		return nil, fmt.Errorf("script '%s': %w", filename, err)
	}

	if !IsCompiledImage(data) {
		if e.compiler == nil {
			engineLog.Errorf("GetCompiledScript - script '%s' needs to be compiled but compiler is not available", filename)
			return nil, fmt.Errorf("script '%s': %w", filename, ErrCompilerUnavailable)
		}
		data, err = e.compiler(filename, data)
		if err != nil {
			engineLog.Errorf("GetCompiledScript - error compiling script '%s': %v", filename, err)
			return nil, fmt.Errorf("script '%s': compile: %w", filename, err)
		}
	}

	img, err := LoadImage(filename, data)
	if err != nil {
		engineLog.Errorf("GetCompiledScript - %v", err)
		return nil, err
	}
	if evicted := e.cache.put(filename, img); evicted != "" {
		engineLog.Debugf("script cache full, evicted '%s'", evicted)
	}
	return img, nil
}

// EmptyScriptCache drops every cached image. Running scripts keep theirs.
func (e *Engine) EmptyScriptCache() {
	e.cache.clear()
}

// CachedScripts lists the filenames currently cached.
func (e *Engine) CachedScripts() []string {
	return e.cache.filenames()
}

// ---------------------------------------------------------------------------
// Script lifecycle
// ---------------------------------------------------------------------------

// RunScript creates and registers a top-level script for filename bound to
// owner. It starts executing on the next Tick.
func (e *Engine) RunScript(filename string, owner Scriptable) (*Script, error) {
	img, err := e.GetCompiledScript(filename, false)
	if err != nil {
		return nil, err
	}
	s := newScript(e)
	s.create(filename, img, owner)
	e.addScript(s)
	e.debugger.scriptStarted(s)
	engineLog.Debugf("running script '%s'", filename)
	return s, nil
}

func (e *Engine) addScript(s *Script) {
	e.scripts = append(e.scripts, s)
}

// IsValidScript reports whether s is still registered.
func (e *Engine) IsValidScript(s *Script) bool {
	return s != nil && slices.Contains(e.scripts, s)
}

// FindScript returns the registered script with the given ID.
func (e *Engine) FindScript(id string) *Script {
	for _, s := range e.scripts {
		if s.ID.String() == id {
			return s
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Tick resolves wake conditions for every suspended script, then runs every
// runnable script in registration order until it suspends, finishes or
// uses up its time slice, then reaps finished scripts.
func (e *Engine) Tick() {
	if len(e.scripts) == 0 {
		return
	}

	for _, s := range e.scripts {
		e.wake(s)
	}

	// Threads spawned during this loop are appended and run this tick too.
	for i := 0; i < len(e.scripts); i++ {
		s := e.scripts[i]
		if s.state == StatePaused {
			continue
		}
		e.runSlice(s)
	}

	e.removeFinishedScripts()
}

// wake resumes s if its suspension condition holds.
func (e *Engine) wake(s *Script) {
	switch s.state {
	case StateWaiting:
		if !e.host.ValidObject(s.waitObject) {
			s.Finish(false)
			return
		}
		if w, ok := s.waitObject.(Waitable); !ok || w.IsReady() {
			s.waitObject = nil
			s.Run()
		}

	case StateSleeping:
		now := e.clock.GameTime()
		if s.waitFrozen {
			now = e.clock.WallTime()
		}
		if s.waitTime <= now {
			s.Run()
		}

	case StateWaitingScript:
		child := s.waitScript
		if !e.IsValidScript(child) || child.state == StateError {
			s.resumeWith(nil)
			return
		}
		if child.state == StateThreadFinished {
			var result *Value
			if child.stack.Len() > 0 {
				result = child.stack.Pop()
			}
			s.resumeWith(result)
			child.Finish(false)
		}
	}
}

// runSlice executes s until it stops running, bounded by its time slice and
// the per-tick instruction cap.
func (e *Engine) runSlice(s *Script) {
	start := time.Now()
	slice := time.Duration(s.timeSlice) * time.Millisecond
	executed := 0

	for s.state == StateRunning {
		if slice > 0 && time.Since(start) >= slice {
			break
		}
		if e.maxInstructions > 0 && executed >= e.maxInstructions {
			engineLog.Warningf("script '%s' hit the limit of %d instructions per tick (line %d)",
				s.filename, e.maxInstructions, s.currentLine)
			break
		}
		e.current = s
		s.ExecuteInstruction()
		executed++
	}
	e.current = nil

	if e.profiler.Enabled() {
		e.profiler.AddScriptTime(s.filename, time.Since(start))
	}
}

// TickUnbreakable runs every unbreakable script synchronously to the end,
// then finishes it.
func (e *Engine) TickUnbreakable() {
	for i := 0; i < len(e.scripts); i++ {
		s := e.scripts[i]
		if !s.unbreakable {
			continue
		}
		for s.state == StateRunning {
			e.current = s
			s.ExecuteInstruction()
		}
		s.Finish(false)
		e.current = nil
	}
	e.removeFinishedScripts()
}

// removeFinishedScripts reaps Finished and Error scripts.
func (e *Engine) removeFinishedScripts() {
	live := e.scripts[:0]
	var reaped []*Script
	for _, s := range e.scripts {
		if s.state.Terminal() {
			reaped = append(reaped, s)
			continue
		}
		live = append(live, s)
	}
	clear(e.scripts[len(live):])
	e.scripts = live

	for _, s := range reaped {
		if !s.thread && s.owner != nil {
			if o, ok := s.owner.(ScriptOwner); ok {
				o.RemoveScript(s)
			}
		}
		e.debugger.scriptFinished(s)
		s.stack.Clear()
		s.thisStack.Clear()
		s.scopeStack.Clear()
		s.callStack.Clear()
	}
}

// ---------------------------------------------------------------------------
// Cancellation and freezing
// ---------------------------------------------------------------------------

// ResetObject finishes every script waiting on obj. Top-level scripts take
// their threads with them.
func (e *Engine) ResetObject(obj Scriptable) {
	for _, s := range e.Scripts() {
		if s.state != StateWaiting || s.waitObject != obj {
			continue
		}
		if !e.compatKillMethodThreads {
			e.ResetScript(s)
		}
		isThread := s.methodThread || s.thread
		s.Finish(!isThread)
	}
}

// ResetScript finishes every script waiting for s to return.
func (e *Engine) ResetScript(s *Script) {
	for _, other := range e.scripts {
		if other.state == StateWaitingScript && other.waitScript == s {
			other.Finish(false)
		}
	}
}

// PauseAll pauses every freezable script except the one executing.
func (e *Engine) PauseAll() {
	for _, s := range e.scripts {
		if s != e.current {
			s.Pause()
		}
	}
}

// ResumeAll resumes every paused script.
func (e *Engine) ResumeAll() {
	for _, s := range e.scripts {
		s.Resume()
	}
}

// ScriptCounts summarises the live scripts.
type ScriptCounts struct {
	Running    int // running, sleeping or paused
	Waiting    int // waiting on an object or a script
	Persistent int
}

// NumScripts counts live scripts by scheduling state.
func (e *Engine) NumScripts() ScriptCounts {
	var c ScriptCounts
	for _, s := range e.scripts {
		switch s.state {
		case StateRunning, StateSleeping, StatePaused:
			c.Running++
		case StateWaiting, StateWaitingScript:
			c.Waiting++
		case StatePersistent:
			c.Persistent++
		}
	}
	return c
}

// ClearGlobals resets every non-const engine global to Null. Natives are
// kept unless includingNatives is set.
func (e *Engine) ClearGlobals(includingNatives bool) {
	e.globals.CleanProps(includingNatives)
}

// Reset finishes and drops every script, clears the cache and the globals.
func (e *Engine) Reset() {
	for _, s := range e.scripts {
		s.state = StateFinished
	}
	e.removeFinishedScripts()
	e.cache.clear()
	e.globals = NewObject()
}

// scriptError is called for every runtime error.
func (e *Engine) scriptError(s *Script, msg string) {
	e.debugger.runtimeError(s, msg)
	if !e.suppressErrors {
		e.host.QuickMessage("Script runtime error. View log for details.")
	}
}

// ---------------------------------------------------------------------------
// Profiling
// ---------------------------------------------------------------------------

// EnableProfiling starts a fresh profiling session.
func (e *Engine) EnableProfiling() {
	e.profiler.Enable()
}

// DisableProfiling stops profiling and logs the report.
func (e *Engine) DisableProfiling() {
	if !e.profiler.Enabled() {
		return
	}
	e.profiler.Disable()
	e.profiler.LogReport()
}

// ProfilingReport returns the current profiling summary.
func (e *Engine) ProfilingReport() ProfileReport {
	return e.profiler.Report()
}

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

// AddBreakpoint adds a breakpoint and refreshes every script of the file.
func (e *Engine) AddBreakpoint(filename string, line int) {
	i := e.breakpointIndex(filename)
	if i < 0 {
		e.breakpoints = append(e.breakpoints, Breakpoint{Filename: filename})
		i = len(e.breakpoints) - 1
	}
	bp := &e.breakpoints[i]
	if !slices.Contains(bp.Lines, line) {
		bp.Lines = append(bp.Lines, line)
		slices.Sort(bp.Lines)
	}
	e.RefreshBreakpoints()
}

// RemoveBreakpoint removes a breakpoint and refreshes the scripts.
func (e *Engine) RemoveBreakpoint(filename string, line int) bool {
	i := e.breakpointIndex(filename)
	if i < 0 {
		return false
	}
	bp := &e.breakpoints[i]
	j := slices.Index(bp.Lines, line)
	if j < 0 {
		return false
	}
	bp.Lines = slices.Delete(bp.Lines, j, j+1)
	if len(bp.Lines) == 0 {
		e.breakpoints = slices.Delete(e.breakpoints, i, i+1)
	}
	e.RefreshBreakpoints()
	return true
}

// Breakpoints returns a copy of the breakpoint list.
func (e *Engine) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, len(e.breakpoints))
	for i, bp := range e.breakpoints {
		out[i] = Breakpoint{Filename: bp.Filename, Lines: slices.Clone(bp.Lines)}
	}
	return out
}

// RefreshBreakpoints copies the breakpoint lines into every live script.
func (e *Engine) RefreshBreakpoints() {
	for _, s := range e.scripts {
		s.refreshBreakpoints()
	}
}

func (e *Engine) breakpointIndex(filename string) int {
	for i, bp := range e.breakpoints {
		if strings.EqualFold(bp.Filename, filename) {
			return i
		}
	}
	return -1
}

func (e *Engine) breakpointLines(filename string) map[int]bool {
	i := e.breakpointIndex(filename)
	if i < 0 {
		return nil
	}
	lines := make(map[int]bool, len(e.breakpoints[i].Lines))
	for _, l := range e.breakpoints[i].Lines {
		lines[l] = true
	}
	return lines
}
