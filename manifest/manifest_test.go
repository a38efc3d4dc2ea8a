package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/wmscript/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[engine]
cache-size = 5
suppress-script-errors = true
profiling = true
compat-kill-method-threads = true
max-instructions-per-tick = 1000

[scripts]
dirs = ["scripts", "/opt/game/scripts"]

[debug]
enabled = true

[[debug.breakpoint]]
file = "scenes/intro.script"
lines = [3, 7]

[log]
verbosity = 2
file = "wmscript.log"

[save]
database = "/var/lib/game/saves.db"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Engine.CacheSize != 5 {
		t.Errorf("cache-size = %d, want 5", m.Engine.CacheSize)
	}
	if !m.Engine.SuppressScriptErrors || !m.Engine.Profiling || !m.Engine.CompatKillMethodThreads {
		t.Errorf("engine flags = %+v", m.Engine)
	}
	if m.Engine.MaxInstructionsPerTick != 1000 {
		t.Errorf("max-instructions-per-tick = %d, want 1000", m.Engine.MaxInstructionsPerTick)
	}
	if !m.Debug.Enabled || len(m.Debug.Breakpoints) != 1 {
		t.Fatalf("debug = %+v", m.Debug)
	}
	if bp := m.Debug.Breakpoints[0]; bp.File != "scenes/intro.script" || len(bp.Lines) != 2 || bp.Lines[1] != 7 {
		t.Errorf("breakpoint = %+v", bp)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if p := m.LogPath(); p == nil || *p != filepath.Join(m.Dir, "wmscript.log") {
		t.Errorf("LogPath = %v", p)
	}
	if got := m.DatabasePath(); got != "/var/lib/game/saves.db" {
		t.Errorf("DatabasePath = %q", got)
	}

	paths := m.ScriptDirPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(m.Dir, "scripts") || paths[1] != "/opt/game/scripts" {
		t.Errorf("ScriptDirPaths = %v", paths)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[engine]
profiling = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Engine.CacheSize != vm.DefaultCacheSize {
		t.Errorf("default cache-size = %d, want %d", m.Engine.CacheSize, vm.DefaultCacheSize)
	}
	if len(m.Scripts.Dirs) != 1 || m.Scripts.Dirs[0] != "." {
		t.Errorf("default script dirs = %v, want [.]", m.Scripts.Dirs)
	}
	if m.Log.Verbosity != 1 || m.LogPath() != nil {
		t.Errorf("default log = %+v", m.Log)
	}
	if got := m.DatabasePath(); got != filepath.Join(m.Dir, "saves.db") {
		t.Errorf("default DatabasePath = %q", got)
	}
}

func TestLoadManifestKeepsZeroVerbosity(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[log]
verbosity = 0
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Log.Verbosity != 0 {
		t.Errorf("log verbosity = %d, want the configured 0", m.Log.Verbosity)
	}
	if got := Default().Log.Verbosity; got != defaultVerbosity {
		t.Errorf("Default() verbosity = %d, want %d", got, defaultVerbosity)
	}
}

func TestLoadManifestRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[engine\ncache-size = 1"},
		{"negative cache", "[engine]\ncache-size = -1"},
		{"negative instructions", "[engine]\nmax-instructions-per-tick = -5"},
		{"breakpoint without file", "[[debug.breakpoint]]\nlines = [1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			if _, err := Load(dir); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load should fail without a wmscript.toml")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[engine]\ncache-size = 3\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Engine.CacheSize != 3 {
		t.Errorf("cache-size = %d, want 3", m.Engine.CacheSize)
	}
	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no wmscript.toml exists")
	}
}

func TestEngineOptions(t *testing.T) {
	m := Default()
	m.Engine.SuppressScriptErrors = true
	m.Debug.Enabled = true
	m.Debug.Breakpoints = []Breakpoint{{File: "a.script", Lines: []int{2, 9}}}

	opts := m.EngineOptions()
	if len(opts) != 8 {
		t.Fatalf("got %d options, want 8", len(opts))
	}

	e := vm.NewEngine(nil, opts...)
	bps := e.Breakpoints()
	if len(bps) != 1 || bps[0].Filename != "a.script" || len(bps[0].Lines) != 2 {
		t.Errorf("breakpoints = %+v", bps)
	}
	if !e.Debugger().Enabled() {
		t.Error("debugger should be enabled")
	}
}
