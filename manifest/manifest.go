// Package manifest handles wmscript.toml engine configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/wmscript/vm"
)

// FileName is the name of the configuration file.
const FileName = "wmscript.toml"

// defaultVerbosity applies when [log] omits verbosity. An explicit 0 is kept.
const defaultVerbosity = 1

// Manifest represents a wmscript.toml configuration.
type Manifest struct {
	Engine  EngineConfig  `toml:"engine"`
	Scripts ScriptsConfig `toml:"scripts"`
	Debug   DebugConfig   `toml:"debug"`
	Log     LogConfig     `toml:"log"`
	Save    SaveConfig    `toml:"save"`

	// Dir is the directory containing the wmscript.toml file (set at load time).
	Dir string `toml:"-"`
}

// EngineConfig configures the script engine.
type EngineConfig struct {
	CacheSize               int  `toml:"cache-size"`
	SuppressScriptErrors    bool `toml:"suppress-script-errors"`
	Profiling               bool `toml:"profiling"`
	CompatKillMethodThreads bool `toml:"compat-kill-method-threads"`
	MaxInstructionsPerTick  int  `toml:"max-instructions-per-tick"`
}

// ScriptsConfig configures where compiled scripts are looked up.
type ScriptsConfig struct {
	Dirs []string `toml:"dirs"`
}

// DebugConfig configures the debugger.
type DebugConfig struct {
	Enabled     bool         `toml:"enabled"`
	Breakpoints []Breakpoint `toml:"breakpoint"`
}

// Breakpoint is a set of lines in one script file.
type Breakpoint struct {
	File  string `toml:"file"`
	Lines []int  `toml:"lines"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// SaveConfig configures save-slot storage.
type SaveConfig struct {
	Database string `toml:"database"`
}

// Default returns the configuration used when no wmscript.toml exists.
func Default() *Manifest {
	m := &Manifest{Dir: ".", Log: LogConfig{Verbosity: defaultVerbosity}}
	m.applyDefaults()
	return m
}

// Load parses a wmscript.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Manifest{Log: LogConfig{Verbosity: defaultVerbosity}}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.Engine.CacheSize < 0 {
		return nil, fmt.Errorf("%s: engine.cache-size must not be negative", path)
	}
	if m.Engine.MaxInstructionsPerTick < 0 {
		return nil, fmt.Errorf("%s: engine.max-instructions-per-tick must not be negative", path)
	}
	for _, bp := range m.Debug.Breakpoints {
		if bp.File == "" {
			return nil, fmt.Errorf("%s: breakpoint without a file", path)
		}
	}

	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Engine.CacheSize == 0 {
		m.Engine.CacheSize = vm.DefaultCacheSize
	}
	if len(m.Scripts.Dirs) == 0 {
		m.Scripts.Dirs = []string{"."}
	}
	if m.Save.Database == "" {
		m.Save.Database = "saves.db"
	}
}

// FindAndLoad walks up from startDir to find a wmscript.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ScriptDirPaths returns absolute paths for the configured script directories.
func (m *Manifest) ScriptDirPaths() []string {
	var paths []string
	for _, d := range m.Scripts.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// DatabasePath returns the save database path, resolved against Dir.
func (m *Manifest) DatabasePath() string {
	if filepath.IsAbs(m.Save.Database) {
		return m.Save.Database
	}
	return filepath.Join(m.Dir, m.Save.Database)
}

// LogPath returns the log file path, or nil to log to stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	path := m.Log.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	return &path
}

// EngineOptions converts the configuration to engine options.
func (m *Manifest) EngineOptions() []vm.Option {
	opts := []vm.Option{
		vm.WithCacheSize(m.Engine.CacheSize),
		vm.WithSuppressScriptErrors(m.Engine.SuppressScriptErrors),
		vm.WithProfiling(m.Engine.Profiling),
		vm.WithCompatKillMethodThreads(m.Engine.CompatKillMethodThreads),
		vm.WithMaxInstructions(m.Engine.MaxInstructionsPerTick),
		vm.WithDebugger(m.Debug.Enabled),
	}
	for _, bp := range m.Debug.Breakpoints {
		for _, line := range bp.Lines {
			opts = append(opts, vm.WithBreakpoint(bp.File, line))
		}
	}
	return opts
}
