// wmscript CLI - runs compiled WinterMute scripts headless
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/wmscript/manifest"
	"github.com/chazu/wmscript/savestore"
	"github.com/chazu/wmscript/vm"
)

var log = commonlog.GetLogger("wmscript.cli")

// ownerID is the registry ID of the object owning the main script.
const ownerID = "game"

type options struct {
	configDir string
	verbose   bool
	disasm    bool
	ticks     int
	tickMS    uint
	saveSlot  string
	loadSlot  string
	dbPath    string
	profile   bool
	color     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", ".", "Directory to search upwards for wmscript.toml")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")
	flag.BoolVar(&opts.disasm, "disasm", false, "Print a disassembly listing instead of running")
	flag.IntVar(&opts.ticks, "ticks", 1000, "Maximum number of engine ticks")
	flag.UintVar(&opts.tickMS, "tick-ms", 20, "Game milliseconds per tick")
	flag.StringVar(&opts.saveSlot, "save", "", "Save the engine to this slot when the run ends")
	flag.StringVar(&opts.loadSlot, "load", "", "Restore the engine from this slot before running")
	flag.StringVar(&opts.dbPath, "db", "", "Save database (overrides [save] database)")
	flag.BoolVar(&opts.profile, "profile", false, "Profile scripts and print a YAML report")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wmscript [options] [file.script]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled script headless until no script is left running.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  wmscript scene.script                 # Run scene.script\n")
		fmt.Fprintf(os.Stderr, "  wmscript -disasm scene.script         # Print a listing\n")
		fmt.Fprintf(os.Stderr, "  wmscript -ticks 50 -save s1 scene.script  # Run 50 ticks, save to slot s1\n")
		fmt.Fprintf(os.Stderr, "  wmscript -load s1                     # Continue from slot s1\n")
	}
	flag.Parse()
	opts.color = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	m, err := loadManifest(opts.configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	verbosity := m.Log.Verbosity
	if opts.verbose {
		verbosity++
	}
	commonlog.Configure(verbosity, m.LogPath())

	if err := run(m, opts, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

// run executes one headless session.
func run(m *manifest.Manifest, opts options, args []string, out io.Writer) error {
	if len(args) > 1 {
		return errors.New("at most one script file may be given")
	}
	host := newHeadlessHost(m.ScriptDirPaths(), out)

	if opts.disasm {
		if len(args) == 0 {
			return errors.New("-disasm needs a script file")
		}
		return disassemble(host, args[0], opts.color, out)
	}
	if len(args) == 0 && opts.loadSlot == "" {
		return errors.New("no script file given")
	}

	clock := &vm.ManualClock{}
	engineOpts := append(m.EngineOptions(), vm.WithClock(clock))
	if opts.profile {
		engineOpts = append(engineOpts, vm.WithProfiling(true))
	}
	e := vm.NewEngine(host, engineOpts...)

	owner := vm.NewScriptObject(e, ownerID)
	host.Register(ownerID, owner)
	e.Globals().SetProp("Game", vm.NewNative(owner, true))

	var store *savestore.Store
	if opts.saveSlot != "" || opts.loadSlot != "" {
		dbPath := opts.dbPath
		if dbPath == "" {
			dbPath = m.DatabasePath()
		}
		var err error
		if store, err = savestore.Open(dbPath); err != nil {
			return err
		}
		defer store.Close()
	}

	if opts.loadSlot != "" {
		if err := store.LoadEngine(opts.loadSlot, e); err != nil {
			return err
		}
	}
	if len(args) == 1 {
		if _, err := owner.AddScript(args[0]); err != nil {
			return err
		}
	}

	ticks := runTicks(e, clock, opts.ticks, uint32(opts.tickMS))
	counts := e.NumScripts()
	if opts.verbose {
		fmt.Fprintf(out, "%d ticks, %d running, %d waiting, %d persistent\n",
			ticks, counts.Running, counts.Waiting, counts.Persistent)
	}

	if opts.profile {
		e.Profiler().Disable()
		if err := e.Profiler().WriteReport(out); err != nil {
			return err
		}
	}

	if opts.saveSlot != "" {
		desc := fmt.Sprintf("%d ticks", ticks)
		if len(args) == 1 {
			desc = fmt.Sprintf("%s after %d ticks", args[0], ticks)
		}
		if err := store.SaveEngine(opts.saveSlot, desc, e); err != nil {
			return err
		}
	}
	return nil
}

// runTicks ticks e until no script is running or waiting, or limit ticks
// have passed, and returns the number of ticks run.
func runTicks(e *vm.Engine, clock *vm.ManualClock, limit int, tickMS uint32) int {
	n := 0
	for n < limit {
		c := e.NumScripts()
		if c.Running == 0 && c.Waiting == 0 {
			break
		}
		e.Tick()
		clock.Advance(tickMS)
		n++
	}
	log.Debugf("stopped after %d ticks", n)
	return n
}

func disassemble(host *headlessHost, filename string, color bool, out io.Writer) error {
	data, err := host.ReadFile(filename)
	if err != nil {
		return err
	}
	img, err := vm.LoadImage(filename, data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, img.DisassembleColor(color))
	return err
}
