package vm

import (
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profiler accumulates execution time per script file. The engine feeds it
// after each script's slice of a tick while profiling is enabled.
type Profiler struct {
	enabled bool
	start   time.Time
	times   map[string]*ScriptProfile // keyed by lower-cased filename
}

// ScriptProfile holds profiling data for one script file.
type ScriptProfile struct {
	Filename string        `yaml:"file"`
	Total    time.Duration `yaml:"total"`
	Slices   uint64        `yaml:"slices"`
}

// NewProfiler creates a disabled profiler.
func NewProfiler() *Profiler {
	return &Profiler{times: make(map[string]*ScriptProfile)}
}

// Enable starts a fresh profiling session.
func (p *Profiler) Enable() {
	if p.enabled {
		return
	}
	p.Reset()
	p.enabled = true
	p.start = time.Now()
}

// Disable stops collecting. Collected data is kept until Reset.
func (p *Profiler) Disable() {
	p.enabled = false
}

// Enabled reports whether the profiler is collecting.
func (p *Profiler) Enabled() bool {
	return p.enabled
}

// AddScriptTime records d spent executing filename.
func (p *Profiler) AddScriptTime(filename string, d time.Duration) {
	if !p.enabled || filename == "" {
		return
	}
	key := strings.ToLower(filename)
	prof, ok := p.times[key]
	if !ok {
		prof = &ScriptProfile{Filename: filename}
		p.times[key] = prof
	}
	prof.Total += d
	prof.Slices++
}

// Profile returns the data for filename, or nil if not tracked.
func (p *Profiler) Profile(filename string) *ScriptProfile {
	return p.times[strings.ToLower(filename)]
}

// TopScripts returns the n scripts with the most execution time.
func (p *Profiler) TopScripts(n int) []ScriptProfile {
	all := make([]ScriptProfile, 0, len(p.times))
	for _, prof := range p.times {
		all = append(all, *prof)
	}

	// Simple selection sort for top N
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].Total > all[maxIdx].Total ||
				(all[j].Total == all[maxIdx].Total && all[j].Filename < all[maxIdx].Filename) {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// ProfileReport is the exported form of a profiling session.
type ProfileReport struct {
	Elapsed time.Duration   `yaml:"elapsed"`
	Total   time.Duration   `yaml:"total"`
	Scripts []ScriptProfile `yaml:"scripts"`
}

// Report summarises the session, scripts sorted by time spent.
func (p *Profiler) Report() ProfileReport {
	r := ProfileReport{Scripts: p.TopScripts(len(p.times))}
	if !p.start.IsZero() {
		r.Elapsed = time.Since(p.start)
	}
	for _, s := range r.Scripts {
		r.Total += s.Total
	}
	return r
}

// LogReport writes the report to the engine log.
func (p *Profiler) LogReport() {
	r := p.Report()
	engineLog.Infof("***** Script profiling: %s of %s spent in scripts", r.Total, r.Elapsed)
	for _, s := range r.Scripts {
		engineLog.Infof("  %10s  %s", s.Total, s.Filename)
	}
}

// WriteReport encodes the report as YAML.
func (p *Profiler) WriteReport(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p.Report()); err != nil {
		return err
	}
	return enc.Close()
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.times = make(map[string]*ScriptProfile)
	p.start = time.Time{}
}
