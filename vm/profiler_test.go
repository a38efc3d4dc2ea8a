package vm

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestProfilerDisabledIgnoresTime(t *testing.T) {
	p := NewProfiler()
	p.AddScriptTime("a.script", time.Millisecond)
	if p.Profile("a.script") != nil {
		t.Error("disabled profiler should not record")
	}
}

func TestProfilerAccumulates(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.AddScriptTime("a.script", 2*time.Millisecond)
	p.AddScriptTime("A.SCRIPT", 3*time.Millisecond)
	p.AddScriptTime("b.script", time.Millisecond)

	a := p.Profile("a.script")
	if a == nil || a.Total != 5*time.Millisecond || a.Slices != 2 {
		t.Errorf("a.script = %+v, want 5ms over 2 slices", a)
	}
	if a.Filename != "a.script" {
		t.Errorf("filename = %q, want the first spelling", a.Filename)
	}
}

func TestProfilerTopScripts(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.AddScriptTime("slow.script", 30*time.Millisecond)
	p.AddScriptTime("fast.script", time.Millisecond)
	p.AddScriptTime("mid.script", 10*time.Millisecond)

	top := p.TopScripts(2)
	if len(top) != 2 || top[0].Filename != "slow.script" || top[1].Filename != "mid.script" {
		t.Errorf("TopScripts(2) = %+v", top)
	}
	if got := len(p.TopScripts(10)); got != 3 {
		t.Errorf("TopScripts(10) returned %d, want 3", got)
	}
}

func TestProfilerReportYAML(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.AddScriptTime("a.script", 4*time.Millisecond)
	p.AddScriptTime("b.script", 6*time.Millisecond)

	r := p.Report()
	if r.Total != 10*time.Millisecond || len(r.Scripts) != 2 {
		t.Errorf("report = %+v", r)
	}

	var buf bytes.Buffer
	if err := p.WriteReport(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "file: b.script") {
		t.Errorf("yaml missing script entry:\n%s", buf.String())
	}

	var decoded struct {
		Scripts []struct {
			File   string `yaml:"file"`
			Slices uint64 `yaml:"slices"`
		} `yaml:"scripts"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not valid yaml: %v", err)
	}
	if len(decoded.Scripts) != 2 || decoded.Scripts[0].File != "b.script" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestProfilerEnableResets(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.AddScriptTime("a.script", time.Millisecond)
	p.Disable()
	if p.Profile("a.script") == nil {
		t.Fatal("Disable should keep the data")
	}
	p.Enable()
	if p.Profile("a.script") != nil {
		t.Error("Enable should start a fresh session")
	}
}
