package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"delta-calibration/pkg/errors"
)

const printerCfg = `
[printer]
kinematics: delta

[delta]
arm_length: 269.0    # rod length
delta_radius: 130.0
tower_radius_offsets: 0.1, -0.2, 0
endstop_trim: -0.5, 0, -1.25

[delta_calibration]
probe_radius: 100
grid_size: 5
probe_smoothing: 2
probe_offset_z: 0.25
`

func TestLoadStringSections(t *testing.T) {
	cfg, err := LoadString(printerCfg)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	for _, name := range []string{"printer", "delta", "delta_calibration"} {
		if !cfg.HasSection(name) {
			t.Errorf("expected [%s] section", name)
		}
	}
	if got := cfg.GetSectionNames(); len(got) != 3 || got[0] != "printer" {
		t.Errorf("section order %v", got)
	}

	delta, err := cfg.GetSection("delta")
	if err != nil {
		t.Fatal(err)
	}
	arm, err := delta.GetFloat("arm_length")
	if err != nil || arm != 269.0 {
		t.Errorf("arm_length = %v, %v (inline comment must be stripped)", arm, err)
	}
	offsets, err := delta.GetTriple("tower_radius_offsets")
	if err != nil || offsets != [3]float64{0.1, -0.2, 0} {
		t.Errorf("tower_radius_offsets = %v, %v", offsets, err)
	}

	if _, err := cfg.GetSection("missing"); !errors.Is(err, errors.ErrConfigSection) {
		t.Errorf("expected CONFIG_SECTION error, got %v", err)
	}
}

func TestTypedGetters(t *testing.T) {
	cfg, err := LoadString(`
[probe]
count: 12
flag: yes
bad_int: 1.5
triple_short: 1, 2
shape: Square
`)
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("probe")

	if v, err := sec.GetInt("count"); err != nil || v != 12 {
		t.Errorf("GetInt = %d, %v", v, err)
	}
	if v, err := sec.GetBool("flag"); err != nil || !v {
		t.Errorf("GetBool = %v, %v", v, err)
	}
	if _, err := sec.GetInt("bad_int"); !errors.Is(err, errors.ErrConfigType) {
		t.Errorf("expected CONFIG_TYPE, got %v", err)
	}
	if _, err := sec.GetTriple("triple_short"); err == nil {
		t.Error("expected error for two-value triple")
	}
	if v, err := sec.GetChoice("shape", []string{"circle", "square"}); err != nil || v != "square" {
		t.Errorf("GetChoice = %q, %v", v, err)
	}
	if v, err := sec.GetFloat("absent", 2.5); err != nil || v != 2.5 {
		t.Errorf("fallback = %v, %v", v, err)
	}
	if _, err := sec.GetFloat("absent_required"); !errors.Is(err, errors.ErrConfigOption) {
		t.Errorf("expected CONFIG_OPTION, got %v", err)
	}
}

func TestBounds(t *testing.T) {
	cfg, _ := LoadString("[s]\nsmoothing: 11\nradius: 0\n")
	sec, _ := cfg.GetSection("s")

	if _, err := sec.GetIntWithBounds("smoothing", Int(1), Int(10)); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := sec.GetFloatWithBounds("radius", FloatBounds{Above: Float(0)}); err == nil {
		t.Error("radius 0 must be rejected")
	}
	if v, err := sec.GetFloatWithBounds("radius", FloatBounds{MinVal: Float(0)}); err != nil || v != 0 {
		t.Errorf("MinVal inclusive: %v, %v", v, err)
	}
}

func TestSyntaxError(t *testing.T) {
	_, err := LoadString("[delta]\nthis line has no separator\n")
	if err == nil || !errors.IsConfig(err) {
		t.Fatalf("expected config syntax error, got %v", err)
	}
	var herr *errors.HostError
	if e, ok := err.(*errors.HostError); ok {
		herr = e
	}
	if herr == nil || herr.Line != 2 {
		t.Errorf("expected error on line 2, got %+v", err)
	}
}

func TestUnusedOptions(t *testing.T) {
	cfg, _ := LoadString("[delta_calibration]\nprobe_radius: 90\nprobe_radus: 80\n[unrelated]\nx: 1\n")
	sec, _ := cfg.GetSection("delta_calibration")
	sec.GetFloat("probe_radius")

	err := cfg.CheckUnusedOptions()
	if err == nil || !strings.Contains(err.Error(), "probe_radus") {
		t.Fatalf("expected misspelled option to be reported, got %v", err)
	}
	if strings.Contains(err.Error(), "unrelated") {
		t.Errorf("unaccessed sections are not checked: %v", err)
	}
	if got := cfg.GetUnusedSections(); len(got) != 1 || got[0] != "unrelated" {
		t.Errorf("GetUnusedSections = %v", got)
	}
}

func TestIncludeAndAutosaveLines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "probe.cfg"), "[delta_calibration]\nprobe_radius: 95\n")
	writeFile(t, filepath.Join(dir, "printer.cfg"), `[include probe.cfg]
[delta]
delta_radius: 130
arm_length: 270

#*# <---------------------- SAVE_CONFIG ---------------------->
#*# [delta]
#*# delta_radius = 131.5
`)
	cfg, err := Load(filepath.Join(dir, "printer.cfg"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sec, _ := cfg.GetSection("delta_calibration")
	if r, _ := sec.GetFloat("probe_radius"); r != 95 {
		t.Errorf("included probe_radius = %v", r)
	}
	delta, _ := cfg.GetSection("delta")
	if r, _ := delta.GetFloat("delta_radius"); r != 131.5 {
		t.Errorf("autosaved value must override, got %v", r)
	}

	if _, err := LoadString("[include other.cfg]\n"); err == nil {
		t.Error("include from a string must fail")
	}
}

func TestRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.cfg"), "[include b.cfg]\n")
	writeFile(t, filepath.Join(dir, "b.cfg"), "[include a.cfg]\n")
	if _, err := Load(filepath.Join(dir, "a.cfg")); err == nil || !strings.Contains(err.Error(), "recursive") {
		t.Fatalf("expected recursive include error, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
