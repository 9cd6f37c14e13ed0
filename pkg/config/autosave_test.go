package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAutosaveSetOptionVisible(t *testing.T) {
	cfg, err := LoadString("[delta]\ndelta_radius: 130\narm_length: 270\n")
	if err != nil {
		t.Fatal(err)
	}
	ac := NewAutosaveConfig(cfg, "")
	ac.SetOption("delta", "delta_radius", "131.2500")
	ac.SetOption("surface_state", "state", "M667 A0.0000 B0.0000 C-1.0000 D1 E0 Z1")

	if !ac.HasChanges() {
		t.Fatal("expected pending changes")
	}
	if got := ac.PendingSections(); len(got) != 2 || got[0] != "delta" {
		t.Errorf("PendingSections = %v", got)
	}
	sec, _ := ac.GetSection("delta")
	if r, _ := sec.GetFloat("delta_radius"); r != 131.25 {
		t.Errorf("delta_radius = %v", r)
	}
	if _, err := ac.GetSection("surface_state"); err != nil {
		t.Errorf("new section not created: %v", err)
	}
	if err := ac.SaveChanges(""); err == nil {
		t.Error("saving without a path must fail")
	}
}

func TestAutosavePreservesHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "printer.cfg")
	head := "# my printer\n[delta]\ndelta_radius: 130 # measured by hand\narm_length: 270\n"
	writeFile(t, path, head+"\n#*# <---------------------- SAVE_CONFIG ---------------------->\n#*# [delta]\n#*# arm_length = 269.5\n")

	ac, err := LoadAutosave(path)
	if err != nil {
		t.Fatal(err)
	}
	ac.SetOption("delta", "endstop_trim", "-0.5000, 0.0000, -0.2500")
	if err := ac.SaveChanges(""); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
	if ac.HasChanges() {
		t.Error("changes should be cleared after save")
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.HasPrefix(content, head) {
		t.Errorf("hand-written part changed:\n%s", content)
	}
	for _, want := range []string{"#*# arm_length = 269.5", "#*# endstop_trim = -0.5000, 0.0000, -0.2500"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in\n%s", want, content)
		}
	}
	if strings.Count(content, "SAVE_CONFIG") != 1 {
		t.Errorf("autosave block duplicated:\n%s", content)
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "printer-*.cfg"))
	if len(backups) != 1 {
		t.Errorf("expected one backup, got %v", backups)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseCalibrationConfig(mustAddCalibration(t, reloaded))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Delta.ArmLength != 269.5 || parsed.Delta.EndstopTrim[2] != -0.25 {
		t.Errorf("reloaded delta = %+v", parsed.Delta)
	}
}

func TestAutosaveDeleteSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "printer.cfg")
	writeFile(t, path, "[delta]\narm_length: 270\n#*# <---------------------- SAVE_CONFIG ---------------------->\n#*# [surface_state]\n#*# state = M667 A0 B0 C0 D0 E1 Z1\n")

	ac, err := LoadAutosave(path)
	if err != nil {
		t.Fatal(err)
	}
	ac.DeleteSection("surface_state")
	if err := ac.SaveChanges(filepath.Join(dir, "out.cfg")); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "out.cfg"))
	if strings.Contains(string(data), "surface_state") || strings.Contains(string(data), "SAVE_CONFIG") {
		t.Errorf("deleted section still written:\n%s", data)
	}
}

func mustAddCalibration(t *testing.T, cfg *Config) *Config {
	t.Helper()
	cfg.addSection("delta_calibration", map[string]string{"probe_radius": "100"})
	return cfg
}
