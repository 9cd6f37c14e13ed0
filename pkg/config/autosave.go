package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// AutosaveConfig persists values produced at runtime (calibrated geometry,
// surface state) into the "#*#" block at the end of the config file. The
// hand-written part of the file above the block is preserved verbatim.
type AutosaveConfig struct {
	*Config

	mu           sync.Mutex
	originalPath string

	// pending holds values set since the last save, per section
	pending map[string]map[string]string
	deleted map[string]struct{}
}

// NewAutosaveConfig wraps a Config with autosave capabilities.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	return &AutosaveConfig{
		Config:       cfg,
		originalPath: path,
		pending:      make(map[string]map[string]string),
		deleted:      make(map[string]struct{}),
	}
}

// LoadAutosave loads a config file with autosave capabilities.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// SetOption sets an option. The value is visible through the Config
// immediately and written to the autosave block by SaveChanges.
func (c *AutosaveConfig) SetOption(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec := c.Config.GetSectionOptional(section); sec != nil {
		sec.set(option, value)
	} else {
		c.Config.addSection(section, map[string]string{option: value})
	}
	if c.pending[section] == nil {
		c.pending[section] = make(map[string]string)
	}
	c.pending[section][strings.ToLower(option)] = value
	delete(c.deleted, section)
}

// DeleteSection drops a section from the autosave block.
func (c *AutosaveConfig) DeleteSection(section string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted[section] = struct{}{}
	delete(c.pending, section)
}

// HasChanges returns true if there are unsaved changes.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0 || len(c.deleted) > 0
}

// PendingSections returns the sorted names of sections with unsaved values.
func (c *AutosaveConfig) PendingSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.pending))
	for sec := range c.pending {
		result = append(result, sec)
	}
	sort.Strings(result)
	return result
}

// SaveChanges rewrites the autosave block of path (the loaded file when
// path is empty). Saving over the loaded file first writes a timestamped
// backup. The write is atomic.
func (c *AutosaveConfig) SaveChanges(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path == "" {
		path = c.originalPath
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}

	head, err := readHead(c.originalPath)
	if err != nil {
		return err
	}
	if path == c.originalPath {
		if err := c.createBackup(); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	content := head + c.buildAutosaveBlock()
	if err := writeAtomic(path, content); err != nil {
		return err
	}

	for section, opts := range c.pending {
		for k, v := range opts {
			c.Config.recordAutosaved(section, k, v)
		}
	}
	c.Config.mu.Lock()
	for section := range c.deleted {
		delete(c.Config.autosaved, section)
	}
	c.Config.mu.Unlock()
	c.pending = make(map[string]map[string]string)
	c.deleted = make(map[string]struct{})
	return nil
}

// readHead returns the part of the file above the autosave block.
func readHead(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#*#") {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n") + "\n", nil
}

// buildAutosaveBlock renders previously autosaved values merged with the
// pending ones, sections and options sorted.
func (c *AutosaveConfig) buildAutosaveBlock() string {
	merged := make(map[string]map[string]string)
	c.Config.mu.RLock()
	for section, opts := range c.Config.autosaved {
		merged[section] = make(map[string]string, len(opts))
		for k, v := range opts {
			merged[section][k] = v
		}
	}
	c.Config.mu.RUnlock()
	for section, opts := range c.pending {
		if merged[section] == nil {
			merged[section] = make(map[string]string)
		}
		for k, v := range opts {
			merged[section][k] = v
		}
	}
	for section := range c.deleted {
		delete(merged, section)
	}
	if len(merged) == 0 {
		return ""
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(saveConfigMarker)
	sb.WriteString("\n#*# DO NOT EDIT THIS BLOCK OR BELOW. The contents are auto-generated.\n")
	for _, name := range names {
		sb.WriteString("#*#\n#*# [")
		sb.WriteString(name)
		sb.WriteString("]\n")
		opts := make([]string, 0, len(merged[name]))
		for opt := range merged[name] {
			opts = append(opts, opt)
		}
		sort.Strings(opts)
		for _, opt := range opts {
			fmt.Fprintf(&sb, "#*# %s = %s\n", opt, merged[name][opt])
		}
	}
	return sb.String()
}

func (c *AutosaveConfig) createBackup() error {
	data, err := os.ReadFile(c.originalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read original file: %w", err)
	}
	// printer.cfg -> printer-20060102_150405.cfg
	ext := filepath.Ext(c.originalPath)
	base := strings.TrimSuffix(c.originalPath, ext)
	backupPath := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102_150405"), ext)
	return os.WriteFile(backupPath, data, 0644)
}

func writeAtomic(path, content string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.WriteString(content); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
