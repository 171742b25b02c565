package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stager accepts config changes to be persisted later by SAVE_CONFIG.
type Stager interface {
	// SetOptions stages every value or none of them.
	SetOptions(section string, values map[string]string) error
}

// AutosaveConfig is a Config that stages runtime changes in memory and
// writes them to the SAVE_CONFIG block of the file on request.
type AutosaveConfig struct {
	*Config

	mu           sync.Mutex
	originalPath string

	// pending holds staged values not yet written to disk.
	pending map[string]map[string]string
}

var _ Stager = (*AutosaveConfig)(nil)

// NewAutosaveConfig wraps cfg. path may be empty for in-memory configs,
// which can stage changes but only save to an explicit path.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	return &AutosaveConfig{
		Config:       cfg,
		originalPath: path,
		pending:      make(map[string]map[string]string),
	}
}

// LoadAutosave loads a config file with staging support.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// SetOption stages a single value.
func (c *AutosaveConfig) SetOption(section, option, value string) error {
	return c.SetOptions(section, map[string]string{option: value})
}

// SetOptions validates every key and value before staging any of them,
// so a rejected batch leaves both the live view and the pending set
// untouched.
func (c *AutosaveConfig) SetOptions(section string, values map[string]string) error {
	if strings.TrimSpace(section) == "" || strings.ContainsAny(section, "[]\n") {
		return ErrInvalidValue(section, "", section, "section name")
	}
	for k, v := range values {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, ":=#\n") {
			return ErrInvalidValue(section, k, k, "option name")
		}
		if strings.ContainsAny(v, "\n\r") {
			return ErrInvalidValue(section, k, v, "single-line value")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.Config.ensureSection(section)
	staged := c.pending[section]
	if staged == nil {
		staged = make(map[string]string)
		c.pending[section] = staged
	}
	for k, v := range values {
		sec.set(k, v)
		staged[strings.ToLower(k)] = v
	}
	return nil
}

// PendingChanges returns a copy of the staged values by section.
func (c *AutosaveConfig) PendingChanges() map[string]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]string, len(c.pending))
	for sec, opts := range c.pending {
		cp := make(map[string]string, len(opts))
		for k, v := range opts {
			cp[k] = v
		}
		out[sec] = cp
	}
	return out
}

// GetModifiedSections returns the sections with staged values, sorted.
func (c *AutosaveConfig) GetModifiedSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.pending))
	for sec := range c.pending {
		result = append(result, sec)
	}
	sort.Strings(result)
	return result
}

// HasChanges reports whether anything is staged.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// GetOriginalPath returns the path the config was loaded from.
func (c *AutosaveConfig) GetOriginalPath() string {
	return c.originalPath
}

// SaveChanges writes the staged values into the SAVE_CONFIG block of
// path (the loaded file when empty). The user-maintained part of the
// file is preserved. Saving over the loaded file first writes a
// timestamped backup next to it.
func (c *AutosaveConfig) SaveChanges(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path == "" {
		path = c.originalPath
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}

	var body []byte
	if c.originalPath != "" {
		data, err := os.ReadFile(c.originalPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: read %s: %w", c.originalPath, err)
		}
		body = data
		if path == c.originalPath && err == nil {
			if err := writeBackup(path, data); err != nil {
				return err
			}
		}
	}

	block := c.Config.saved.clone()
	for _, sec := range sortedKeys(c.pending) {
		opts := c.pending[sec]
		for _, k := range sortedKeys(opts) {
			block.set(sec, k, opts[k])
		}
	}

	var buf bytes.Buffer
	buf.Write(stripSavedBlock(body))
	if buf.Len() > 0 {
		buf.WriteString("\n")
	}
	block.render(&buf)

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	c.Config.mu.Lock()
	c.Config.saved = block
	c.Config.mu.Unlock()
	c.pending = make(map[string]map[string]string)
	return nil
}

// stripSavedBlock drops everything from the first SAVE_CONFIG line on.
func stripSavedBlock(data []byte) []byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	var out bytes.Buffer
	for _, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte(autosavePrefix)) {
			break
		}
		out.Write(line)
	}
	return bytes.TrimRight(out.Bytes(), "\n")
}

// writeBackup copies printer.cfg to printer-20060102_150405.cfg.
func writeBackup(path string, data []byte) error {
	ext := filepath.Ext(path)
	backup := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(path, ext), time.Now().Format("20060102_150405"), ext)
	if err := os.WriteFile(backup, data, 0644); err != nil {
		return fmt.Errorf("config: write backup: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
