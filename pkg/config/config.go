// Package config parses Klipper style printer configuration files with
// option access tracking, and stages SAVE_CONFIG changes for later
// persistence.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// autosavePrefix marks lines written by SAVE_CONFIG.
const autosavePrefix = "#*#"

// Config holds parsed sections in file order.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
	accessed map[string]struct{}

	// saved holds the options that came from the SAVE_CONFIG block.
	saved *savedBlock
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
		saved:    newSavedBlock(),
	}
}

// Load reads a configuration file, following [include ...] directives.
func Load(path string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, visited: make(map[string]bool)}
	if err := p.parseFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include directives are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c}
	if err := p.parse(strings.NewReader(data), "<string>", ""); err != nil {
		return nil, err
	}
	return c, nil
}

type parser struct {
	cfg     *Config
	visited map[string]bool
}

func (p *parser) parseFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if p.visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	p.visited[abs] = true
	defer delete(p.visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return p.parse(f, path, filepath.Dir(abs))
}

// parse reads one file. dir is empty when includes are not allowed.
func (p *parser) parse(r io.Reader, name, dir string) error {
	var section string
	var fromSave bool
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		saved := strings.HasPrefix(line, autosavePrefix)
		if saved {
			line = strings.TrimSpace(line[len(autosavePrefix):])
		} else if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" || (saved && strings.HasPrefix(line, "<")) || (saved && strings.HasPrefix(line, "DO NOT EDIT")) {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, name)
			}
			if rest, ok := strings.CutPrefix(header, "include "); ok {
				if err := p.include(strings.TrimSpace(rest), name, dir, lineNum); err != nil {
					return err
				}
				section = ""
				continue
			}
			section, fromSave = header, saved
			p.cfg.ensureSection(section)
			continue
		}
		if section == "" {
			continue
		}

		key, value, ok := splitOption(line)
		if !ok {
			continue
		}
		p.cfg.sections[section].set(key, value)
		if saved && fromSave {
			p.cfg.saved.set(section, key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (p *parser) include(pattern, name, dir string, lineNum int) error {
	if dir == "" || p.visited == nil {
		return fmt.Errorf("config: include not supported at line %d in %s", lineNum, name)
	}
	if pattern == "" {
		return fmt.Errorf("config: empty include at line %d in %s", lineNum, name)
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.parseFile(m); err != nil {
			return err
		}
	}
	return nil
}

// splitOption accepts both "key: value" and "key = value".
func splitOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) ensureSection(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		return sec
	}
	sec := newSection(name)
	c.sections[name] = sec
	c.order = append(c.order, name)
	return sec
}

// GetSection returns a section by name.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// GetSectionOptional returns a section or nil if it does not exist.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetUnusedSections returns the sections nothing has looked up.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []string
	for _, name := range c.order {
		if _, ok := c.accessed[name]; !ok {
			result = append(result, name)
		}
	}
	return result
}

// SavedOptions returns a copy of the options held in the SAVE_CONFIG
// block of the loaded file.
func (c *Config) SavedOptions(section string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saved.copyOf(section)
}

// savedBlock keeps SAVE_CONFIG options in first-seen order.
type savedBlock struct {
	order   []string
	keys    map[string][]string
	options map[string]map[string]string
}

func newSavedBlock() *savedBlock {
	return &savedBlock{
		keys:    make(map[string][]string),
		options: make(map[string]map[string]string),
	}
}

func (b *savedBlock) set(section, key, value string) {
	key = strings.ToLower(key)
	opts, ok := b.options[section]
	if !ok {
		opts = make(map[string]string)
		b.options[section] = opts
		b.order = append(b.order, section)
	}
	if _, seen := opts[key]; !seen {
		b.keys[section] = append(b.keys[section], key)
	}
	opts[key] = value
}

func (b *savedBlock) copyOf(section string) map[string]string {
	opts, ok := b.options[section]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}

func (b *savedBlock) clone() *savedBlock {
	out := newSavedBlock()
	for _, sec := range b.order {
		for _, k := range b.keys[sec] {
			out.set(sec, k, b.options[sec][k])
		}
	}
	return out
}

// render writes the block in SAVE_CONFIG layout.
func (b *savedBlock) render(w io.Writer) {
	fmt.Fprintln(w, "#*# <---------------------- SAVE_CONFIG ---------------------->")
	fmt.Fprintln(w, "#*# DO NOT EDIT THIS BLOCK OR BELOW. The contents are auto-generated.")
	for _, sec := range b.order {
		fmt.Fprintln(w, "#*#")
		fmt.Fprintf(w, "#*# [%s]\n", sec)
		for _, k := range b.keys[sec] {
			fmt.Fprintf(w, "#*# %s = %s\n", k, b.options[sec][k])
		}
	}
}
