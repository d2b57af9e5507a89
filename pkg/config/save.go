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

// Editable is a loaded configuration file whose options can be changed at
// runtime and written back. Included files are flattened into the saved
// file.
type Editable struct {
	*Config

	mu       sync.Mutex
	path     string
	modified map[string]map[string]string
}

// LoadEditable loads path for editing. A missing file starts empty.
func LoadEditable(path string) (*Editable, error) {
	cfg := New()
	if _, err := os.Stat(path); err == nil {
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	return &Editable{Config: cfg, path: path, modified: make(map[string]map[string]string)}, nil
}

// Path returns the file the configuration is saved to.
func (e *Editable) Path() string {
	return e.path
}

// Set changes one option, creating the section if needed.
func (e *Editable) Set(section, option, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Config.addSection(section, map[string]string{option: value})
	if e.modified[section] == nil {
		e.modified[section] = make(map[string]string)
	}
	e.modified[section][strings.ToLower(option)] = value
}

// Modified lists the changed sections, sorted.
func (e *Editable) Modified() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.modified))
	for s := range e.modified {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Save writes the configuration back. An existing file is first copied to
// a timestamped backup (arm.cfg -> arm-20060102_150405.cfg); the new content
// replaces it atomically.
func (e *Editable) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := backup(e.path); err != nil {
		return fmt.Errorf("config: backup: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	_, err = tmp.WriteString(e.Config.Render())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), e.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: save %s: %w", e.path, err)
	}
	e.modified = make(map[string]map[string]string)
	return nil
}

func backup(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	name := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(path, ext), time.Now().Format("20060102_150405"), ext)
	return os.WriteFile(name, data, 0o644)
}

// Render returns the configuration in file form: sections in the order they
// were read, options sorted.
func (c *Config) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	for i, name := range c.order {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s]\n", name)
		opts := c.sections[name].options
		keys := make([]string, 0, len(opts))
		for k := range opts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, opts[k])
		}
	}
	return sb.String()
}
