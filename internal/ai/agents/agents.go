// Package agents discovers the subagents a delegation may target: the
// built-in agents plus markdown definitions with YAML frontmatter.
package agents

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

const (
	GeneralPurpose = "general-purpose"
	Explore        = "explore"
)

// Definition is one delegation target.
type Definition struct {
	Name        string
	Description string
	Model       string
	ReadOnly    bool
	// Tools is nil when unrestricted; an empty list grants no tools.
	Tools  []string
	Prompt string
	// Path is empty for built-ins.
	Path string
}

func (d Definition) Builtin() bool { return d.Path == "" }

type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Tools       []string `yaml:"tools"`
	ReadOnly    bool     `yaml:"readonly"`
}

func builtins() []Definition {
	return []Definition{
		{
			Name:        GeneralPurpose,
			Description: "General-purpose agent for multi-step tasks that may read, search, and modify files.",
			Tools:       SanitizeTools(nil, false),
			Prompt: `You are a subagent working on one delegated task inside a larger session.
Complete the task using the available tools, then reply with a concise final answer that states what you did, what you found, and anything left unresolved.`,
		},
		{
			Name:        Explore,
			Description: "Read-only agent for locating code, reading files, and answering questions about the workspace.",
			ReadOnly:    true,
			Tools:       SanitizeTools(nil, true),
			Prompt: `You are a read-only exploration subagent. Do not modify files or run mutating commands.
Search and read until you can answer the task, then reply with the relevant paths, symbols, and a short explanation.`,
		},
	}
}

// SanitizeTools filters a tool allowlist for a subagent. Unknown names and the
// delegation tool are dropped; read-only agents also lose mutating tools. An
// empty allowlist means every eligible built-in tool. A non-empty one that
// filters down to nothing stays empty.
func SanitizeTools(allow []string, readOnly bool) []string {
	filter := func(source []string) []string {
		seen := make(map[string]struct{}, len(source))
		out := make([]string, 0, len(source))
		for _, raw := range source {
			name := strings.TrimSpace(raw)
			if name == "" || name == tools.TaskToolName {
				continue
			}
			def, ok := tools.LookupDefinition(name)
			if !ok {
				continue
			}
			if readOnly && def.Mutating {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
		return out
	}
	if len(allow) > 0 {
		return filter(allow)
	}
	var all []string
	for _, def := range tools.Definitions(nil) {
		all = append(all, def.Name)
	}
	return filter(all)
}

// Parse reads one markdown agent definition. The file name without extension
// is used when the frontmatter has no name.
func Parse(path string, raw string) (Definition, error) {
	front, body, ok := splitFrontmatter(raw)
	if !ok {
		return Definition{}, fmt.Errorf("%s: missing frontmatter", path)
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return Definition{}, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
	}
	name := strings.TrimSpace(fm.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if body == "" {
		return Definition{}, fmt.Errorf("%s: empty prompt", path)
	}
	return Definition{
		Name:        name,
		Description: strings.TrimSpace(fm.Description),
		Model:       strings.TrimSpace(fm.Model),
		ReadOnly:    fm.ReadOnly,
		Tools:       SanitizeTools(fm.Tools, fm.ReadOnly),
		Prompt:      body,
		Path:        path,
	}, nil
}

func splitFrontmatter(raw string) (front string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front = strings.Join(lines[1:end], "\n")
	if end+1 < len(lines) {
		body = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(body), true
}

// Catalog holds the merged agent set.
type Catalog struct {
	dirs []string
	log  *slog.Logger

	mu     sync.RWMutex
	agents map[string]Definition
}

func NewCatalog(dirs []string, logger *slog.Logger) *Catalog {
	c := &Catalog{log: logging.OrDefault(logger)}
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			c.dirs = append(c.dirs, filepath.Clean(d))
		}
	}
	c.agents = index(builtins())
	return c
}

func index(defs []Definition) map[string]Definition {
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		out[d.Name] = d
	}
	return out
}

// Reload rescans the agent directories. Files are applied in sorted path
// order so the last definition of a name wins; custom agents may replace
// built-ins. Unparsable files are skipped and logged.
func (c *Catalog) Reload() error {
	paths, err := c.scan()
	if err != nil {
		return err
	}
	merged := index(builtins())
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			c.log.Warn("agent definition unreadable", "path", p, "error", err)
			continue
		}
		def, err := Parse(p, string(raw))
		if err != nil {
			c.log.Warn("agent definition skipped", "path", p, "error", err)
			continue
		}
		merged[def.Name] = def
	}

	c.mu.Lock()
	c.agents = merged
	c.mu.Unlock()
	c.log.Debug("agent catalog reloaded", "count", len(merged))
	return nil
}

func (c *Catalog) scan() ([]string, error) {
	var paths []string
	for _, dir := range c.dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".md") {
				return nil
			}
			paths = append(paths, p)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.agents[strings.TrimSpace(name)]
	return d, ok
}

// Names returns the available agent names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.agents))
	for name := range c.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) List() []Definition {
	names := c.Names()
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if d, ok := c.Lookup(n); ok {
			out = append(out, d)
		}
	}
	return out
}
