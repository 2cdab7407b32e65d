// Package skills loads SKILL.md skill definitions from the workspace and
// keeps the in-memory index fresh via a filesystem watcher.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxSkillMDSize caps a SKILL.md file at 1 MiB.
const maxSkillMDSize = 1 << 20

// Skill is one loaded skill definition.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Always      bool   `yaml:"always"`
	Body        string `yaml:"-"`
}

// Index is the thread-safe skill catalog, loaded from
// {workspace}/skills/<name>/SKILL.md.
type Index struct {
	dir string

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewIndex creates an index over the given skills directory and performs the
// initial load. A missing directory yields an empty index, not an error.
func NewIndex(dir string) (*Index, error) {
	idx := &Index{dir: dir, skills: make(map[string]Skill)}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Dir returns the watched skills directory.
func (idx *Index) Dir() string {
	return idx.dir
}

// Reload rescans the skills directory.
func (idx *Index) Reload() error {
	loaded := make(map[string]Skill)

	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			idx.mu.Lock()
			idx.skills = loaded
			idx.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		skillPath := filepath.Join(idx.dir, ent.Name(), "SKILL.md")
		info, err := os.Stat(skillPath)
		if err != nil {
			continue
		}
		if info.Size() > maxSkillMDSize {
			continue
		}
		data, err := os.ReadFile(skillPath)
		if err != nil {
			continue
		}
		skill, err := parseSkillMD(string(data))
		if err != nil {
			continue
		}
		if skill.Name == "" {
			skill.Name = ent.Name()
		}
		loaded[strings.ToLower(skill.Name)] = skill
	}

	idx.mu.Lock()
	idx.skills = loaded
	idx.mu.Unlock()
	return nil
}

// parseSkillMD splits YAML frontmatter from the markdown body.
func parseSkillMD(content string) (Skill, error) {
	var skill Skill
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		skill.Body = strings.TrimSpace(content)
		return skill, nil
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return skill, fmt.Errorf("unterminated frontmatter")
	}
	front := rest[:end]
	body := rest[end+4:]
	if err := yaml.Unmarshal([]byte(front), &skill); err != nil {
		return skill, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill.Body = strings.TrimSpace(body)
	return skill, nil
}

// Get returns a skill by name (case-insensitive).
func (idx *Index) Get(name string) (Skill, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.skills[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// All returns every skill sorted by name.
func (idx *Index) All() []Skill {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Skill, 0, len(idx.skills))
	for _, s := range idx.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AlwaysSkills returns skills flagged always-on, sorted by name.
func (idx *Index) AlwaysSkills() []Skill {
	var out []Skill
	for _, s := range idx.All() {
		if s.Always {
			out = append(out, s)
		}
	}
	return out
}
