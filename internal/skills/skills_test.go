package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseSkillMD(t *testing.T) {
	skill, err := parseSkillMD("---\nname: research\ndescription: find things\nalways: true\n---\nThe body.\n")
	if err != nil {
		t.Fatalf("parseSkillMD: %v", err)
	}
	if skill.Name != "research" || skill.Description != "find things" || !skill.Always {
		t.Errorf("skill = %+v", skill)
	}
	if skill.Body != "The body." {
		t.Errorf("body = %q", skill.Body)
	}

	// No frontmatter: everything is body.
	skill, err = parseSkillMD("just a body")
	if err != nil {
		t.Fatalf("parseSkillMD plain: %v", err)
	}
	if skill.Body != "just a body" || skill.Name != "" {
		t.Errorf("plain skill = %+v", skill)
	}

	// Unterminated frontmatter is an error.
	if _, err := parseSkillMD("---\nname: broken\n"); err == nil {
		t.Error("unterminated frontmatter accepted")
	}
}

func TestIndexLoadsAndReloads(t *testing.T) {
	root := filepath.Join(t.TempDir(), "skills")
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: first\n---\nA.\n")

	idx, err := NewIndex(root)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if _, ok := idx.Get("alpha"); !ok {
		t.Error("alpha not loaded")
	}
	if _, ok := idx.Get("ALPHA"); !ok {
		t.Error("lookup not case-insensitive")
	}

	writeSkill(t, root, "beta", "---\nname: beta\ndescription: second\nalways: true\n---\nB.\n")
	if err := idx.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	all := idx.All()
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "beta" {
		t.Errorf("All = %+v", all)
	}
	always := idx.AlwaysSkills()
	if len(always) != 1 || always[0].Name != "beta" {
		t.Errorf("AlwaysSkills = %+v", always)
	}
}

func TestIndexMissingDir(t *testing.T) {
	idx, err := NewIndex(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("NewIndex on missing dir: %v", err)
	}
	if len(idx.All()) != 0 {
		t.Error("phantom skills loaded")
	}
}

func TestDirNameFallback(t *testing.T) {
	root := filepath.Join(t.TempDir(), "skills")
	writeSkill(t, root, "unnamed", "---\ndescription: nameless\n---\nBody.\n")

	idx, err := NewIndex(root)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if _, ok := idx.Get("unnamed"); !ok {
		t.Error("directory-name fallback missing")
	}
}
