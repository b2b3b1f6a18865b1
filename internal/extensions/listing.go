package extensions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Item describes one managed file in the bundle.
type Item struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Skill describes one skill directory. Name and Description come from the
// SKILL.md YAML front-matter; missing or malformed front-matter degrades to
// the directory name.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Inventory is the bundle listing returned by GET /api/extensions.
type Inventory struct {
	Agents    []Item  `json:"agents"`
	Commands  []Item  `json:"commands"`
	Skills    []Skill `json:"skills"`
	Hooks     []Item  `json:"hooks"`
	Knowledge []Item  `json:"knowledge"`
}

// skillFrontMatter is the subset of SKILL.md front-matter the listing uses.
type skillFrontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// List builds the bundle inventory from the source tree.
func (s *Syncer) List() (*Inventory, error) {
	inv := &Inventory{
		Agents:    []Item{},
		Commands:  []Item{},
		Skills:    []Skill{},
		Hooks:     []Item{},
		Knowledge: []Item{},
	}
	for _, rule := range syncTable {
		dir := filepath.Join(s.source, rule.subtree)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", rule.subtree, err)
		}

		for _, entry := range entries {
			if excluded(entry.Name()) {
				continue
			}
			if rule.subtree == "skills" {
				if !entry.IsDir() {
					continue
				}
				inv.Skills = append(inv.Skills, s.describeSkill(dir, entry.Name()))
				continue
			}
			if entry.IsDir() {
				if rule.kind == filesOnly {
					continue
				}
				items, err := listTree(filepath.Join(dir, entry.Name()), entry.Name())
				if err != nil {
					return nil, err
				}
				appendItems(inv, rule.subtree, items)
				continue
			}
			if !allowedExt(entry.Name(), rule.exts) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			appendItems(inv, rule.subtree, []Item{{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()}})
		}
	}

	sortItems(inv.Agents)
	sortItems(inv.Commands)
	sortItems(inv.Hooks)
	sortItems(inv.Knowledge)
	sort.Slice(inv.Skills, func(i, j int) bool { return inv.Skills[i].Name < inv.Skills[j].Name })
	return inv, nil
}

func (s *Syncer) describeSkill(skillsDir, name string) Skill {
	skill := Skill{Name: name}
	data, err := os.ReadFile(filepath.Join(skillsDir, name, "SKILL.md"))
	if err != nil {
		return skill
	}
	fm, ok := parseFrontMatter(data)
	if !ok {
		return skill
	}
	if fm.Name != "" {
		skill.Name = fm.Name
	}
	skill.Description = fm.Description
	return skill
}

// parseFrontMatter extracts the YAML block between leading --- markers.
func parseFrontMatter(data []byte) (skillFrontMatter, bool) {
	var fm skillFrontMatter
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return fm, false
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, false
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, false
	}
	return fm, true
}

func listTree(dir, prefix string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excluded(d.Name()) && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		items = append(items, Item{
			Name:    filepath.ToSlash(filepath.Join(prefix, rel)),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	return items, err
}

func appendItems(inv *Inventory, subtree string, items []Item) {
	switch subtree {
	case "agents":
		inv.Agents = append(inv.Agents, items...)
	case "commands":
		inv.Commands = append(inv.Commands, items...)
	case "hooks":
		inv.Hooks = append(inv.Hooks, items...)
	case "knowledge":
		inv.Knowledge = append(inv.Knowledge, items...)
	}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}
