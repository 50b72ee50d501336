// Package knowledge renders <knowledge> sigil payloads (internal/sigil)
// into the on-disk knowledge base described in spec.md §6:
// .ralph/knowledge/*.md files with a YAML frontmatter block (title, tags)
// and a markdown body.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one knowledge file's parsed content.
type Entry struct {
	Path  string
	Title string
	Tags  []string
	Body  string
}

type frontmatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// Store manages the knowledge directory.
type Store struct {
	dir string
}

// NewStore opens the knowledge directory at dir (typically
// <project_root>/.ralph/knowledge), creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// List loads every knowledge entry currently on disk.
func (s *Store) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(matches))
	for _, path := range matches {
		e, err := load(path)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Upsert applies the asymmetric dedup rule spec.md §9 Open Question 1
// preserves without resolving: an exact title match replaces that file
// outright; failing that, if the new entry and an existing entry share at
// least half of the smaller of their two tag lists AND one title is a
// substring of the other, tags
// are merged and the body replaced on the existing file; otherwise a new
// file is created. This rule is deliberately kept as-is — it is flagged,
// not "fixed", per the open question.
func (s *Store) Upsert(title string, tags []string, body string) (Entry, error) {
	existing, err := s.List()
	if err != nil {
		return Entry{}, err
	}

	for _, e := range existing {
		if e.Title == title {
			return s.write(e.Path, title, tags, body)
		}
	}

	for _, e := range existing {
		if tagOverlapRatio(e.Tags, tags) >= 0.5 && (strings.Contains(e.Title, title) || strings.Contains(title, e.Title)) {
			merged := mergeTags(e.Tags, tags)
			return s.write(e.Path, e.Title, merged, body)
		}
	}

	path := filepath.Join(s.dir, slugify(title)+".md")
	return s.write(path, title, tags, body)
}

func (s *Store) write(path, title string, tags []string, body string) (Entry, error) {
	fm := frontmatter{Title: title, Tags: tags}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return Entry{}, fmt.Errorf("knowledge: marshal frontmatter: %w", err)
	}
	content := "---\n" + string(header) + "---\n\n" + strings.TrimSpace(body) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Entry{}, fmt.Errorf("knowledge: write %q: %w", path, err)
	}
	return Entry{Path: path, Title: title, Tags: tags, Body: body}, nil
}

func load(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return Entry{}, fmt.Errorf("knowledge: %q missing frontmatter", path)
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return Entry{}, fmt.Errorf("knowledge: %q unterminated frontmatter", path)
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Entry{}, fmt.Errorf("knowledge: %q: %w", path, err)
	}
	body := strings.TrimSpace(rest[end+len("\n---"):])
	return Entry{Path: path, Title: fm.Title, Tags: fm.Tags, Body: body}, nil
}

func tagOverlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "entry"
	}
	return slug
}
