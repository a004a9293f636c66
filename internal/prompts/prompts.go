// Package prompts loads stop-prompt templates from a yaml file and keeps
// them current while the file changes on disk.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"termlink/internal/session"
)

type file struct {
	Prompts []entry `yaml:"prompts"`
}

type entry struct {
	ID    string `yaml:"id"`
	Text  string `yaml:"text"`
	Armed *bool  `yaml:"armed"`
}

// Load reads the template file at path. A missing file yields no templates.
// Template prompts are armed unless the file says otherwise.
func Load(path string) ([]session.StopPrompt, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return Parse(data)
}

// Parse decodes template file contents.
func Parse(data []byte) ([]session.StopPrompt, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}

	seen := make(map[string]bool, len(f.Prompts))
	out := make([]session.StopPrompt, 0, len(f.Prompts))
	for i, e := range f.Prompts {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("prompt %d: missing id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("prompt %q: duplicate id", id)
		}
		if strings.TrimSpace(e.Text) == "" {
			return nil, fmt.Errorf("prompt %q: empty text", id)
		}
		seen[id] = true
		armed := true
		if e.Armed != nil {
			armed = *e.Armed
		}
		out = append(out, session.StopPrompt{
			ID:     id,
			Text:   e.Text,
			Armed:  armed,
			Source: session.PromptTemplate,
		})
	}
	return out, nil
}

// Merge returns current with its template prompts replaced by templates.
// User prompts are kept after the templates. A template prompt that already
// exists keeps its armed flag.
func Merge(current, templates []session.StopPrompt) []session.StopPrompt {
	armed := make(map[string]bool)
	var user []session.StopPrompt
	for _, p := range current {
		if p.Source == session.PromptTemplate {
			armed[p.ID] = p.Armed
			continue
		}
		user = append(user, p)
	}

	out := make([]session.StopPrompt, 0, len(templates)+len(user))
	for _, t := range templates {
		if a, ok := armed[t.ID]; ok {
			t.Armed = a
		}
		out = append(out, t)
	}
	return append(out, user...)
}
