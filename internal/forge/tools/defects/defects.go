// Package defects matches a request against known historical defects so the
// planner can cover the same edge cases.
package defects

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const Header = "\n\n[HISTORICAL DEFECTS - COVER THESE EDGE CASES]:\n"

type Defect struct {
	ID          string `yaml:"id" json:"id"`
	Component   string `yaml:"component" json:"component"`
	Description string `yaml:"description" json:"description"`
	Severity    string `yaml:"severity" json:"severity"`
}

type Catalog struct {
	defects []Defect
}

// Load reads a JSON or YAML list of defects. A missing file yields an empty
// catalog.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(path) == "" {
		return &Catalog{}, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("defects file not found", "path", path)
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	var list []Defect
	if err := yaml.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse defects %s: %w", path, err)
	}
	return New(list), nil
}

func New(list []Defect) *Catalog {
	return &Catalog{defects: append([]Defect(nil), list...)}
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.defects)
}

// Relevant returns the defects whose component is named in the request, plus
// every API or calculator defect when the request mentions those areas.
func (c *Catalog) Relevant(query string) []Defect {
	if c == nil {
		return nil
	}
	q := strings.ToLower(query)
	var out []Defect
	for _, d := range c.defects {
		comp := strings.ToLower(strings.TrimSpace(d.Component))
		if comp == "" {
			continue
		}
		if strings.Contains(q, comp) ||
			(strings.Contains(q, "api") && strings.Contains(comp, "api")) ||
			(strings.Contains(q, "calculator") && strings.Contains(comp, "calculator")) {
			out = append(out, d)
		}
	}
	return out
}

// Context renders the planner block for query, or "" when nothing matches.
func (c *Catalog) Context(query string) string {
	rel := c.Relevant(query)
	if len(rel) == 0 {
		return ""
	}
	lines := make([]string, 0, len(rel))
	for _, d := range rel {
		lines = append(lines, fmt.Sprintf("- %s (%s)", d.Description, d.Severity))
	}
	return Header + strings.Join(lines, "\n")
}
