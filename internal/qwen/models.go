package qwen

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultModel is used when a name resolves to nothing in the live list.
const DefaultModel = "qwen3-235b-a22b"

// DefaultAliases maps client-facing names to upstream model ids.
var DefaultAliases = map[string]string{
	"qwen":            "qwen3-max",
	"qwen3":           "qwen3-max",
	"qwen3-coder":     "qwen3-coder-plus",
	"qwen3-vl":        "qwen3-vl-plus",
	"qwen3-omni":      "qwen3-omni-flash",
	"qwen-max":        "qwen-max-latest",
	"qwen-plus":       "qwen-plus-2025-09-11",
	"qwen-turbo":      "qwen-turbo-2025-02-11",
	"qwq":             "qwq-32b",
	"qvq":             "qvq-72b-preview-0310",
	"qwen2.5":         "qwen2.5-72b-instruct",
	"qwen2.5-coder":   "qwen2.5-coder-32b-instruct",
	"qwen2.5-vl":      "qwen2.5-vl-32b-instruct",
	"qwen2.5-omni":    "qwen2.5-omni-7b",
	"qwen2.5-14b":     "qwen2.5-14b-instruct-1m",
	"qwen2.5-72b":     "qwen2.5-72b-instruct",
	"qwen3-235b":      "qwen3-235b-a22b",
	"qwen3-30b":       "qwen3-30b-a3b",
	"qwen3-coder-30b": "qwen3-coder-30b-a3b-instruct",
	"qwen-plus-old":   "qwen-plus-2025-01-25",
	"gpt-3.5-turbo":   "qwen-turbo-2025-02-11",
	"gpt-4":           "qwen-plus-2025-09-11",
	"gpt-4-turbo":     "qwen3-max",
}

type aliasPattern struct {
	pattern string
	target  string
}

// Resolver resolves client model names. Exact aliases win over patterns;
// patterns are tried in file order.
type Resolver struct {
	exact    map[string]string
	patterns []aliasPattern
	fallback string
}

// NewResolver copies aliases over the defaults. An empty fallback means
// DefaultModel.
func NewResolver(aliases map[string]string, fallback string) *Resolver {
	r := &Resolver{exact: make(map[string]string, len(DefaultAliases)+len(aliases)), fallback: fallback}
	if r.fallback == "" {
		r.fallback = DefaultModel
	}
	for k, v := range DefaultAliases {
		r.exact[k] = v
	}
	for k, v := range aliases {
		r.add(k, v)
	}
	return r
}

func (r *Resolver) add(name, target string) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "*") {
		r.patterns = append(r.patterns, aliasPattern{pattern: name, target: target})
		return
	}
	r.exact[name] = target
}

type aliasFile struct {
	DefaultModel string `yaml:"default_model"`
	Aliases      []struct {
		Name   string `yaml:"name"`
		Target string `yaml:"target"`
	} `yaml:"aliases"`
}

// LoadResolver reads a YAML alias file:
//
//	default_model: qwen3-235b-a22b
//	aliases:
//	  - name: gpt-4o
//	    target: qwen3-max
//	  - name: "claude-*"
//	    target: qwen3-coder-plus
//
// fallback applies when the file sets no default_model.
func LoadResolver(path, fallback string) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return NewResolver(nil, fallback), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model aliases: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model aliases %s: %w", path, err)
	}
	if f.DefaultModel != "" {
		fallback = f.DefaultModel
	}
	r := NewResolver(nil, fallback)
	for i, a := range f.Aliases {
		if a.Name == "" || a.Target == "" {
			return nil, fmt.Errorf("model alias %d: name and target are required", i)
		}
		r.add(a.Name, a.Target)
	}
	return r, nil
}

// Lookup returns the alias target for name without consulting the live list.
func (r *Resolver) Lookup(name string) (string, bool) {
	if t, ok := r.exact[name]; ok {
		return t, true
	}
	for _, p := range r.patterns {
		if matchPattern(name, p.pattern) {
			return p.target, true
		}
	}
	return "", false
}

// Resolve returns the alias target if available, else name if available,
// else the fallback model.
func (r *Resolver) Resolve(name string, available func(string) bool) string {
	if target, ok := r.Lookup(name); ok && available(target) {
		return target
	}
	if available(name) {
		return name
	}
	return r.fallback
}

// Fallback is the model used when nothing resolves.
func (r *Resolver) Fallback() string { return r.fallback }

// matchPattern supports exact, "prefix*", "*suffix" and "*contains*".
func matchPattern(model, pattern string) bool {
	model = strings.ToLower(model)
	pattern = strings.ToLower(pattern)

	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}
