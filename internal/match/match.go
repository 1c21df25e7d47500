// Package match decides whether a configured application pattern selects a
// running process name.
package match

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Strategy names accepted by New.
const (
	StrategySubstring = "substring"
	StrategyExact     = "exact"
	StrategyGlob      = "glob"
)

// Matcher reports whether pattern selects the process called name.
type Matcher interface {
	Match(pattern, name string) bool
	Strategy() string
}

// New returns the Matcher for a strategy name. An empty name selects the
// substring strategy.
func New(strategy string) (Matcher, error) {
	switch strategy {
	case "", StrategySubstring:
		return Substring{}, nil
	case StrategyExact:
		return Exact{}, nil
	case StrategyGlob:
		return NewGlob(256)
	default:
		return nil, fmt.Errorf("unknown matching strategy %q", strategy)
	}
}

// Substring is a case-insensitive partial match against the full process
// name or its base name.
type Substring struct{}

func (Substring) Match(pattern, name string) bool {
	p := strings.ToLower(pattern)
	if p == "" {
		return false
	}
	n := strings.ToLower(name)
	return strings.Contains(n, p) || strings.Contains(strings.ToLower(filepath.Base(name)), p)
}

func (Substring) Strategy() string { return StrategySubstring }

// Exact compares the base name case-insensitively.
type Exact struct{}

func (Exact) Match(pattern, name string) bool {
	return pattern != "" && (strings.EqualFold(pattern, name) || strings.EqualFold(pattern, filepath.Base(name)))
}

func (Exact) Strategy() string { return StrategyExact }

// Glob matches shell-style patterns (firefox*, *-bin, steam?) against the
// lowercased base name. Compiled patterns are kept in an LRU cache.
type Glob struct {
	cache *lru.Cache[string, glob.Glob]
}

// NewGlob creates a glob matcher caching up to size compiled patterns.
func NewGlob(size int) (*Glob, error) {
	cache, err := lru.New[string, glob.Glob](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &Glob{cache: cache}, nil
}

func (g *Glob) Match(pattern, name string) bool {
	compiled, err := g.compile(pattern)
	if err != nil {
		return false
	}
	base := strings.ToLower(filepath.Base(name))
	return compiled.Match(base) || compiled.Match(strings.ToLower(name))
}

func (g *Glob) Strategy() string { return StrategyGlob }

// Compile validates a pattern and caches it.
func (g *Glob) Compile(pattern string) error {
	_, err := g.compile(pattern)
	return err
}

func (g *Glob) compile(pattern string) (glob.Glob, error) {
	key := strings.ToLower(pattern)
	if compiled, ok := g.cache.Get(key); ok {
		return compiled, nil
	}
	compiled, err := glob.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	g.cache.Add(key, compiled)
	return compiled, nil
}

// First returns the first pattern in patterns that selects name.
func First(m Matcher, patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if m.Match(p, name) {
			return p, true
		}
	}
	return "", false
}
