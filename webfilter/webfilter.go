// Package webfilter decides, per page, whether a resource load must be blocked.
//
// Each page carries an ordered list of patterns. The first pattern whose scheme and
// host globs both match the URL decides; an empty glob matches anything. A URL no
// pattern matches is not blocked.
package webfilter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

var ErrMalformedFilters = errors.New("webfilter: malformed filter list")

// Pattern is one filter entry. On the wire it is the triple [scheme, host, block].
type Pattern struct {
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Block  bool   `yaml:"block"`
}

func (p Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Scheme, p.Host, p.Block})
}

func (p *Pattern) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("pattern is not an array: %w", err)
	}
	if len(triple) != 3 {
		return fmt.Errorf("pattern has %d elements, want 3", len(triple))
	}
	if err := json.Unmarshal(triple[0], &p.Scheme); err != nil {
		return fmt.Errorf("scheme is not a string: %w", err)
	}
	if err := json.Unmarshal(triple[1], &p.Host); err != nil {
		return fmt.Errorf("host is not a string: %w", err)
	}
	if err := json.Unmarshal(triple[2], &p.Block); err != nil {
		return fmt.Errorf("block is not a boolean: %w", err)
	}
	return nil
}

// ParsePatterns decodes the JSON filter list sent by the host.
func ParsePatterns(raw string) ([]Pattern, error) {
	var patterns []Pattern
	if err := json.Unmarshal([]byte(raw), &patterns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFilters, err)
	}
	return patterns, nil
}

type compiledPattern struct {
	Pattern
	scheme glob.Glob // nil matches any scheme
	host   glob.Glob // nil matches any host
}

func (c *compiledPattern) match(scheme, host string) bool {
	if c.scheme != nil && !c.scheme.Match(scheme) {
		return false
	}
	if c.host != nil && !c.host.Match(host) {
		return false
	}
	return true
}

func compile(patterns []Pattern) ([]compiledPattern, error) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		c := compiledPattern{Pattern: p}
		if p.Scheme != "" {
			g, err := glob.Compile(strings.ToLower(p.Scheme))
			if err != nil {
				return nil, fmt.Errorf("invalid scheme pattern '%s': %w", p.Scheme, err)
			}
			c.scheme = g
		}
		if p.Host != "" {
			g, err := glob.Compile(strings.ToLower(p.Host))
			if err != nil {
				return nil, fmt.Errorf("invalid host pattern '%s': %w", p.Host, err)
			}
			c.host = g
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// Filters holds the pattern lists of every page, keyed by page id.
type Filters struct {
	mu     sync.RWMutex
	pages  map[string][]compiledPattern
	logger *zap.Logger
}

func New(logger *zap.Logger) *Filters {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filters{pages: make(map[string][]compiledPattern), logger: logger}
}

// Set replaces the list of page. If any pattern fails to compile the previous list
// is kept and the error returned.
func (f *Filters) Set(page string, patterns []Pattern) error {
	compiled, err := compile(patterns)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.pages[page] = compiled
	f.mu.Unlock()
	f.logger.Info("web filters set", zap.String("page", page), zap.Int("patterns", len(compiled)))
	return nil
}

// SetJSON is Set for a JSON filter list.
func (f *Filters) SetJSON(page, raw string) error {
	patterns, err := ParsePatterns(raw)
	if err != nil {
		return err
	}
	return f.Set(page, patterns)
}

// Remove forgets page.
func (f *Filters) Remove(page string) {
	f.mu.Lock()
	delete(f.pages, page)
	f.mu.Unlock()
	f.logger.Info("web filters removed", zap.String("page", page))
}

// Block reports whether page must not load rawURL.
func (f *Filters) Block(page, rawURL string) bool {
	f.mu.RLock()
	patterns, ok := f.pages[page]
	f.mu.RUnlock()
	if !ok {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		f.logger.Debug("filtering unparsable url", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	scheme, host := strings.ToLower(u.Scheme), strings.ToLower(u.Hostname())

	for i := range patterns {
		if patterns[i].match(scheme, host) {
			f.logger.Debug("filter matched",
				zap.String("url", rawURL),
				zap.String("scheme", patterns[i].Scheme),
				zap.String("host", patterns[i].Host),
				zap.Bool("block", patterns[i].Block))
			return patterns[i].Block
		}
	}
	return false
}
