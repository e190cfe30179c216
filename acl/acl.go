// Package acl implements the services access control list: a table mapping service
// names to URL patterns, used to decide whether a page may use a service.
//
// Patterns are ECMAScript regular expressions (the table is authored for pages) and
// must match at position 0 of the URL. They are prefix matches: "^http://a\.com/"
// and "http://a" both allow "http://a.com/y".
//
// The filter is fail-closed. Without a table, or with an empty one, nothing is allowed.
package acl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// ErrMalformedRules is returned by SetRules for input that is not a JSON object of
// string arrays. The table is emptied in that case.
var ErrMalformedRules = errors.New("acl: malformed rules")

// matchTimeout bounds a single pattern evaluation (regexp2 backtracks).
const matchTimeout = 100 * time.Millisecond

// Rule lists the patterns registered for one service, in registration order.
type Rule struct {
	Service  string
	Patterns []string
}

// Table is an ordered rule set. Services are evaluated in slice order.
type Table []Rule

type compiledRule struct {
	service  string
	patterns []*regexp2.Regexp
}

// Filter holds the current table. Reads may run concurrently with a replacement;
// a replacement swaps the whole table at once.
type Filter struct {
	mu     sync.RWMutex
	rules  []compiledRule
	logger *zap.Logger
}

// New returns a filter with no rules.
func New(logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{logger: logger}
}

// SetRules replaces the table with the JSON document raw, e.g.
//
//	{"player": ["^https://apps\\.example\\.com/"], "system": ["^file://"]}
//
// Empty input, "null" and "{}" clear the table. Malformed input clears the table
// and returns ErrMalformedRules.
func (f *Filter) SetRules(raw string) error {
	table, err := ParseRules(raw)
	if err != nil {
		f.logger.Warn("rejecting malformed services ACL", zap.Error(err))
		f.Replace(nil)
		return err
	}
	f.Replace(table)
	return nil
}

// Replace installs table as the new rule set. Patterns that fail to compile are
// logged and skipped; they can never grant access.
func (f *Filter) Replace(table Table) {
	rules := make([]compiledRule, 0, len(table))
	for _, rule := range table {
		compiled := compiledRule{service: rule.Service}
		for _, src := range rule.Patterns {
			re, err := regexp2.Compile(src, regexp2.ECMAScript)
			if err != nil {
				f.logger.Warn("skipping invalid ACL pattern",
					zap.String("service", rule.Service),
					zap.String("pattern", src),
					zap.Error(err))
				continue
			}
			re.MatchTimeout = matchTimeout
			compiled.patterns = append(compiled.patterns, re)
		}
		rules = append(rules, compiled)
	}

	f.mu.Lock()
	f.rules = rules
	f.mu.Unlock()

	f.logger.Info("services ACL replaced", zap.Int("services", len(rules)))
}

// Clear drops all rules.
func (f *Filter) Clear() {
	f.Replace(nil)
}

// Services returns the registered service names in registration order.
func (f *Filter) Services() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		names = append(names, r.service)
	}
	return names
}

// IsServiceAllowed reports whether any pattern registered for service matches url
// at position 0.
func (f *Filter) IsServiceAllowed(service, url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := range f.rules {
		if f.rules[i].service == service {
			return f.match(&f.rules[i], url)
		}
	}
	return false
}

// IsAnyServiceAllowed reports whether at least one registered service is allowed
// for url.
func (f *Filter) IsAnyServiceAllowed(url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := range f.rules {
		if f.match(&f.rules[i], url) {
			return true
		}
	}
	return false
}

// match must be called with f.mu held.
func (f *Filter) match(rule *compiledRule, url string) bool {
	for _, re := range rule.patterns {
		m, err := re.FindStringMatch(url)
		if err != nil {
			f.logger.Warn("ACL pattern evaluation failed",
				zap.String("service", rule.service),
				zap.String("pattern", re.String()),
				zap.Error(err))
			continue
		}
		// First match is the leftmost one, as with String.prototype.search.
		if m != nil && m.Index == 0 {
			f.logger.Debug("ACL match",
				zap.String("service", rule.service),
				zap.String("pattern", re.String()),
				zap.String("url", url))
			return true
		}
	}
	return false
}

// ParseRules decodes a JSON rules document, keeping the key order of the object.
// A service listed twice keeps its first position and its last pattern list.
func ParseRules(raw string) (Table, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRules, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedRules)
	}

	var table Table
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRules, err)
		}
		service, _ := tok.(string)

		var patterns []string
		if err := dec.Decode(&patterns); err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrMalformedRules, service, err)
		}
		table = table.Add(service, patterns)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRules, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedRules)
	}
	return table, nil
}

// Add sets the patterns of service. A service already in the table keeps its
// position.
func (t Table) Add(service string, patterns []string) Table {
	for i := range t {
		if t[i].Service == service {
			t[i].Patterns = patterns
			return t
		}
	}
	return append(t, Rule{Service: service, Patterns: patterns})
}

// MarshalJSON writes the table as a rules document, in table order.
func (t Table) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, rule := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(rule.Service)
		if err != nil {
			return nil, err
		}
		patterns := rule.Patterns
		if patterns == nil {
			patterns = []string{}
		}
		value, err := json.Marshal(patterns)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
