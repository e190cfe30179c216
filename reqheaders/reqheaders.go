// Package reqheaders keeps the extra HTTP headers the host wants on every request
// a page makes.
//
// The host sends them as two parallel arrays, [[keys...], [values...]]. A new list
// replaces the previous one for the page; headers are applied in list order, so a
// key repeated later in the list wins.
package reqheaders

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

var ErrMalformedHeaders = errors.New("reqheaders: malformed header list")

type Header struct {
	Key   string
	Value string
}

// Parse decodes the host's [[keys...], [values...]] document.
func Parse(raw string) ([]Header, error) {
	var lists [][]string
	if err := json.Unmarshal([]byte(raw), &lists); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeaders, err)
	}
	if len(lists) != 2 {
		return nil, fmt.Errorf("%w: want [keys, values], got %d arrays", ErrMalformedHeaders, len(lists))
	}
	keys, values := lists[0], lists[1]
	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d keys but %d values", ErrMalformedHeaders, len(keys), len(values))
	}

	headers := make([]Header, 0, len(keys))
	for i, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("%w: empty key at %d", ErrMalformedHeaders, i)
		}
		headers = append(headers, Header{Key: key, Value: values[i]})
	}
	return headers, nil
}

// Table holds the header lists of every page, keyed by page id.
type Table struct {
	mu     sync.RWMutex
	pages  map[string][]Header
	logger *zap.Logger
}

func New(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{pages: make(map[string][]Header), logger: logger}
}

func (t *Table) Set(page string, headers []Header) {
	t.mu.Lock()
	t.pages[page] = append([]Header(nil), headers...)
	t.mu.Unlock()
	t.logger.Info("request headers set", zap.String("page", page), zap.Int("headers", len(headers)))
}

// SetJSON is Set for the host document. A malformed document leaves the previous
// list in place.
func (t *Table) SetJSON(page, raw string) error {
	headers, err := Parse(raw)
	if err != nil {
		return err
	}
	t.Set(page, headers)
	return nil
}

func (t *Table) Remove(page string) {
	t.mu.Lock()
	delete(t.pages, page)
	t.mu.Unlock()
	t.logger.Info("request headers removed", zap.String("page", page))
}

// Headers returns a copy of the list of page.
func (t *Table) Headers(page string) []Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Header(nil), t.pages[page]...)
}

// Apply sets the headers of page on req, replacing values already present.
// It returns the number of headers set.
func (t *Table) Apply(page string, req *http.Request) int {
	t.mu.RLock()
	headers := t.pages[page]
	t.mu.RUnlock()

	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}
	if len(headers) > 0 {
		t.logger.Debug("request headers applied",
			zap.String("page", page),
			zap.String("url", req.URL.String()),
			zap.Int("headers", len(headers)))
	}
	return len(headers)
}
