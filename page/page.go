// Package page holds the per-page state of the bridge: the page URL, its services
// ACL, web filters and signal handlers, and the script runtime they guard.
//
// Host notifications (servicesACL, enableServiceManager, webFilters,
// requestHeaders, event) arrive
// on the transport goroutine. Anything that touches the script runtime is posted to
// the runtime loop, so Load, CommitLoad and the loop itself must share a goroutine.
package page

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jsbridge/acl"
	"jsbridge/client"
	"jsbridge/codec"
	"jsbridge/gate"
	"jsbridge/jsbind"
	"jsbridge/metrics"
	"jsbridge/middleware"
	"jsbridge/protocol"
	"jsbridge/reqheaders"
	"jsbridge/signal"
	"jsbridge/webfilter"
)

type Page struct {
	id      string
	logger  *zap.Logger
	metrics *metrics.Metrics

	acl     *acl.Filter
	filters *webfilter.Filters
	headers *reqheaders.Table
	signals *signal.Registry
	bridge  *client.Bridge
	runtime *jsbind.Runtime

	mu                    sync.RWMutex
	url                   string
	serviceManagerEnabled bool
}

type Option func(*Page)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Page) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Page) { p.metrics = m }
}

// WithWebFilters shares one filter table between pages.
func WithWebFilters(filters *webfilter.Filters) Option {
	return func(p *Page) { p.filters = filters }
}

// WithRequestHeaders shares one header table between pages.
func WithRequestHeaders(headers *reqheaders.Table) Option {
	return func(p *Page) { p.headers = headers }
}

// WithServiceManager sets whether the host allows the service manager at all.
// It can be changed later by an enableServiceManager notification.
func WithServiceManager(enabled bool) Option {
	return func(p *Page) { p.serviceManagerEnabled = enabled }
}

// New creates a page whose calls go through g. ServiceManager lookups are checked
// against the page's ACL before they reach g.
func New(g gate.Gate, opts ...Option) *Page {
	p := &Page{
		id:                    uuid.NewString(),
		logger:                zap.NewNop(),
		serviceManagerEnabled: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("page", p.id))
	if p.filters == nil {
		p.filters = webfilter.New(p.logger)
	}
	if p.headers == nil {
		p.headers = reqheaders.New(p.logger)
	}
	p.acl = acl.New(p.logger)
	p.signals = signal.New(p.logger)

	if g != nil {
		g = middleware.AccessControl(p.acl, client.ServiceManagerName, p.URL)(g)
	}
	p.bridge = client.New(g, client.WithLogger(p.logger))
	p.runtime = jsbind.New(p.bridge,
		jsbind.WithSignals(p.signals),
		jsbind.WithLogger(p.logger))
	return p
}

func (p *Page) ID() string                     { return p.id }
func (p *Page) ACL() *acl.Filter               { return p.acl }
func (p *Page) Signals() *signal.Registry      { return p.signals }
func (p *Page) Bridge() *client.Bridge         { return p.bridge }
func (p *Page) Runtime() *jsbind.Runtime       { return p.runtime }
func (p *Page) WebFilters() *webfilter.Filters { return p.filters }
func (p *Page) RequestHeaders() []reqheaders.Header {
	return p.headers.Headers(p.id)
}

// URL returns the URL of the committed document.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// CommitLoad switches the page to a new document. Signal handlers of the previous
// document are dropped and the service manager is installed only if the host
// enabled it and the ACL allows some service for url.
func (p *Page) CommitLoad(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()

	p.signals.Clear()
	p.refreshServiceManager()
	p.logger.Info("load committed", zap.String("url", url), zap.Bool("serviceManager", p.runtime.Installed()))
}

// Load commits url and runs script in it until all of its calls have completed.
func (p *Page) Load(ctx context.Context, url, script string) error {
	p.CommitLoad(url)
	return p.runtime.RunScript(ctx, url, script)
}

func (p *Page) refreshServiceManager() {
	p.mu.RLock()
	enabled, url := p.serviceManagerEnabled, p.url
	p.mu.RUnlock()

	if enabled && url != "" && p.acl.IsAnyServiceAllowed(url) {
		p.runtime.Install()
		return
	}
	p.runtime.Uninstall()
}

// SetServiceManagerEnabled changes the host switch. The runtime is updated on its loop.
func (p *Page) SetServiceManagerEnabled(enabled bool) {
	p.mu.Lock()
	p.serviceManagerEnabled = enabled
	p.mu.Unlock()
	p.runtime.Loop().Post(p.refreshServiceManager)
}

// SetRules replaces the services ACL from its JSON form. On error every service is denied.
func (p *Page) SetRules(raw string) error {
	err := p.acl.SetRules(raw)
	p.runtime.Loop().Post(p.refreshServiceManager)
	return err
}

// SetWebFilters replaces the page's web filters from their JSON form. An empty
// document removes them.
func (p *Page) SetWebFilters(raw string) error {
	if strings.TrimSpace(raw) == "" {
		p.filters.Remove(p.id)
		return nil
	}
	return p.filters.SetJSON(p.id, raw)
}

// FilterRequest reports whether the page must not load url.
func (p *Page) FilterRequest(url string) bool {
	if p.filters.Block(p.id, url) {
		p.logger.Info("request blocked", zap.String("url", url))
		return true
	}
	return false
}

// SetRequestHeaders replaces the extra headers of the page from the host's
// [[keys...], [values...]] document. An empty document removes them.
func (p *Page) SetRequestHeaders(raw string) error {
	if strings.TrimSpace(raw) == "" {
		p.headers.Remove(p.id)
		return nil
	}
	return p.headers.SetJSON(p.id, raw)
}

// ApplyRequestHeaders adds the page's extra headers to req.
func (p *Page) ApplyRequestHeaders(req *http.Request) {
	p.headers.Apply(p.id, req)
}

// HandleNotification applies a host notification. It is safe to use as a
// transport notify handler.
func (p *Page) HandleNotification(f *protocol.Frame) {
	switch f.Name {
	case protocol.NameServicesACL:
		if err := p.SetRules(f.Body); err != nil {
			p.logger.Warn("invalid services ACL, denying all services", zap.Error(err))
		}
	case protocol.NameEnableServiceManager:
		enabled, err := strconv.ParseBool(f.Body)
		if err != nil {
			p.logger.Warn("invalid enableServiceManager value", zap.String("body", f.Body))
			return
		}
		p.SetServiceManagerEnabled(enabled)
	case protocol.NameWebFilters:
		if err := p.SetWebFilters(f.Body); err != nil {
			p.logger.Warn("invalid web filters, keeping previous", zap.Error(err))
		}
	case protocol.NameRequestHeaders:
		if err := p.SetRequestHeaders(f.Body); err != nil {
			p.logger.Warn("invalid request headers, keeping previous", zap.Error(err))
		}
	case protocol.NameEvent:
		p.emit(f.Body)
	default:
		p.logger.Debug("ignoring notification", zap.String("name", f.Name))
	}
}

func (p *Page) emit(body string) {
	ev, err := codec.UnpackEvent(body)
	if err != nil {
		p.logger.Warn("invalid event", zap.Error(err))
		return
	}
	delivered := p.signals.Emit(ev.Signal, ev.Args...) > 0
	if p.metrics != nil {
		p.metrics.Events.WithLabelValues(ev.Signal, strconv.FormatBool(delivered)).Inc()
	}
}

// Close forgets the page's filters, headers and handlers and removes the service manager.
func (p *Page) Close() {
	p.filters.Remove(p.id)
	p.headers.Remove(p.id)
	p.signals.Clear()
	p.acl.Clear()
	p.runtime.Loop().Post(p.runtime.Uninstall)
}
