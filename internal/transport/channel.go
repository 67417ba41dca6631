// Package transport opens request channels: one request/response exchange
// with a network origin, a local file or a packaged asset, all behind the
// same contract.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/params"
)

// UnknownLength is reported when the size of a body is not known.
const UnknownLength int64 = -1

// Channel is one exchange with a source. SendRequest must be called before
// the response accessors; for local sources it only opens the resource.
// Close is idempotent.
type Channel interface {
	SendRequest(ctx context.Context) error
	Body() (io.Reader, error)
	ResponseCode() int
	CacheKey() string
	ContentLength() int64
	Expiration() time.Time
	LastModified() time.Time
	ETag() string
	Header(name string) string
	Headers() http.Header
	// Cacheable is false when the source forbids storing the response.
	Cacheable() bool
	// URL is the resolved location, used to resolve relative redirects.
	URL() *url.URL
	Close() error
}

// Factory opens a channel for a request.
type Factory func(p *params.Params) (Channel, error)

// Registry maps uri schemes to channel factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the local file scheme installed.
// Network and asset schemes are added by their constructors' callers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("file", FileFactory)
	return r
}

// Register installs f for scheme, replacing any previous factory.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Open picks the factory by the request uri's scheme. A bare absolute path
// is treated as a file uri.
func (r *Registry) Open(p *params.Params) (Channel, error) {
	uri := p.QueryURL()
	scheme := schemeOf(uri)

	r.mu.RLock()
	f, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no channel for scheme %q", httperr.ErrInvalidArgument, scheme)
	}
	return f(p)
}

func schemeOf(uri string) string {
	if filepath.IsAbs(uri) {
		return "file"
	}
	if i := strings.Index(uri, "://"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	if i := strings.Index(uri, ":"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	return ""
}
