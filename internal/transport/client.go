package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// ClientConfig holds the network defaults applied when a request leaves a
// value unset.
type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UserAgent      string
	// RateLimit caps requests per second across every host; zero is unlimited.
	RateLimit float64
	// Jar stores cookies for requests with UseCookie. Nil installs an
	// in-memory jar.
	Jar      http.CookieJar
	Breakers resilience.Settings
	Logger   *logging.Logger
}

// Client owns the pooled transports shared by network channels: one resty
// client per (proxy, TLS policy, timeouts) combination, a breaker per host,
// a global rate limiter and the cookie jar.
type Client struct {
	cfg      ClientConfig
	logger   *logging.Logger
	limiter  *rate.Limiter
	breakers *resilience.Group
	jar      http.CookieJar

	mu      sync.Mutex
	clients map[string]*resty.Client
}

// NewClient builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "xfetch/1.0"
	}

	jar := cfg.Jar
	if jar == nil {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		jar = j
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	logger := logging.OrNop(cfg.Logger).Named("transport")
	settings := cfg.Breakers
	if settings.IsFailure == nil {
		settings.IsFailure = countsAgainstHost
	}
	if settings.OnStateChange == nil {
		settings.OnStateChange = func(host string, from, to resilience.State) {
			logger.Warn("host breaker changed state",
				zap.String("host", host),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		breakers: resilience.NewGroup(settings),
		jar:      jar,
		clients:  make(map[string]*resty.Client),
	}, nil
}

// Jar returns the cookie jar.
func (c *Client) Jar() http.CookieJar { return c.jar }

// Breakers exposes per-host breaker state.
func (c *Client) Breakers() *resilience.Group { return c.breakers }

// Factory returns a channel factory for http and https.
func (c *Client) Factory() Factory {
	return func(p *params.Params) (Channel, error) {
		return newNetworkChannel(c, p)
	}
}

// wait blocks on the rate limiter.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// restyFor returns the shared resty client for the request's transport policy.
func (c *Client) restyFor(p *params.Params) (*resty.Client, error) {
	connect := p.ConnectTimeout
	if connect <= 0 {
		connect = c.cfg.ConnectTimeout
	}
	read := c.readTimeout(p)

	proxy := ""
	if p.Proxy != nil {
		proxy = p.Proxy.String()
	}
	key := fmt.Sprintf("%s|%s|%s|%s", proxy, p.TLS.Key(), connect, read)

	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.clients[key]; ok {
		return rc, nil
	}

	tlsConfig, err := p.TLS.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: tls policy: %v", httperr.ErrInvalidArgument, err)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	base.TLSHandshakeTimeout = connect
	base.ResponseHeaderTimeout = read
	if tlsConfig != nil {
		base.TLSClientConfig = tlsConfig
	}

	rc := resty.New().
		SetTransport(base).
		SetHeader(params.HeaderUserAgent, c.cfg.UserAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetCookieJar(nil).
		SetLogger(c.logger.Sugar())
	if proxy != "" {
		rc.SetProxy(proxy)
	}

	c.clients[key] = rc
	return rc, nil
}

func (c *Client) readTimeout(p *params.Params) time.Duration {
	if p.ReadTimeout > 0 {
		return p.ReadTimeout
	}
	return c.cfg.ReadTimeout
}

// countsAgainstHost keeps cancellations and client-side statuses from
// tripping a host's breaker.
func countsAgainstHost(err error) bool {
	if err == nil || httperr.IsCancelled(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if he, ok := httperr.AsHTTP(err); ok {
		return he.Code >= 500
	}
	return true
}
