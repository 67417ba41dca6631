package params

import (
	"net/http"
	"net/url"
)

// Builder customises a request during Init. BuildURI may rewrite the uri
// (an empty return keeps it), BuildParams may add params and headers,
// BuildSign runs last once every param is known, and BuildCacheKey may
// override the default key (empty keeps the default).
type Builder interface {
	BuildURI(p *Params) (string, error)
	BuildParams(p *Params) error
	BuildSign(p *Params) error
	BuildCacheKey(p *Params) string
}

// NopBuilder is an embeddable Builder that changes nothing.
type NopBuilder struct{}

func (NopBuilder) BuildURI(*Params) (string, error) { return "", nil }
func (NopBuilder) BuildParams(*Params) error        { return nil }
func (NopBuilder) BuildSign(*Params) error          { return nil }
func (NopBuilder) BuildCacheKey(*Params) string     { return "" }

// Response is the part of a redirect response a RedirectHandler may inspect.
type Response interface {
	StatusCode() int
	Header() http.Header
	URL() *url.URL
}

// RedirectHandler decides whether a 301/302 is followed. It returns the
// request to issue next, or nil to surface the redirect as an error.
type RedirectHandler func(orig *Params, resp Response) (*Params, error)

// FollowRedirect follows the Location header relative to the response url.
// A 302 to a POST turns into a GET without a body, as browsers do.
func FollowRedirect(orig *Params, resp Response) (*Params, error) {
	location := resp.Header().Get("Location")
	if location == "" {
		return nil, nil
	}

	target, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if base := resp.URL(); base != nil {
		target = base.ResolveReference(target)
	}

	if resp.StatusCode() == http.StatusFound && orig.Method == POST {
		next, err := orig.redirect(target.String(), false)
		if err != nil {
			return nil, err
		}
		next.Method = GET
		return next, nil
	}
	return orig.Redirect(target.String())
}
