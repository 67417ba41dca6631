package params

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/executor"
)

// Param is one query or body parameter.
// Value is a string, a []string (sent as repeated keys) or a *Part.
type Param struct {
	Key   string
	Value any
}

// Part is a multipart item. Exactly one of Path, Reader or Data is used.
type Part struct {
	FileName    string
	ContentType string
	Path        string
	Reader      io.Reader
	Data        []byte
}

// ErrBodyNotReplayable is returned when a request body was already consumed
// and cannot be produced again for a follow-up request.
var ErrBodyNotReplayable = errors.New("request body cannot be replayed")

// Body is an explicit request body that replaces body params.
// A negative Length means unknown, which is sent chunked.
// GetBody, when set, returns a fresh copy of the body for redirects.
type Body struct {
	Reader      io.Reader
	Length      int64
	ContentType string
	GetBody     func() (io.Reader, error)
}

// replay returns a fresh Body with the same content.
func (b *Body) replay() (*Body, error) {
	if b.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	r, err := b.GetBody()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBodyNotReplayable, err)
	}
	return &Body{Reader: r, Length: b.Length, ContentType: b.ContentType, GetBody: b.GetBody}, nil
}

// snapshotBody derives GetBody for in-memory readers.
func snapshotBody(r io.Reader) func() (io.Reader, error) {
	switch v := r.(type) {
	case *bytes.Buffer:
		buf := v.Bytes()
		return func() (io.Reader, error) { return bytes.NewReader(buf), nil }
	case *bytes.Reader:
		snapshot := *v
		return func() (io.Reader, error) { r := snapshot; return &r, nil }
	case *strings.Reader:
		snapshot := *v
		return func() (io.Reader, error) { r := snapshot; return &r, nil }
	default:
		return nil
	}
}

// Params describes one logical request. Fields are set by the caller during
// the build phase; Init freezes the derived values (query url, cache key,
// signature) the first time the request is used. A redirect produces a new
// Params through Redirect rather than mutating this one.
type Params struct {
	URI     string
	Method  Method
	Charset string

	// Transport policy; zero values fall back to engine defaults.
	Proxy          *url.URL
	TLS            *TLSPolicy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UseCookie      bool

	// Scheduling.
	Priority   executor.Priority
	Executor   executor.Submitter
	MaxRetries int // negative means engine default
	CancelFast bool

	// Progress callbacks fire at most once per interval, except the first
	// and last which always fire. Zero means engine default.
	LoadingUpdateInterval time.Duration

	// Cache.
	CacheDirName string
	CacheSize    int64
	CacheMaxAge  time.Duration
	CacheKeys    []string

	// File downloads.
	SaveFilePath string
	AutoResume   bool
	AutoRename   bool

	// Body shaping.
	Multipart       bool
	AsJSON          bool
	BodyContentType string

	RedirectHandler RedirectHandler
	Builder         Builder

	headers Headers
	query   []Param
	body    []Param
	rawBody *Body

	initOnce sync.Once
	initErr  error
	queryURL string
	cacheKey string
}

// New returns a GET request for uri with the usual defaults.
func New(uri string) *Params {
	return &Params{
		URI:        uri,
		Method:     GET,
		Charset:    "UTF-8",
		UseCookie:  true,
		Priority:   executor.PriorityUINormal,
		MaxRetries: -1,
		AutoResume: true,
	}
}

// Headers returns the ordered header list.
func (p *Params) Headers() *Headers { return &p.headers }

// SetHeader replaces every value of name.
func (p *Params) SetHeader(name, value string) *Params {
	p.headers.Set(name, value)
	return p
}

// AddHeader appends a header value.
func (p *Params) AddHeader(name, value string) *Params {
	p.headers.Add(name, value)
	return p
}

// AddQuery appends a query-string parameter.
func (p *Params) AddQuery(key string, value any) *Params {
	p.query = append(p.query, Param{Key: key, Value: value})
	return p
}

// AddBodyParam appends a body parameter. For methods without a body it is
// moved into the query string by Init.
func (p *Params) AddBodyParam(key string, value any) *Params {
	if _, ok := value.(*Part); ok {
		p.Multipart = true
	}
	p.body = append(p.body, Param{Key: key, Value: value})
	return p
}

// AddPart appends a multipart item.
func (p *Params) AddPart(key string, part *Part) *Params {
	return p.AddBodyParam(key, part)
}

// SetBodyContent sends content as the raw body.
func (p *Params) SetBodyContent(content string) *Params {
	p.rawBody = &Body{
		Reader:  strings.NewReader(content),
		Length:  int64(len(content)),
		GetBody: func() (io.Reader, error) { return strings.NewReader(content), nil },
	}
	return p
}

// SetBody sends an explicit body stream. In-memory readers get a GetBody
// when the caller did not supply one.
func (p *Params) SetBody(body *Body) *Params {
	if body != nil && body.GetBody == nil {
		body.GetBody = snapshotBody(body.Reader)
	}
	p.rawBody = body
	return p
}

// QueryParams returns the query-string params.
func (p *Params) QueryParams() []Param { return append([]Param(nil), p.query...) }

// BodyParams returns the body params.
func (p *Params) BodyParams() []Param { return append([]Param(nil), p.body...) }

// RawBody returns the explicit body, if any.
func (p *Params) RawBody() *Body { return p.rawBody }

// Init runs the builder policy and computes the derived values once.
func (p *Params) Init() error {
	p.initOnce.Do(func() {
		p.initErr = p.init()
	})
	return p.initErr
}

func (p *Params) init() error {
	if p.Method == "" {
		p.Method = GET
	}

	if p.Builder != nil {
		uri, err := p.Builder.BuildURI(p)
		if err != nil {
			return fmt.Errorf("build uri: %w", err)
		}
		if uri != "" {
			p.URI = uri
		}
		if err := p.Builder.BuildParams(p); err != nil {
			return fmt.Errorf("build params: %w", err)
		}
	}

	if p.URI == "" {
		return fmt.Errorf("request uri is empty")
	}

	if !p.Method.PermitsBody() && len(p.body) > 0 {
		p.query = append(p.query, p.body...)
		p.body = nil
	}

	if p.Builder != nil {
		if err := p.Builder.BuildSign(p); err != nil {
			return fmt.Errorf("build sign: %w", err)
		}
	}

	p.queryURL = appendQuery(p.URI, p.query)

	if p.Builder != nil {
		p.cacheKey = p.Builder.BuildCacheKey(p)
	}
	if p.cacheKey == "" {
		p.cacheKey = p.defaultCacheKey()
	}
	return nil
}

// QueryURL returns the uri with the query string assembled.
func (p *Params) QueryURL() string {
	if err := p.Init(); err != nil {
		return p.URI
	}
	return p.queryURL
}

// CacheKey returns the key under which responses to this request are cached.
func (p *Params) CacheKey() string {
	if err := p.Init(); err != nil {
		return ""
	}
	return p.cacheKey
}

// defaultCacheKey keys by the query url. When CacheKeys is set only those
// params take part; body params contribute for methods that carry a body.
func (p *Params) defaultCacheKey() string {
	if len(p.CacheKeys) > 0 {
		wanted := make(map[string]bool, len(p.CacheKeys))
		for _, k := range p.CacheKeys {
			wanted[k] = true
		}
		var selected []Param
		for _, param := range append(p.QueryParams(), p.body...) {
			if wanted[param.Key] {
				selected = append(selected, param)
			}
		}
		sort.SliceStable(selected, func(i, j int) bool { return selected[i].Key < selected[j].Key })
		return appendQuery(p.URI, selected)
	}

	key := p.queryURL
	if p.Method.PermitsBody() && len(p.body) > 0 {
		key += "#" + encodeParams(p.body)
	}
	return key
}

// ClearCacheHeaders drops conditional-request headers.
func (p *Params) ClearCacheHeaders() {
	p.headers.Del(HeaderIfModifiedSince)
	p.headers.Del(HeaderIfNoneMatch)
}

// SetCacheValidators injects conditional-request headers from a cached entry.
func (p *Params) SetCacheValidators(etag string, lastModified time.Time) {
	if etag != "" {
		p.headers.Set(HeaderIfNoneMatch, etag)
	}
	if !lastModified.IsZero() {
		p.headers.Set(HeaderIfModifiedSince, lastModified.UTC().Format(timeFormat))
	}
}

// Redirect returns a new request for uri sharing this request's policy. It fails
// with ErrBodyNotReplayable when the body cannot be sent a second time.
func (p *Params) Redirect(uri string) (*Params, error) {
	return p.redirect(uri, true)
}

func (p *Params) redirect(uri string, keepBody bool) (*Params, error) {
	var body []Param
	if keepBody {
		var err error
		if body, err = p.replayBody(); err != nil {
			return nil, err
		}
	}
	next := &Params{
		URI:                   uri,
		Method:                p.Method,
		Charset:               p.Charset,
		Proxy:                 p.Proxy,
		TLS:                   p.TLS,
		ConnectTimeout:        p.ConnectTimeout,
		ReadTimeout:           p.ReadTimeout,
		UseCookie:             p.UseCookie,
		Priority:              p.Priority,
		Executor:              p.Executor,
		MaxRetries:            p.MaxRetries,
		CancelFast:            p.CancelFast,
		LoadingUpdateInterval: p.LoadingUpdateInterval,
		CacheDirName:          p.CacheDirName,
		CacheSize:             p.CacheSize,
		CacheMaxAge:           p.CacheMaxAge,
		CacheKeys:             append([]string(nil), p.CacheKeys...),
		SaveFilePath:          p.SaveFilePath,
		AutoResume:            p.AutoResume,
		AutoRename:            p.AutoRename,
		Multipart:             p.Multipart,
		AsJSON:                p.AsJSON,
		BodyContentType:       p.BodyContentType,
		RedirectHandler:       p.RedirectHandler,
		headers:               p.headers.clone(),
		body:                  body,
	}
	if keepBody && p.rawBody != nil {
		rb, err := p.rawBody.replay()
		if err != nil {
			return nil, err
		}
		next.rawBody = rb
	} else if !keepBody {
		next.DropBody()
	}
	next.ClearCacheHeaders()
	return next, nil
}

// replayBody copies the body params. Multipart parts backed by a bare
// reader were drained by the previous request and cannot be sent again.
func (p *Params) replayBody() ([]Param, error) {
	out := make([]Param, 0, len(p.body))
	for _, bp := range p.body {
		if part, ok := bp.Value.(*Part); ok && part.Reader != nil && part.Path == "" && part.Data == nil {
			return nil, fmt.Errorf("%w: multipart part %q", ErrBodyNotReplayable, bp.Key)
		}
		out = append(out, bp)
	}
	return out, nil
}

// DropBody removes every body param and the raw body.
func (p *Params) DropBody() {
	p.body = nil
	p.rawBody = nil
	p.Multipart = false
}

func (p *Params) String() string {
	return string(p.Method) + " " + p.QueryURL()
}

// timeFormat is the HTTP date layout.
const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func appendQuery(uri string, query []Param) string {
	encoded := encodeParams(query)
	if encoded == "" {
		return uri
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
		if strings.HasSuffix(uri, "?") || strings.HasSuffix(uri, "&") {
			sep = ""
		}
	}
	return uri + sep + encoded
}

// encodeParams url-encodes params in insertion order. Arrays become repeated
// keys; multipart parts are skipped.
func encodeParams(list []Param) string {
	var sb strings.Builder
	write := func(k, v string) {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(v))
	}

	for _, param := range list {
		switch v := param.Value.(type) {
		case nil:
			write(param.Key, "")
		case string:
			write(param.Key, v)
		case []string:
			for _, item := range v {
				write(param.Key, item)
			}
		case *Part:
		default:
			write(param.Key, fmt.Sprint(v))
		}
	}
	return sb.String()
}

// FormValues returns the non-part body params as url.Values.
func FormValues(list []Param) url.Values {
	values := url.Values{}
	for _, param := range list {
		switch v := param.Value.(type) {
		case string:
			values.Add(param.Key, v)
		case []string:
			for _, item := range v {
				values.Add(param.Key, item)
			}
		case *Part, nil:
		default:
			values.Add(param.Key, fmt.Sprint(v))
		}
	}
	return values
}
