package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID tags every network request for log correlation.
const HeaderRequestID = "X-Request-ID"

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

type networkChannel struct {
	client *Client
	params *params.Params
	target *url.URL

	resp      *resty.Response
	body      io.ReadCloser
	freshness Freshness
	cancel    context.CancelFunc
	closeOnce sync.Once
	requestID string
}

func newNetworkChannel(c *Client, p *params.Params) (*networkChannel, error) {
	target, err := url.Parse(p.QueryURL())
	if err != nil {
		return nil, &url.Error{Op: "parse", URL: p.QueryURL(), Err: err}
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: url has no host: %s", httperr.ErrInvalidArgument, target)
	}
	return &networkChannel{client: c, params: p, target: target}, nil
}

// SendRequest performs the exchange through the host's breaker. A status of
// 300 or above is returned as an HTTPError with its body and headers.
func (n *networkChannel) SendRequest(ctx context.Context) error {
	if err := n.client.wait(ctx); err != nil {
		return err
	}

	rc, err := n.client.restyFor(n.params)
	if err != nil {
		return err
	}

	// The body outlives SendRequest, so it gets its own cancel tied to Close.
	reqCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	req, err := n.build(rc.R().SetContext(reqCtx))
	if err != nil {
		return err
	}

	log := n.client.logger.With(
		zap.String("request_id", n.requestID),
		zap.String("method", n.params.Method.String()),
		zap.String("url", n.target.Redacted()),
	)

	breaker := n.client.breakers.Get(n.target.Host)
	err = breaker.Do(func() error {
		resp, err := req.Execute(n.params.Method.String(), n.target.String())
		if err != nil {
			if reqCtx.Err() != nil {
				return httperr.NewCancelled("request aborted", reqCtx.Err())
			}
			return err
		}
		n.resp = resp
		n.body = resp.RawBody()
		return n.checkStatus()
	})
	if err != nil {
		log.Debug("request failed", zap.Error(err))
		return err
	}

	if n.params.UseCookie {
		n.client.jar.SetCookies(n.target, n.resp.RawResponse.Cookies())
	}
	n.freshness = ParseFreshness(n.resp.Header(), time.Now())
	n.body = newIdleTimeoutReader(n.body, n.client.readTimeout(n.params), cancel)

	log.Debug("response received", zap.Int("status", n.resp.StatusCode()))
	return nil
}

func (n *networkChannel) build(req *resty.Request) (*resty.Request, error) {
	p := n.params

	req.SetDoNotParseResponse(true)
	for _, h := range p.Headers().List() {
		req.Header.Add(h.Name, h.Value)
	}
	n.requestID = req.Header.Get(HeaderRequestID)
	if n.requestID == "" {
		n.requestID = uuid.NewString()
		req.SetHeader(HeaderRequestID, n.requestID)
	}

	if p.UseCookie {
		for _, ck := range n.client.jar.Cookies(n.target) {
			req.SetCookie(ck)
		}
	}

	if !p.Method.PermitsBody() {
		return req, nil
	}

	contentType := p.BodyContentType
	switch {
	case p.RawBody() != nil:
		body := p.RawBody()
		if body.Length >= 0 {
			req.SetContentLength(true)
		}
		req.SetBody(body.Reader)
		if contentType == "" {
			contentType = body.ContentType
		}

	case p.Multipart:
		fields, err := multipartFields(p.BodyParams())
		if err != nil {
			return nil, err
		}
		req.SetMultipartFormData(formData(p.BodyParams()))
		req.SetMultipartFields(fields...)

	case p.AsJSON:
		doc := make(map[string]any)
		for _, param := range p.BodyParams() {
			doc[param.Key] = param.Value
		}
		data, err := sonic.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: encode json body: %v", httperr.ErrInvalidArgument, err)
		}
		req.SetBody(data)
		if contentType == "" {
			contentType = "application/json; charset=utf-8"
		}

	case len(p.BodyParams()) > 0:
		req.SetFormDataFromValues(params.FormValues(p.BodyParams()))
	}

	if contentType != "" {
		req.SetHeader(params.HeaderContentType, contentType)
	}
	return req, nil
}

func formData(list []params.Param) map[string]string {
	out := make(map[string]string)
	for key, values := range params.FormValues(list) {
		out[key] = strings.Join(values, ",")
	}
	return out
}

func multipartFields(list []params.Param) ([]*resty.MultipartField, error) {
	var fields []*resty.MultipartField
	for _, param := range list {
		part, ok := param.Value.(*params.Part)
		if !ok {
			continue
		}

		field := &resty.MultipartField{
			Param:       param.Key,
			FileName:    part.FileName,
			ContentType: part.ContentType,
		}
		switch {
		case part.Reader != nil:
			field.Reader = part.Reader
		case part.Data != nil:
			field.Reader = strings.NewReader(string(part.Data))
		case part.Path != "":
			f, err := os.Open(part.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: multipart part %s: %v", httperr.ErrInvalidArgument, param.Key, err)
			}
			field.Reader = f
			if field.FileName == "" {
				field.FileName = f.Name()
			}
		default:
			return nil, fmt.Errorf("%w: multipart part %s has no content", httperr.ErrInvalidArgument, param.Key)
		}
		if field.ContentType == "" {
			field.ContentType = "application/octet-stream"
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func (n *networkChannel) checkStatus() error {
	code := n.resp.StatusCode()
	if code < http.StatusMultipleChoices {
		return nil
	}

	he := httperr.NewHTTPError(code, "")
	he.Header = n.resp.Header().Clone()
	he.Location = n.resp.Header().Get("Location")
	if n.body != nil {
		data, _ := io.ReadAll(io.LimitReader(n.body, maxErrorBody))
		he.Body = string(data)
		n.body.Close()
		n.body = nil
	}
	return he
}

func (n *networkChannel) Body() (io.Reader, error) {
	if n.body == nil {
		return nil, fmt.Errorf("response body not available")
	}
	return n.body, nil
}

func (n *networkChannel) ResponseCode() int {
	if n.resp == nil {
		return 0
	}
	return n.resp.StatusCode()
}

func (n *networkChannel) CacheKey() string { return n.params.CacheKey() }

func (n *networkChannel) ContentLength() int64 {
	if n.resp == nil || n.resp.RawResponse == nil {
		return UnknownLength
	}
	return n.resp.RawResponse.ContentLength
}

func (n *networkChannel) Expiration() time.Time { return n.freshness.Expires }

func (n *networkChannel) LastModified() time.Time {
	if n.resp == nil {
		return time.Time{}
	}
	return ParseLastModified(n.resp.Header())
}

func (n *networkChannel) ETag() string { return n.Header("ETag") }

func (n *networkChannel) Header(name string) string {
	if n.resp == nil {
		return ""
	}
	return n.resp.Header().Get(name)
}

func (n *networkChannel) Headers() http.Header {
	if n.resp == nil {
		return http.Header{}
	}
	return n.resp.Header()
}

func (n *networkChannel) Cacheable() bool { return !n.freshness.NoStore }

func (n *networkChannel) URL() *url.URL {
	if n.resp != nil && n.resp.RawResponse != nil && n.resp.RawResponse.Request != nil {
		return n.resp.RawResponse.Request.URL
	}
	return n.target
}

// Close releases the response body and aborts any blocked read.
func (n *networkChannel) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.body != nil {
			err = n.body.Close()
		}
	})
	return err
}
