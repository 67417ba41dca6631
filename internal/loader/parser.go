package loader

import (
	"bytes"
	"context"
	"reflect"
	"strings"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pelletier/go-toml/v2"
)

// Parser converts a raw result (as produced by the loader registered for
// RawType) into a value of the target type.
type Parser interface {
	RawType() reflect.Type
	Parse(raw any, target reflect.Type) (any, error)
}

var (
	bytesType  = reflect.TypeOf((*[]byte)(nil)).Elem()
	stringType = reflect.TypeOf((*string)(nil)).Elem()
)

// parsedLoader composes an inner loader with a parser. The cache keeps the
// inner loader's raw form, so a cached entry is parsed again on load.
type parsedLoader struct {
	inner  Loader
	parser Parser
	target reflect.Type
}

func (l *parsedLoader) Load(ctx context.Context, req *Request) (any, error) {
	raw, err := l.inner.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.parser.Parse(raw, l.target)
}

func (l *parsedLoader) LoadFromCache(entry *cache.Entry) (any, error) {
	raw, err := l.inner.LoadFromCache(entry)
	if err != nil {
		return nil, err
	}
	return l.parser.Parse(raw, l.target)
}

func (l *parsedLoader) SaveToCache(ch transport.Channel) *cache.Entry {
	return l.inner.SaveToCache(ch)
}

func asBytes(raw any) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func asString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// decodeInto allocates a target value, lets decode fill it through a
// pointer and returns it in the shape target asks for.
func decodeInto(format string, target reflect.Type, decode func(ptr any) error) (any, error) {
	if target.Kind() == reflect.Pointer {
		ptr := reflect.New(target.Elem())
		if err := decode(ptr.Interface()); err != nil {
			return nil, &httperr.ParseError{Target: format + " " + target.String(), Err: err}
		}
		return ptr.Interface(), nil
	}

	ptr := reflect.New(target)
	if err := decode(ptr.Interface()); err != nil {
		return nil, &httperr.ParseError{Target: format + " " + target.String(), Err: err}
	}
	return ptr.Elem().Interface(), nil
}

// JSONParser decodes JSON with sonic. It is the default parser for types
// without a loader of their own.
type JSONParser struct{}

func (JSONParser) RawType() reflect.Type { return bytesType }

func (JSONParser) Parse(raw any, target reflect.Type) (any, error) {
	data := asBytes(raw)
	return decodeInto("json", target, func(ptr any) error {
		return sonic.Unmarshal(data, ptr)
	})
}

// YAMLParser decodes YAML documents.
type YAMLParser struct{}

func (YAMLParser) RawType() reflect.Type { return bytesType }

func (YAMLParser) Parse(raw any, target reflect.Type) (any, error) {
	data := asBytes(raw)
	return decodeInto("yaml", target, func(ptr any) error {
		return yaml.Unmarshal(data, ptr)
	})
}

// TOMLParser decodes TOML documents.
type TOMLParser struct{}

func (TOMLParser) RawType() reflect.Type { return bytesType }

func (TOMLParser) Parse(raw any, target reflect.Type) (any, error) {
	data := asBytes(raw)
	return decodeInto("toml", target, func(ptr any) error {
		return toml.Unmarshal(data, ptr)
	})
}

// DocumentParser builds a goquery document from decoded text.
type DocumentParser struct{}

func (DocumentParser) RawType() reflect.Type { return stringType }

func (DocumentParser) Parse(raw any, _ reflect.Type) (any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(asString(raw)))
	if err != nil {
		return nil, &httperr.ParseError{Target: "html document", Err: err}
	}
	return doc, nil
}

// NodeParser builds an html node tree suitable for XPath queries.
type NodeParser struct{}

func (NodeParser) RawType() reflect.Type { return stringType }

func (NodeParser) Parse(raw any, _ reflect.Type) (any, error) {
	node, err := htmlquery.Parse(strings.NewReader(asString(raw)))
	if err != nil {
		return nil, &httperr.ParseError{Target: "html node", Err: err}
	}
	return node, nil
}

// SafeHTML is markup with scripts, handlers and other active content removed.
type SafeHTML string

// SafeHTMLParser sanitises decoded text with a user-generated-content policy.
type SafeHTMLParser struct {
	Policy *bluemonday.Policy
}

func (SafeHTMLParser) RawType() reflect.Type { return stringType }

func (p SafeHTMLParser) Parse(raw any, _ reflect.Type) (any, error) {
	policy := p.Policy
	if policy == nil {
		policy = bluemonday.UGCPolicy()
	}
	return SafeHTML(policy.SanitizeReader(bytes.NewReader(asBytes(raw))).String()), nil
}
