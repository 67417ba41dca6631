package loader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// StringLoader decodes the body to UTF-8 text. The charset comes from the
// Content-Type header, then the request's Charset, then detection.
type StringLoader struct {
	text   string
	loaded bool
}

// NewStringLoader is the Factory for string.
func NewStringLoader() Loader { return &StringLoader{} }

func (l *StringLoader) Load(ctx context.Context, req *Request) (any, error) {
	data, err := readBody(ctx, req)
	if err != nil {
		return nil, err
	}

	text, err := Decode(data, req.Channel.Header(params.HeaderContentType), req.Params.Charset)
	if err != nil {
		return nil, err
	}
	l.text = text
	l.loaded = true
	return text, nil
}

func (l *StringLoader) LoadFromCache(entry *cache.Entry) (any, error) {
	return string(entry.Content), nil
}

func (l *StringLoader) SaveToCache(transport.Channel) *cache.Entry {
	if !l.loaded || l.text == "" {
		return nil
	}
	return &cache.Entry{Content: []byte(l.text)}
}

// Decode converts data to UTF-8. contentType may carry a charset parameter;
// fallback is used when it does not.
func Decode(data []byte, contentType, fallback string) (string, error) {
	name := ""
	if contentType != "" {
		if _, ps, err := mime.ParseMediaType(contentType); err == nil {
			name = ps["charset"]
		}
	}
	if name == "" {
		name = fallback
	}

	if name == "" || isUTF8(name) {
		if utf8.Valid(data) {
			return string(data), nil
		}
		detected, err := chardet.NewTextDetector().DetectBest(data)
		if err != nil || isUTF8(detected.Charset) {
			return strings.ToValidUTF8(string(data), "�"), nil
		}
		name = detected.Charset
	}

	enc, _ := charset.Lookup(name)
	if enc == nil {
		return "", fmt.Errorf("unsupported charset %q", name)
	}
	out, err := io.ReadAll(enc.NewDecoder().Reader(strings.NewReader(string(data))))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(out), nil
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}
