package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/transport"
)

// ErrNotCacheable is returned by LoadFromCache for results that are never
// stored.
var ErrNotCacheable = errors.New("result type is not cacheable")

// BytesLoader returns the raw body.
type BytesLoader struct {
	data []byte
}

// NewBytesLoader is the Factory for []byte.
func NewBytesLoader() Loader { return &BytesLoader{} }

func (l *BytesLoader) Load(ctx context.Context, req *Request) (any, error) {
	data, err := readBody(ctx, req)
	if err != nil {
		return nil, err
	}
	l.data = data
	return data, nil
}

func (l *BytesLoader) LoadFromCache(entry *cache.Entry) (any, error) {
	return entry.Content, nil
}

func (l *BytesLoader) SaveToCache(transport.Channel) *cache.Entry {
	if len(l.data) == 0 {
		return nil
	}
	return &cache.Entry{Content: l.data}
}

// BoolLoader reports whether the status is below 300. Since any higher
// status fails the request, a loaded value is true.
type BoolLoader struct{}

// NewBoolLoader is the Factory for bool.
func NewBoolLoader() Loader { return BoolLoader{} }

func (BoolLoader) Load(_ context.Context, req *Request) (any, error) {
	return req.Channel.ResponseCode() < http.StatusMultipleChoices, nil
}

func (BoolLoader) LoadFromCache(*cache.Entry) (any, error) {
	return nil, fmt.Errorf("bool: %w", ErrNotCacheable)
}

func (BoolLoader) SaveToCache(transport.Channel) *cache.Entry { return nil }

// StatusLoader returns the response status code.
type StatusLoader struct{}

// NewStatusLoader is the Factory for int.
func NewStatusLoader() Loader { return StatusLoader{} }

func (StatusLoader) Load(_ context.Context, req *Request) (any, error) {
	return req.Channel.ResponseCode(), nil
}

func (StatusLoader) LoadFromCache(*cache.Entry) (any, error) {
	return nil, fmt.Errorf("int: %w", ErrNotCacheable)
}

func (StatusLoader) SaveToCache(transport.Channel) *cache.Entry { return nil }
