package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPError(t *testing.T) {
	t.Run("message defaults to status text", func(t *testing.T) {
		err := NewHTTPError(http.StatusNotFound, "")
		assert.Equal(t, "http 404 Not Found", err.Error())
	})

	t.Run("body is truncated in the message", func(t *testing.T) {
		err := NewHTTPError(http.StatusInternalServerError, "")
		err.Body = strings.Repeat("x", 1000)
		assert.Less(t, len(err.Error()), 400)
		assert.True(t, strings.HasSuffix(err.Error(), "..."))
	})

	t.Run("status predicates", func(t *testing.T) {
		assert.True(t, NewHTTPError(301, "").IsRedirect())
		assert.True(t, NewHTTPError(302, "").IsRedirect())
		assert.False(t, NewHTTPError(303, "").IsRedirect())
		assert.True(t, NewHTTPError(304, "").IsNotModified())
		assert.True(t, NewHTTPError(416, "").IsRangeNotSatisfiable())
	})

	t.Run("found through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("attempt 2: %w", NewHTTPError(503, ""))
		he, ok := AsHTTP(wrapped)
		assert.True(t, ok)
		assert.Equal(t, 503, he.Code)
	})
}

func TestCancelledError(t *testing.T) {
	cause := errors.New("context canceled")
	err := fmt.Errorf("load: %w", NewCancelled("by user", cause))

	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsCancelled(cause))
}

func TestFromPanic(t *testing.T) {
	assert.Equal(t, "callback success failed: panic: boom", FromPanic("success", "boom").Error())

	base := errors.New("bad")
	cbErr := FromPanic("prepare", base)
	assert.ErrorIs(t, cbErr, base)
	assert.True(t, IsCallback(fmt.Errorf("x: %w", cbErr)))
}
