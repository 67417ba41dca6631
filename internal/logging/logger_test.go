package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New(Config{Level: "chatty"})
		assert.Error(t, err)
	})

	t.Run("empty level means info", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "log.json")
		l, err := New(Config{OutputPaths: []string{out}})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zap.InfoLevel))
		assert.False(t, l.Core().Enabled(zap.DebugLevel))
	})

	t.Run("development enables debug", func(t *testing.T) {
		l := NewDevelopment()
		assert.True(t, l.Core().Enabled(zap.DebugLevel))
	})
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).Logger)
	assert.NotNil(t, OrNop(&Logger{}).Logger)

	l := NewNop()
	assert.Same(t, l, OrNop(l))
	assert.NotNil(t, l.Named("cache").With(zap.String("k", "v")).Logger)
}
