package logging

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type countingLogger struct{ n int }

func (c *countingLogger) Log(keyvals ...interface{}) error {
	c.n++
	return nil
}

func TestRateLimitedLoggerDropsOverBurst(t *testing.T) {
	inner := &countingLogger{}
	l := NewRateLimitedLogger(5, inner)

	for i := 0; i < 100; i++ {
		_ = l.Log("msg", "x")
	}

	require.Less(t, inner.n, 100)
	require.Greater(t, inner.n, 0)
}

func TestRateLimitedLoggerZeroRpsNeverDrops(t *testing.T) {
	inner := &countingLogger{}
	l := NewRateLimitedLogger(0, inner)

	for i := 0; i < 50; i++ {
		_ = l.Log("msg", "x")
	}

	require.Equal(t, 50, inner.n)
}

var _ log.Logger = (*RateLimitedLogger)(nil)
