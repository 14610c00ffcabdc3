package debuglog

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	t.Setenv(envDebug, "1")
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	RateLimitedf("drop:decrypt", time.Hour, "dropped %s", "first")
	RateLimitedf("drop:decrypt", time.Hour, "dropped %s", "second")

	out := buf.String()
	require.Contains(t, out, "dropped first")
	require.NotContains(t, out, "dropped second")
}

func TestDebugfSilentWhenDisabled(t *testing.T) {
	t.Setenv(envDebug, "0")
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	Debugf("hidden %d", 1)
	Logf("shown %d", 2)

	require.NotContains(t, buf.String(), "hidden 1")
	require.Contains(t, buf.String(), "shown 2")
}

func TestSetOutputWhileLogging(t *testing.T) {
	t.Setenv(envDebug, "0")
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				SetOutput(io.Discard)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Logf("tick %d", j)
				_ = With("component", "test")
			}
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	SetOutput(&buf)
	Logf("settled")
	require.Contains(t, buf.String(), "settled")
}
