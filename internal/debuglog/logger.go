package debuglog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const envDebug = "GROUPS_DEBUG"

var (
	initOnce sync.Once
	root     atomic.Pointer[log.Logger]
	rlMu     sync.Mutex
	rlLast   = make(map[string]time.Time)
	rlSweep  = time.Now()
)

func enabled() bool {
	return os.Getenv(envDebug) == "1"
}

func logger() *log.Logger {
	initOnce.Do(func() {
		root.CompareAndSwap(nil, newLogger(os.Stderr))
	})
	return root.Load()
}

func newLogger(w io.Writer) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "relaygroups",
	})
	if enabled() {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

// SetOutput replaces the root logger writer. Tests use it to capture output.
func SetOutput(w io.Writer) {
	initOnce.Do(func() {})
	root.Store(newLogger(w))
}

// SetDebug toggles debug level at runtime (the --debug flag).
func SetDebug(on bool) {
	if on {
		_ = os.Setenv(envDebug, "1")
		logger().SetLevel(log.DebugLevel)
		return
	}
	_ = os.Setenv(envDebug, "0")
	logger().SetLevel(log.InfoLevel)
}

// With returns a component logger carrying the given key/value pairs.
func With(keyvals ...any) *log.Logger {
	return logger().With(keyvals...)
}

func Logf(format string, args ...any) {
	logger().Infof(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	logger().Debugf(format, args...)
}

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	logger().Debugf(format, args...)
}
