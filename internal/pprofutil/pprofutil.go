// Package pprofutil mounts the runtime profiles on the node's HTTP router.
package pprofutil

import (
	"fmt"
	"net"
	"net/http/pprof"
	"os"
	"strings"

	"github.com/gorilla/mux"
)

// Enabled reports whether GROUPS_PPROF=1.
func Enabled() bool {
	return strings.TrimSpace(os.Getenv("GROUPS_PPROF")) == "1"
}

// CheckBind refuses to expose profiles on a non-loopback addr unless
// GROUPS_PPROF_ALLOW_PUBLIC=1.
func CheckBind(addr string) error {
	if strings.TrimSpace(os.Getenv("GROUPS_PPROF_ALLOW_PUBLIC")) == "1" {
		return nil
	}
	if !isLoopbackBind(addr) {
		return fmt.Errorf("pprof needs a loopback HTTP addr unless GROUPS_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	return nil
}

// Register serves /debug/pprof/ on r. Named profiles (heap, goroutine,
// ...) go through the index handler.
func Register(r *mux.Router) {
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
