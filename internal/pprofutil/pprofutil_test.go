package pprofutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestCheckBind(t *testing.T) {
	t.Setenv("GROUPS_PPROF_ALLOW_PUBLIC", "")
	for addr, ok := range map[string]bool{
		"127.0.0.1:7447": true,
		"localhost:7447": true,
		"[::1]:7447":     true,
		"0.0.0.0:7447":   false,
		"10.0.0.5:7447":  false,
		"bad-addr":       false,
	} {
		if ok {
			require.NoError(t, CheckBind(addr), addr)
		} else {
			require.Error(t, CheckBind(addr), addr)
		}
	}

	t.Setenv("GROUPS_PPROF_ALLOW_PUBLIC", "1")
	require.NoError(t, CheckBind("0.0.0.0:7447"))
}

func TestEnabled(t *testing.T) {
	t.Setenv("GROUPS_PPROF", "")
	require.False(t, Enabled())
	t.Setenv("GROUPS_PPROF", "1")
	require.True(t, Enabled())
}

func TestRegisterServesProfiles(t *testing.T) {
	r := mux.NewRouter()
	Register(r)
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/goroutine?debug=1"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
