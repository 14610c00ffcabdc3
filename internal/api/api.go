// Package api serves a read-only JSON view of a node over HTTP. Private
// keys never leave the process through it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"relaygroups/internal/debuglog"
	"relaygroups/internal/directory"
	"relaygroups/internal/node"
	"relaygroups/internal/pprofutil"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
)

type GroupView struct {
	Address     proto.Address       `json:"address"`
	Name        string              `json:"name"`
	About       string              `json:"about,omitempty"`
	Access      proto.Access        `json:"access"`
	Relays      []string            `json:"relays"`
	Moderators  []string            `json:"moderators,omitempty"`
	PublishedAt int64               `json:"published_at,omitempty"`
	Deleted     bool                `json:"deleted,omitempty"`
	Admin       bool                `json:"admin"`
	SharedKey   string              `json:"shared_key,omitempty"`
	Members     []string            `json:"members,omitempty"`
	Status      session.GroupStatus `json:"status"`
	Pending     int                 `json:"pending_requests"`
}

type Options struct {
	// Profiling mounts /debug/pprof/ on the same router.
	Profiling bool
}

type handler struct {
	n   *node.Node
	log *log.Logger
}

// New routes the inspection endpoints for n.
func New(n *node.Node, o Options) http.Handler {
	h := &handler{n: n, log: debuglog.With("component", "api")}
	r := mux.NewRouter()
	r.Use(h.requestID)
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/identity", h.identity).Methods("GET")
	r.HandleFunc("/metrics", h.metrics).Methods("GET")
	r.HandleFunc("/outcomes", h.outcomes).Methods("GET")
	r.HandleFunc("/groups", h.groups).Methods("GET")
	r.HandleFunc("/groups/{address}", h.group).Methods("GET")
	r.HandleFunc("/groups/{address}/members", h.members).Methods("GET")
	r.HandleFunc("/groups/{address}/requests", h.requests).Methods("GET")
	r.HandleFunc("/groups/{address}/content", h.content).Methods("GET")
	if o.Profiling {
		pprofutil.Register(r)
	}
	return r
}

func (h *handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		h.log.Debug("request", "id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *handler) identity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pubkey":     h.n.Session.Pubkey(),
		"recipients": h.n.WrapperRecipients(""),
		"relays":     h.n.Relays(),
	})
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.n.Metrics.Snapshot())
}

func (h *handler) outcomes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.n.Metrics.Recent().List())
}

func (h *handler) view(g directory.GroupRecord) GroupView {
	v := GroupView{
		Address:     g.Address,
		Name:        g.DisplayName(),
		About:       g.Meta.Value.About,
		Access:      g.Access(),
		Relays:      g.Relays.Value,
		Moderators:  g.Moderators.Value,
		PublishedAt: g.PublishedAt,
		Deleted:     g.Deleted(),
		Status:      h.n.Session.Status(g.Address),
		Pending:     len(h.n.Directory.PendingRequests(g.Address)),
	}
	if _, ok := h.n.Directory.AdminKey(g.Address); ok {
		v.Admin = true
	}
	if key, ok := h.n.Directory.CurrentSharedKey(g.Address); ok {
		v.SharedKey = key.Pubkey
		v.Members = key.Members()
	}
	return v
}

func (h *handler) groups(w http.ResponseWriter, r *http.Request) {
	out := []GroupView{}
	for _, g := range h.n.Directory.Groups() {
		out = append(out, h.view(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (directory.GroupRecord, bool) {
	addr, err := proto.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return directory.GroupRecord{}, false
	}
	g, ok := h.n.Directory.Group(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "group not found")
		return directory.GroupRecord{}, false
	}
	return g, true
}

func (h *handler) group(w http.ResponseWriter, r *http.Request) {
	if g, ok := h.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, h.view(g))
	}
}

func (h *handler) members(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookup(w, r)
	if !ok {
		return
	}
	type keyView struct {
		Pubkey    string   `json:"pubkey"`
		CreatedAt int64    `json:"created_at"`
		Members   []string `json:"members"`
	}
	out := []keyView{}
	for _, k := range h.n.Directory.SharedKeys(g.Address) {
		out = append(out, keyView{Pubkey: k.Pubkey, CreatedAt: k.CreatedAt, Members: k.Members()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) requests(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookup(w, r)
	if !ok {
		return
	}
	reqs := h.n.Directory.Requests(g.Address)
	if r.URL.Query().Get("pending") == "1" {
		reqs = h.n.Directory.PendingRequests(g.Address)
	}
	if reqs == nil {
		reqs = []directory.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) content(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookup(w, r)
	if !ok {
		return
	}
	out := h.n.Directory.Content(g.Address)
	if out == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Serve runs handler on addr until ctx is done. ready, if set, receives
// the bound address.
func Serve(ctx context.Context, addr string, handler http.Handler, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready <- ln.Addr().String()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
