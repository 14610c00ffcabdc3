package node

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/crypto"
	"relaygroups/internal/debuglog"
	"relaygroups/internal/directory"
	"relaygroups/internal/envelope"
	"relaygroups/internal/keys"
	"relaygroups/internal/metrics"
	"relaygroups/internal/network"
	"relaygroups/internal/projection"
	"relaygroups/internal/publish"
	"relaygroups/internal/session"
	"relaygroups/internal/storage"
)

// Node owns every table and wires the directory, session, envelope
// protocol, router and projection engine around one network and one store.
type Node struct {
	Home      string
	Session   *session.Session
	Directory *directory.Directory
	Keys      *keys.Manager
	Envelope  *envelope.Protocol
	Router    *publish.Router
	Engine    *projection.Engine
	Metrics   *metrics.Metrics
	Network   network.Network
	Store     storage.Backend

	relays       []string
	now          func() time.Time
	saveInterval time.Duration
	dirty        atomic.Bool
	log          *log.Logger
}

type Options struct {
	// Relays are used for every group in addition to the group's own.
	Relays        []string
	Network       network.Network
	Store         storage.Backend
	Now           func() time.Time
	UnwrapWorkers int
	ContentCap    int
	SaveInterval  time.Duration
}

const (
	defaultSaveInterval = 5 * time.Second
	metricsFile         = "metrics.json"
)

// NewNode opens the identity under home, creating a keypair on first run.
// A nil Store keeps state in home/state.jsonl.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	sess, err := session.Open(home)
	if err != nil {
		return nil, err
	}
	if opts.Store == nil {
		opts.Store = storage.NewFile(filepath.Join(home, "state.jsonl"))
	}
	n := New(sess, opts)
	n.Home = home
	return n, nil
}

// New wires a node around an existing session. A nil Network is an
// in-memory relay set.
func New(sess *session.Session, opts Options) *Node {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Network == nil {
		opts.Network = network.NewMemory()
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}
	n := &Node{
		Session:      sess,
		Directory:    directory.New(directory.Options{ContentCap: opts.ContentCap}),
		Metrics:      metrics.New(),
		Network:      opts.Network,
		Store:        opts.Store,
		relays:       opts.Relays,
		now:          opts.Now,
		saveInterval: opts.SaveInterval,
		log:          debuglog.With("component", "node"),
	}
	n.Keys = keys.NewManager(n.Directory, keys.Options{Now: opts.Now})
	n.Envelope = envelope.New(sess, crypto.NIP44{}, envelope.Options{Now: opts.Now})
	n.Engine = projection.New(n.Directory, sess, n.Envelope, projection.Options{
		Now:           opts.Now,
		Metrics:       n.Metrics,
		UnwrapWorkers: opts.UnwrapWorkers,
	})
	n.Router = publish.NewRouter(n.Directory, sess, n.Envelope, opts.Network, publish.Options{
		Now:     opts.Now,
		Keys:    n.Keys,
		Metrics: n.Metrics,
		Echo:    n.echo,
	})
	n.Directory.Subscribe(func(directory.Change) { n.dirty.Store(true) })
	return n
}

// echo projects our own writes right away.
func (n *Node) echo(ctx context.Context, ev nostr.Event) {
	res := n.Engine.Dispatch(ctx, ev)
	n.log.Debug("echo", "kind", ev.Kind, "id", ev.ID, "outcome", res.Outcome, "reason", res.Reason)
}

// Load merges persisted state into the node.
func (n *Node) Load(ctx context.Context) error {
	if n.Store == nil {
		return nil
	}
	recs, err := n.Store.Load(ctx)
	if err != nil {
		return err
	}
	st, err := storage.Decode(recs)
	if err != nil {
		return err
	}
	n.Directory.Restore(st.Directory)
	n.Session.Restore(st.Statuses)
	n.dirty.Store(false)
	n.log.Debug("state loaded", "rows", len(recs), "groups", len(st.Directory.Groups))
	return nil
}

// Save writes every table to the store.
func (n *Node) Save(ctx context.Context) error {
	if n.Store == nil {
		return nil
	}
	n.dirty.Store(false)
	recs, err := storage.Encode(storage.State{
		Directory: n.Directory.Snapshot(),
		Statuses:  n.Session.Statuses(),
	})
	if err != nil {
		return err
	}
	if err := n.Store.Replace(ctx, recs); err != nil {
		n.dirty.Store(true)
		return err
	}
	return nil
}

func (n *Node) writeMetrics() {
	if n.Home == "" {
		return
	}
	if err := n.Metrics.WriteSnapshot(filepath.Join(n.Home, metricsFile)); err != nil {
		debuglog.RateLimitedf("node:metrics", time.Minute, "write metrics: %v", err)
	}
}

// Close saves and releases the store.
func (n *Node) Close(ctx context.Context) error {
	if n.Store == nil {
		return nil
	}
	err := n.Save(ctx)
	if cerr := n.Store.Close(); err == nil {
		err = cerr
	}
	return err
}
