package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/api"
	"relaygroups/internal/config"
	"relaygroups/internal/crypto"
	"relaygroups/internal/debuglog"
	"relaygroups/internal/metrics"
	"relaygroups/internal/network"
	"relaygroups/internal/node"
	"relaygroups/internal/pprofutil"
	"relaygroups/internal/proto"
	"relaygroups/internal/publish"
	"relaygroups/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "init-group":
		return runInitGroup(args[1:], stdout, stderr)
	case "groups":
		return runGroups(args[1:], stdout, stderr)
	case "invite":
		return runInvite(args[1:], stdout, stderr)
	case "remove":
		return runRemove(args[1:], stdout, stderr)
	case "rotate":
		return runRotate(args[1:], stdout, stderr)
	case "join":
		return runJoin(args[1:], stdout, stderr)
	case "leave":
		return runLeave(args[1:], stdout, stderr)
	case "post":
		return runPost(args[1:], stdout, stderr)
	case "requests":
		return runRequests(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: groupd <command> [--home dir] [--relays a,b] [--store file|redis|postgres] [--debug] [args]")
	fmt.Fprintln(w, "  run                                  follow relays and serve the HTTP view")
	fmt.Fprintln(w, "  identity")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  init-group --name <name> [--about s] [--open] [--group-relays a,b]")
	fmt.Fprintln(w, "  groups")
	fmt.Fprintln(w, "  invite   --group <address> <pubkey>...")
	fmt.Fprintln(w, "  remove   --group <address> <pubkey>...")
	fmt.Fprintln(w, "  rotate   --group <address>")
	fmt.Fprintln(w, "  join     --group <address> [--message s]")
	fmt.Fprintln(w, "  leave    --group <address> [--message s]")
	fmt.Fprintln(w, "  post     --group <address> <text>")
	fmt.Fprintln(w, "  requests --group <address> [--pending]")
}

// common holds the flags every command shares. Unset flags keep the value
// read from the environment.
type common struct {
	cfg    config.Config
	home   *string
	relays *string
	store  *string
	debug  *bool
}

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &common{cfg: config.FromEnv()}
	c.home = fs.String("home", c.cfg.Home, "state directory")
	c.relays = fs.String("relays", "", "comma separated relay URLs (overrides GROUPS_RELAYS)")
	c.store = fs.String("store", c.cfg.Store, "state backend: file, redis or postgres")
	c.debug = fs.Bool("debug", c.cfg.Debug, "enable debug logging")
	return fs, c
}

func (c *common) resolve() (config.Config, error) {
	cfg := c.cfg
	cfg.Home = *c.home
	cfg.Store = *c.store
	cfg.Debug = *c.debug
	if *c.relays != "" {
		cfg.Relays = config.SplitList(*c.relays)
	}
	if cfg.Debug {
		debuglog.SetDebug(true)
	}
	return cfg, cfg.Validate()
}

// env is an opened node plus whatever must be released with it.
type env struct {
	node *node.Node
	pool *network.Pool
	quic *network.QUICClient
}

func (e *env) release() {
	e.pool.Close()
	e.quic.Close()
}

func openNode(ctx context.Context, cfg config.Config) (*env, error) {
	qc, err := network.NewQUICClient(cfg.InsecureQUIC)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storage.Options{
		Kind:        cfg.Store,
		Home:        cfg.Home,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		qc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	pool := network.NewPool()
	n, err := node.NewNode(cfg.Home, node.Options{
		Relays: cfg.Relays,
		Network: &network.Mux{
			Local:     network.NewMemory(),
			Websocket: pool,
			QUIC:      qc,
		},
		Store:         store,
		UnwrapWorkers: cfg.UnwrapWorkers,
	})
	if err != nil {
		_ = store.Close()
		qc.Close()
		return nil, err
	}
	return &env{node: n, pool: pool, quic: qc}, nil
}

func (e *env) close(stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer e.release()
	if err := e.node.Close(ctx); err != nil {
		fmt.Fprintf(stderr, "save failed: %v\n", err)
		return 1
	}
	return 0
}

// withNode loads the node, catches up from relays, runs fn and saves.
func withNode(cfg config.Config, stderr io.Writer, fn func(ctx context.Context, n *node.Node) error) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e, err := openNode(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if err := e.node.Load(ctx); err != nil {
		fmt.Fprintf(stderr, "load state failed: %v\n", err)
		e.close(stderr)
		return 1
	}
	if err := e.node.LoadGroups(ctx); err != nil && !errors.Is(err, network.ErrNoRelays) {
		fmt.Fprintf(stderr, "warning: relay catch-up failed: %v\n", err)
	}
	if err := fn(ctx, e.node); err != nil {
		fmt.Fprintln(stderr, err)
		e.close(stderr)
		return 1
	}
	return e.close(stderr)
}

func groupFlag(fs *flag.FlagSet) *string {
	return fs.String("group", "", "group address (kind:pubkey:id)")
}

func parseGroup(raw string, stderr io.Writer) (proto.Address, bool) {
	if raw == "" {
		fmt.Fprintln(stderr, "missing --group")
		return "", false
	}
	addr, err := proto.ParseAddress(raw)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --group: %v\n", err)
		return "", false
	}
	return addr, true
}

func printDeliveries(w io.Writer, ds ...publish.Delivery) {
	for _, d := range ds {
		ok := network.Succeeded(d.Results)
		switch {
		case d.Err != nil:
			fmt.Fprintf(w, "event=%s failed: %v\n", proto.ShortKey(d.Event.ID), d.Err)
		case d.Recipient != "":
			fmt.Fprintf(w, "event=%s to=%s relays=%d/%d\n", proto.ShortKey(d.Event.ID), proto.ShortKey(d.Recipient), ok, len(d.Results))
		default:
			fmt.Fprintf(w, "event=%s relays=%d/%d\n", proto.ShortKey(d.Event.ID), ok, len(d.Results))
		}
	}
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("run", stderr)
	httpAddr := fs.String("http", c.cfg.HTTPAddr, "HTTP listen addr, empty to disable")
	quicAddr := fs.String("quic", c.cfg.QUICAddr, "serve a QUIC relay on this addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := debuglog.With("component", "groupd")
	apiOpts := api.Options{Profiling: pprofutil.Enabled()}
	if apiOpts.Profiling {
		if *httpAddr == "" {
			fmt.Fprintln(stderr, "GROUPS_PPROF=1 needs --http")
			return 1
		}
		if err := pprofutil.CheckBind(*httpAddr); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	e, err := openNode(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer e.release()

	srvErr := make(chan error, 2)
	if *quicAddr != "" {
		ready := make(chan string, 1)
		srv := network.NewQUICServer(network.QUICServerOptions{})
		go func() { srvErr <- srv.ListenAndServe(ctx, *quicAddr, ready) }()
		select {
		case addr := <-ready:
			logger.Info("quic relay listening", "addr", addr)
		case err := <-srvErr:
			fmt.Fprintf(stderr, "quic relay failed: %v\n", err)
			return 1
		}
	}
	if *httpAddr != "" {
		ready := make(chan string, 1)
		go func() { srvErr <- api.Serve(ctx, *httpAddr, api.New(e.node, apiOpts), ready) }()
		select {
		case addr := <-ready:
			logger.Info("http view listening", "addr", addr, "pprof", apiOpts.Profiling)
		case err := <-srvErr:
			fmt.Fprintf(stderr, "http listen failed: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "READY pubkey=%s relays=%d\n", e.node.Session.Pubkey(), len(cfg.Relays))
	runErr := make(chan error, 1)
	go func() { runErr <- e.node.Run(ctx) }()
	select {
	case err = <-runErr:
	case serr := <-srvErr:
		// a listener stopped early; stop the node too
		stop()
		err = <-runErr
		if serr != nil {
			err = serr
		}
	}
	stop()
	if cerr := e.node.Store.Close(); cerr != nil {
		fmt.Fprintf(stderr, "close store: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("identity", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(_ context.Context, n *node.Node) error {
		fmt.Fprintf(stdout, "pubkey=%s\n", n.Session.Pubkey())
		for _, r := range n.Relays() {
			fmt.Fprintf(stdout, "relay=%s\n", r)
		}
		return nil
	})
}

func readMetricsSnapshot(path string) (metrics.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(_ context.Context, n *node.Node) error {
		groups := n.Directory.Groups()
		admin, granted, pending := 0, 0, 0
		for _, g := range groups {
			if _, ok := n.Directory.AdminKey(g.Address); ok {
				admin++
			}
			if n.Session.Granted(g.Address) {
				granted++
			}
			pending += len(n.Directory.PendingRequests(g.Address))
		}
		fmt.Fprintln(stdout, "Local view (not authoritative):")
		fmt.Fprintf(stdout, "  pubkey: %s\n", n.Session.Pubkey())
		fmt.Fprintf(stdout, "  groups: %d (admin=%d granted=%d)\n", len(groups), admin, granted)
		fmt.Fprintf(stdout, "  pending requests: %d\n", pending)
		snap, ok := readMetricsSnapshot(filepath.Join(cfg.Home, "metrics.json"))
		if !ok {
			fmt.Fprintln(stdout, "  last run: no metrics")
			return nil
		}
		p := snap.Projection
		fmt.Fprintf(stdout, "  last run (%s): received=%d merged=%d ignored=%d rejected=%d\n",
			snap.GeneratedAt.Format(time.RFC3339), p.Received, p.Merged, p.Ignored, p.Rejected)
		fmt.Fprintf(stdout, "  unwrap: ok=%d failed=%d\n", snap.Unwrap.OK, snap.Unwrap.Failed)
		fmt.Fprintf(stdout, "  publish: ok=%d failed=%d refused=%d\n", snap.Publish.OK, snap.Publish.Failed, snap.Publish.Refused)
		return nil
	})
}

func runInitGroup(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("init-group", stderr)
	name := fs.String("name", "", "group name")
	about := fs.String("about", "", "group description")
	open := fs.Bool("open", false, "publish content in the clear")
	groupRelays := fs.String("group-relays", "", "relays advertised by the group (default: --relays)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *name == "" {
		fmt.Fprintln(stderr, "missing --name")
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	meta := proto.Metadata{Name: *name, About: *about, Access: proto.AccessClosed}
	if *open {
		meta.Access = proto.AccessOpen
	}
	return withNode(cfg, stderr, func(ctx context.Context, n *node.Node) error {
		addr, err := n.CreateGroup(ctx, meta, config.SplitList(*groupRelays))
		if err != nil {
			return fmt.Errorf("init-group: %w", err)
		}
		fmt.Fprintf(stdout, "group=%s\n", addr)
		return nil
	})
}

func runGroups(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("groups", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(_ context.Context, n *node.Node) error {
		for _, g := range n.Directory.Groups() {
			st := n.Session.Status(g.Address)
			_, admin := n.Directory.AdminKey(g.Address)
			members := 0
			if key, ok := n.Directory.CurrentSharedKey(g.Address); ok {
				members = len(key.Members())
			}
			fmt.Fprintf(stdout, "%s name=%q access=%s admin=%v members=%d status=%q joined=%v\n",
				g.Address, g.DisplayName(), g.Access(), admin, members, st.Access, st.Joined)
		}
		return nil
	})
}

func runInvite(args []string, stdout, stderr io.Writer) int {
	return runRoster("invite", args, stdout, stderr, (*publish.Router).AdmitMembers)
}

func runRemove(args []string, stdout, stderr io.Writer) int {
	return runRoster("remove", args, stdout, stderr, (*publish.Router).EvictMembers)
}

type rosterFunc func(*publish.Router, context.Context, proto.Address, []string) ([]publish.Delivery, error)

func runRoster(name string, args []string, stdout, stderr io.Writer, fn rosterFunc) int {
	fs, c := newFlags(name, stderr)
	group := groupFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, ok := parseGroup(*group, stderr)
	if !ok {
		return 1
	}
	pubkeys := fs.Args()
	if len(pubkeys) == 0 {
		fmt.Fprintf(stderr, "%s: no pubkeys given\n", name)
		return 1
	}
	for _, pk := range pubkeys {
		if !crypto.IsPublicKey(pk) {
			fmt.Fprintf(stderr, "%s: invalid pubkey %q\n", name, pk)
			return 1
		}
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(ctx context.Context, n *node.Node) error {
		out, err := fn(n.Router, ctx, addr, pubkeys)
		printDeliveries(stdout, out...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func runRotate(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("rotate", stderr)
	group := groupFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, ok := parseGroup(*group, stderr)
	if !ok {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(ctx context.Context, n *node.Node) error {
		out, err := n.RotateKey(ctx, addr)
		if err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		if key, ok := n.Directory.CurrentSharedKey(addr); ok {
			fmt.Fprintf(stdout, "shared_key=%s\n", key.Pubkey)
		}
		printDeliveries(stdout, out...)
		return nil
	})
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	return runRequest("join", args, stdout, stderr, (*publish.Router).PublishEntryRequest)
}

func runLeave(args []string, stdout, stderr io.Writer) int {
	return runRequest("leave", args, stdout, stderr, (*publish.Router).PublishExitRequest)
}

type requestFunc func(*publish.Router, context.Context, proto.Address, string) (publish.Delivery, error)

func runRequest(name string, args []string, stdout, stderr io.Writer, fn requestFunc) int {
	fs, c := newFlags(name, stderr)
	group := groupFlag(fs)
	message := fs.String("message", "", "message for the admin")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, ok := parseGroup(*group, stderr)
	if !ok {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(ctx context.Context, n *node.Node) error {
		d, err := fn(n.Router, ctx, addr, *message)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		printDeliveries(stdout, d)
		return nil
	})
}

func runPost(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("post", stderr)
	group := groupFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, ok := parseGroup(*group, stderr)
	if !ok {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "post: expected exactly one text argument")
		return 1
	}
	text := fs.Arg(0)
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(ctx context.Context, n *node.Node) error {
		g, ok := n.Directory.Group(addr)
		if !ok {
			return fmt.Errorf("post: %w: %s", publish.ErrUnknownGroup, addr)
		}
		template := nostr.Event{Kind: nostr.KindTextNote, Content: text}
		if g.Access() == proto.AccessOpen {
			d, err := n.Router.PublishToGroupsPublicly(ctx, []proto.Address{addr}, template)
			if err != nil {
				return fmt.Errorf("post: %w", err)
			}
			printDeliveries(stdout, d)
			return nil
		}
		out, err := n.Router.PublishToGroupsPrivately(ctx, []proto.Address{addr}, template)
		if err != nil {
			return fmt.Errorf("post: %w", err)
		}
		printDeliveries(stdout, out...)
		return nil
	})
}

func runRequests(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlags("requests", stderr)
	group := groupFlag(fs)
	pending := fs.Bool("pending", false, "only unresolved requests")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, ok := parseGroup(*group, stderr)
	if !ok {
		return 1
	}
	cfg, err := c.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return withNode(cfg, stderr, func(_ context.Context, n *node.Node) error {
		reqs := n.Directory.Requests(addr)
		if *pending {
			reqs = n.Directory.PendingRequests(addr)
		}
		for _, r := range reqs {
			fmt.Fprintf(stdout, "%s kind=%s from=%s at=%d resolved=%v\n",
				proto.ShortKey(r.ID), r.Kind, r.Requester, r.CreatedAt, r.Resolved)
		}
		return nil
	})
}
