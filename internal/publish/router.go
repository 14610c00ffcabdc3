package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/debuglog"
	"relaygroups/internal/directory"
	"relaygroups/internal/envelope"
	"relaygroups/internal/keys"
	"relaygroups/internal/metrics"
	"relaygroups/internal/network"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
)

// Refusals. Each is returned before anything is signed or sent.
var (
	ErrUnknownGroup     = errors.New("unknown group")
	ErrClosedGroup      = errors.New("group is closed; publish privately")
	ErrOpenGroup        = errors.New("group is open; publish publicly")
	ErrAccessNotGranted = errors.New("access to group not granted")
	ErrNoSharedKey      = errors.New("no shared key held for group")
	ErrNoAdminKey       = errors.New("no admin key held for group")
	ErrNoRecipients     = errors.New("no recipients")
)

// Delivery is one signed or wrapped event and what each relay said about
// it. Err is set when the event could not be built; relay failures stay in
// Results.
type Delivery struct {
	Recipient string
	Event     nostr.Event
	Results   []network.PublishResult
	Err       error
}

// Delivered reports whether at least one relay accepted the event.
func (d Delivery) Delivered() bool {
	return d.Err == nil && network.Succeeded(d.Results) > 0
}

type Options struct {
	Now     func() time.Time
	Keys    *keys.Manager
	Metrics *metrics.Metrics
	// Echo receives every event handed to the network, so local state
	// projects our own writes without waiting for a relay round trip.
	Echo func(ctx context.Context, ev nostr.Event)
}

// Router chooses how an event reaches a group: signed in the clear,
// wrapped to the group's shared key, or wrapped to the group's admin.
type Router struct {
	dir     *directory.Directory
	sess    *session.Session
	env     *envelope.Protocol
	net     network.Network
	keys    *keys.Manager
	now     func() time.Time
	metrics *metrics.Metrics
	echo    func(ctx context.Context, ev nostr.Event)
	log     *log.Logger
}

func NewRouter(dir *directory.Directory, sess *session.Session, env *envelope.Protocol, net network.Network, opts Options) *Router {
	r := &Router{
		dir:     dir,
		sess:    sess,
		env:     env,
		net:     net,
		keys:    opts.Keys,
		now:     opts.Now,
		metrics: opts.Metrics,
		echo:    opts.Echo,
		log:     debuglog.With("component", "publish"),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.keys == nil {
		r.keys = keys.NewManager(dir, keys.Options{Now: r.now})
	}
	return r
}

func (r *Router) stamp(template nostr.Event) nostr.Event {
	if template.CreatedAt == 0 {
		template.CreatedAt = nostr.Timestamp(r.now().Unix())
	}
	if template.Tags == nil {
		template.Tags = nostr.Tags{}
	}
	template.Tags = slices.Clone(template.Tags)
	return template
}

func (r *Router) group(addr proto.Address) (directory.GroupRecord, error) {
	g, ok := r.dir.Group(addr)
	if !ok || g.Deleted() {
		return directory.GroupRecord{}, fmt.Errorf("%w: %s", ErrUnknownGroup, addr)
	}
	return g, nil
}

func (r *Router) refuse(err error) error {
	r.metrics.IncPublishRefused()
	r.log.Debug("publish refused", "err", err)
	return err
}

func (r *Router) send(ctx context.Context, recipient string, ev nostr.Event, relays []string) Delivery {
	d := Delivery{Recipient: recipient, Event: ev}
	if len(relays) == 0 {
		d.Err = network.ErrNoRelays
		return d
	}
	if r.echo != nil {
		r.echo(ctx, ev)
	}
	d.Results = r.net.Publish(ctx, relays, ev)
	ok := network.Succeeded(d.Results)
	r.metrics.AddPublish(ok, len(d.Results)-ok)
	for _, res := range d.Results {
		if res.Err != nil {
			debuglog.RateLimitedf("publish:"+res.Relay, 30*time.Second, "publish kind=%d to %s failed: %v", ev.Kind, res.Relay, res.Err)
		}
	}
	return d
}

// fanout records whether a multi-recipient publish only partly landed.
func (r *Router) fanout(out []Delivery) []Delivery {
	delivered := 0
	for _, d := range out {
		if d.Delivered() {
			delivered++
		}
	}
	r.metrics.IncFanout(delivered > 0 && delivered < len(out))
	return out
}

func unionRelays(groups []directory.GroupRecord) []string {
	var out []string
	for _, g := range groups {
		for _, url := range g.Relays.Value {
			if !slices.Contains(out, url) {
				out = append(out, url)
			}
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Group content
// -----------------------------------------------------------------------------

// PublishToGroupsPublicly signs template as the session user, tags it with
// every group address and sends it to the union of the groups' relays. A
// closed group anywhere in addrs refuses the whole publish.
func (r *Router) PublishToGroupsPublicly(ctx context.Context, addrs []proto.Address, template nostr.Event) (Delivery, error) {
	if len(addrs) == 0 {
		return Delivery{}, r.refuse(ErrNoRecipients)
	}
	groups := make([]directory.GroupRecord, 0, len(addrs))
	for _, addr := range addrs {
		g, err := r.group(addr)
		if err != nil {
			return Delivery{}, r.refuse(err)
		}
		if g.Access() == proto.AccessClosed {
			return Delivery{}, r.refuse(fmt.Errorf("%w: %s", ErrClosedGroup, addr))
		}
		groups = append(groups, g)
	}
	ev := r.stamp(template)
	for _, addr := range addrs {
		ev.Tags = append(ev.Tags, proto.AddressTag(addr))
	}
	if err := r.sess.SignAsUser(ctx, &ev); err != nil {
		return Delivery{Err: err}, err
	}
	return r.send(ctx, "", ev, unionRelays(groups)), nil
}

// PublishToGroupsPrivately wraps template to each group's current shared
// key. Every group must be non-open, granted to the session and keyed, or
// nothing is sent.
func (r *Router) PublishToGroupsPrivately(ctx context.Context, addrs []proto.Address, template nostr.Event) ([]Delivery, error) {
	if len(addrs) == 0 {
		return nil, r.refuse(ErrNoRecipients)
	}
	type target struct {
		group directory.GroupRecord
		key   directory.SharedKeyRecord
	}
	targets := make([]target, 0, len(addrs))
	for _, addr := range addrs {
		g, err := r.group(addr)
		if err != nil {
			return nil, r.refuse(err)
		}
		if g.Access() == proto.AccessOpen {
			return nil, r.refuse(fmt.Errorf("%w: %s", ErrOpenGroup, addr))
		}
		if !r.sess.Granted(addr) {
			return nil, r.refuse(fmt.Errorf("%w: %s", ErrAccessNotGranted, addr))
		}
		key, ok := r.dir.CurrentSharedKey(addr)
		if !ok || key.Privkey == "" {
			return nil, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
		}
		targets = append(targets, target{group: g, key: key})
	}
	out := make([]Delivery, 0, len(targets))
	for _, t := range targets {
		rumor := r.stamp(template)
		rumor.Tags = append(rumor.Tags, proto.AddressTag(t.group.Address))
		out = append(out, r.wrapAndSend(ctx, rumor, envelope.WrapOptions{
			WrapSK:    t.key.Privkey,
			Recipient: t.key.Pubkey,
		}, t.group.Relays.Value))
	}
	return r.fanout(out), nil
}

// PublishAdminDirect wraps template under a disposable key to the group's
// admin. It is used for requests and anything meant only for the operator.
func (r *Router) PublishAdminDirect(ctx context.Context, addr proto.Address, template nostr.Event) (Delivery, error) {
	g, err := r.group(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	return r.wrapAndSend(ctx, r.stamp(template), envelope.WrapOptions{Recipient: addr.Pubkey()}, g.Relays.Value), nil
}

func (r *Router) wrapAndSend(ctx context.Context, rumor nostr.Event, o envelope.WrapOptions, relays []string) Delivery {
	wrap, err := r.env.Wrap(ctx, rumor, o)
	if err != nil {
		return Delivery{Recipient: o.Recipient, Err: err}
	}
	r.metrics.IncWrapped()
	return r.send(ctx, o.Recipient, wrap, relays)
}

// PublishDeletion retracts events by id or group address, signed as the
// session user.
func (r *Router) PublishDeletion(ctx context.Context, refs []string, relays []string) (Delivery, error) {
	if len(refs) == 0 {
		return Delivery{}, r.refuse(ErrNoRecipients)
	}
	ev := r.stamp(nostr.Event{Kind: proto.KindDeletion})
	for _, ref := range refs {
		if _, err := proto.ParseAddress(ref); err == nil {
			ev.Tags = append(ev.Tags, nostr.Tag{"a", ref})
			continue
		}
		ev.Tags = append(ev.Tags, nostr.Tag{"e", ref})
	}
	if err := r.sess.SignAsUser(ctx, &ev); err != nil {
		return Delivery{Err: err}, err
	}
	return r.send(ctx, "", ev, relays), nil
}
