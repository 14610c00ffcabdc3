package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/crypto"
	"relaygroups/internal/debuglog"
	"relaygroups/internal/directory"
	"relaygroups/internal/envelope"
	"relaygroups/internal/metrics"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
)

// MaxDepth caps unwrap nesting: a wrap, its rumor, and at most one wrap
// inside that.
const MaxDepth = 2

type Outcome int

const (
	Merged Outcome = iota
	Ignored
	Rejected
	// Deferred means the event is waiting on an unwrap worker.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome Outcome
	Reason  string
}

func merged(changed bool) Result {
	if changed {
		return Result{Outcome: Merged}
	}
	return Result{Outcome: Ignored, Reason: "unchanged"}
}

func ignore(reason string) Result { return Result{Outcome: Ignored, Reason: reason} }
func reject(reason string) Result { return Result{Outcome: Rejected, Reason: reason} }

// Inbound is an event entering dispatch. Events recovered from a gift wrap
// carry the wrap, the key that opened it and that key's group.
type Inbound struct {
	Event nostr.Event
	Wrap  *nostr.Event
	Key   envelope.RecipientKey
	Group proto.Address
	Depth int
}

// Handler applies one decoded message to local state. Handlers must give
// the same final state for any order or repetition of their inputs.
type Handler func(ctx context.Context, in Inbound, msg proto.Message) Result

type Options struct {
	Now           func() time.Time
	Metrics       *metrics.Metrics
	UnwrapWorkers int
}

// Engine projects inbound events onto the directory and session.
type Engine struct {
	dir     *directory.Directory
	sess    *session.Session
	env     *envelope.Protocol
	metrics *metrics.Metrics
	now     func() time.Time
	workers int
	log     *log.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	wildcard []Handler
}

func New(dir *directory.Directory, sess *session.Session, env *envelope.Protocol, opts Options) *Engine {
	e := &Engine{
		dir:      dir,
		sess:     sess,
		env:      env,
		metrics:  opts.Metrics,
		now:      opts.Now,
		workers:  opts.UnwrapWorkers,
		log:      debuglog.With("component", "projection"),
		handlers: make(map[int]Handler),
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	e.AddHandler(proto.KindGroupMetadata, e.handleGroupMeta)
	e.AddHandler(proto.KindGroupModerators, e.handleModerators)
	e.AddHandler(proto.KindKeyRotation, e.handleKeyRotation)
	e.AddHandler(proto.KindJoinRequest, e.handleJoinRequest)
	e.AddHandler(proto.KindLeaveRequest, e.handleLeaveRequest)
	e.AddHandler(proto.KindMembersAdded, e.handleMembersAdded)
	e.AddHandler(proto.KindMembersRemoved, e.handleMembersRemoved)
	e.AddHandler(proto.KindDeletion, e.handleDeletion)
	e.AddWildcard(e.handleContent)
	return e
}

// AddHandler sets the handler for kind, replacing any previous one. Gift
// wraps are always opened by the engine itself.
func (e *Engine) AddHandler(kind int, h Handler) {
	e.mu.Lock()
	e.handlers[kind] = h
	e.mu.Unlock()
}

// AddWildcard adds a handler for kinds with no handler of their own.
func (e *Engine) AddWildcard(h Handler) {
	e.mu.Lock()
	e.wildcard = append(e.wildcard, h)
	e.mu.Unlock()
}

// Dispatch projects ev and anything unwrapped from it, inline.
func (e *Engine) Dispatch(ctx context.Context, ev nostr.Event) Result {
	return e.dispatch(ctx, Inbound{Event: ev}, nil)
}

type unwrapJob struct {
	in  Inbound
	key envelope.RecipientKey
}

// dispatch runs one event through validation and its handler and records
// the outcome once for the outermost event. When deferUnwrap is set, gift
// wraps are handed to it instead of being opened inline.
func (e *Engine) dispatch(ctx context.Context, in Inbound, deferUnwrap func(unwrapJob)) Result {
	res := e.project(ctx, in, deferUnwrap)
	e.record(in, res)
	return res
}

func (e *Engine) project(ctx context.Context, in Inbound, deferUnwrap func(unwrapJob)) Result {
	ev := &in.Event
	e.metrics.IncReceived(proto.KindName(ev.Kind))
	if in.Depth > MaxDepth {
		return reject("depth")
	}
	if in.Wrap == nil {
		if err := crypto.Verify(ev); err != nil {
			return reject("bad-signature")
		}
	}
	msg, err := proto.Decode(ev, crypto.PublicKey)
	if err != nil {
		if errors.Is(err, proto.ErrMissingTag) {
			return reject("missing-tag")
		}
		return reject("malformed")
	}
	if wrap, ok := msg.(proto.GiftWrap); ok {
		return e.openWrap(ctx, in, wrap, deferUnwrap)
	}

	e.mu.RLock()
	h, ok := e.handlers[ev.Kind]
	wildcard := e.wildcard
	e.mu.RUnlock()
	if ok {
		return h(ctx, in, msg)
	}
	res := ignore("no-handler")
	// the first wildcard that does not ignore the event decides
	for _, w := range wildcard {
		if res = w(ctx, in, msg); res.Outcome != Ignored {
			break
		}
	}
	return res
}

func (e *Engine) record(in Inbound, res Result) {
	switch res.Outcome {
	case Merged:
		e.metrics.IncMerged()
	case Ignored:
		e.metrics.IncIgnored(res.Reason)
	case Rejected:
		e.metrics.IncRejected(res.Reason)
		debuglog.RateLimitedf("projection:"+res.Reason, 10*time.Second, "rejected kind=%d id=%s reason=%s", in.Event.Kind, in.Event.ID, res.Reason)
	case Deferred:
		return
	}
	e.metrics.Recent().Add(metrics.OutcomeEntry{
		At:      e.now().UTC(),
		EventID: in.Event.ID,
		Kind:    in.Event.Kind,
		Outcome: res.Outcome.String(),
		Reason:  res.Reason,
		Group:   string(in.Group),
	})
}

// -----------------------------------------------------------------------------
// Unwrapping
// -----------------------------------------------------------------------------

// recipientKey resolves the key a wrap is addressed to. The session's own
// key is opened through the signer and has no group.
func (e *Engine) recipientKey(wrap *nostr.Event, recipient string) (envelope.RecipientKey, bool) {
	if e.sess != nil && recipient == e.sess.Pubkey() {
		return envelope.RecipientKey{Pubkey: recipient}, true
	}
	key, err := envelope.ResolveRecipientKey(e.dir, wrap)
	if err != nil {
		return envelope.RecipientKey{}, false
	}
	return key, true
}

// stillHeld re-checks a key after an unwrap, since the directory may have
// moved on while the unwrap ran.
func (e *Engine) stillHeld(key envelope.RecipientKey) bool {
	if key.Group == "" {
		return true
	}
	if key.Admin {
		rec, ok := e.dir.AdminKeyByPubkey(key.Pubkey)
		return ok && rec.Group == key.Group
	}
	rec, ok := e.dir.SharedKey(key.Pubkey)
	return ok && rec.Group == key.Group && rec.Privkey != ""
}

func (e *Engine) openWrap(ctx context.Context, in Inbound, wrap proto.GiftWrap, deferUnwrap func(unwrapJob)) Result {
	if in.Depth >= MaxDepth {
		return reject("depth")
	}
	key, ok := e.recipientKey(&in.Event, wrap.Recipient)
	if !ok {
		return ignore("no-key")
	}
	job := unwrapJob{in: in, key: key}
	if deferUnwrap != nil {
		deferUnwrap(job)
		return Result{Outcome: Deferred}
	}
	rumor, err := e.env.Unwrap(ctx, &in.Event, key.Privkey)
	return e.afterUnwrap(ctx, job, rumor, err, nil)
}

func (e *Engine) afterUnwrap(ctx context.Context, job unwrapJob, rumor nostr.Event, err error, deferUnwrap func(unwrapJob)) Result {
	if err != nil {
		e.metrics.IncUnwrapFailed()
		e.log.Debug("unwrap failed", "wrap", job.in.Event.ID, "err", err)
		return ignore("unwrap-failed")
	}
	e.metrics.IncUnwrapOK()
	if !e.stillHeld(job.key) {
		return ignore("key-gone")
	}
	wrap := job.in.Event
	return e.project(ctx, Inbound{
		Event: rumor,
		Wrap:  &wrap,
		Key:   job.key,
		Group: job.key.Group,
		Depth: job.in.Depth + 1,
	}, deferUnwrap)
}
