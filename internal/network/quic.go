package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	quic "github.com/quic-go/quic-go"

	"relaygroups/internal/debuglog"
	"relaygroups/internal/proto"
)

const (
	quicALPN             = "relaygroups-quic"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	clientConnIdle       = 30 * time.Second

	DefaultMaxConnsPerHost = 16
	DefaultMaxSubsPerHost  = 64
)

var ErrRejected = errors.New("relay rejected event")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("relaygroups-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{quicALPN}}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{quicALPN}}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// -----------------------------------------------------------------------------
// Relay server
// -----------------------------------------------------------------------------

type QUICServerOptions struct {
	MaxConnsPerHost int
	MaxSubsPerHost  int
}

// QUICServer is a relay reachable over QUIC. Each request uses its own
// stream: a publish gets one ok frame back, a req gets stored events, an
// eose frame, and then live events if it asked for them.
type QUICServer struct {
	store   *relayStore
	limiter *peerLimiter
	log     *log.Logger

	mu       sync.Mutex
	listener *quic.Listener
}

func NewQUICServer(opts QUICServerOptions) *QUICServer {
	if opts.MaxConnsPerHost == 0 {
		opts.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if opts.MaxSubsPerHost == 0 {
		opts.MaxSubsPerHost = DefaultMaxSubsPerHost
	}
	return &QUICServer{
		store:   newRelayStore(),
		limiter: newPeerLimiter(opts.MaxConnsPerHost, opts.MaxSubsPerHost),
		log:     debuglog.With("component", "quic-relay"),
	}
}

// ListenAndServe serves until ctx is done. ready receives the bound address.
func (s *QUICServer) ListenAndServe(ctx context.Context, addr string, ready chan<- string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("quic relay listening", "addr", listener.Addr().String())
	if ready != nil {
		ready <- listener.Addr().String()
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		host := remoteHost(conn.RemoteAddr())
		if !s.limiter.acquireConn(host) {
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go func() {
			defer s.limiter.releaseConn(host)
			s.serveConn(ctx, conn, host)
		}()
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *QUICServer) serveConn(ctx context.Context, conn *quic.Conn, host string) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(ctx, stream, host)
	}
}

func (s *QUICServer) serveStream(ctx context.Context, st *quic.Stream, host string) {
	defer st.Close()
	data, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		debuglog.RateLimitedf("quic:read:"+host, time.Minute, "quic read from %s: %v", host, err)
		return
	}
	msg, err := proto.DecodeRelayMsg(data)
	if err != nil {
		_ = writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeNotice, Reason: err.Error()})
		return
	}
	switch msg.Type {
	case proto.MsgTypeEvent:
		reply := proto.RelayMsg{Type: proto.MsgTypeOK, SubID: msg.Event.ID, OK: true}
		if err := s.store.add(*msg.Event); err != nil {
			reply.OK = false
			reply.Reason = err.Error()
		}
		_ = writeMsg(st, reply)
	case proto.MsgTypeReq:
		s.serveReq(ctx, st, host, msg)
	default:
		_ = writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeNotice, Reason: "unexpected " + msg.Type})
	}
}

func (s *QUICServer) serveReq(ctx context.Context, st *quic.Stream, host string, msg proto.RelayMsg) {
	if !s.limiter.acquireSub(host) {
		_ = writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeNotice, SubID: msg.SubID, Reason: "too many subscriptions"})
		return
	}
	defer s.limiter.releaseSub(host)

	var live <-chan nostr.Event
	if msg.Live {
		ch, cancel := s.store.watch(msg.Filters)
		defer cancel()
		live = ch
	}
	for _, ev := range s.store.query(msg.Filters) {
		if err := writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeEvent, SubID: msg.SubID, Event: &ev}); err != nil {
			return
		}
	}
	if err := writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeEOSE, SubID: msg.SubID}); err != nil || live == nil {
		return
	}
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeEvent, SubID: msg.SubID, Event: &ev}); err != nil {
				return
			}
		case <-st.Context().Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeMsg(st *quic.Stream, m proto.RelayMsg) error {
	payload, err := proto.EncodeRelayMsg(m)
	if err != nil {
		return err
	}
	return proto.WriteFrame(st, payload)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// QUICClient talks to quic:// relays, reusing one connection per address.
type QUICClient struct {
	tls *tls.Config
	log *log.Logger

	mu       sync.Mutex
	conns    map[string]*pooledConn
	failures map[string]*addrFailure
}

var _ Network = (*QUICClient)(nil)

func NewQUICClient(insecure bool) (*QUICClient, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	return &QUICClient{
		tls:      tlsConf,
		log:      debuglog.With("component", "quic-client"),
		conns:    make(map[string]*pooledConn),
		failures: make(map[string]*addrFailure),
	}, nil
}

func quicAddr(relay string) (string, error) {
	addr, ok := strings.CutPrefix(relay, "quic://")
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, relay)
	}
	return strings.TrimSuffix(addr, "/"), nil
}

func (c *QUICClient) conn(ctx context.Context, addr string) (*quic.Conn, error) {
	now := time.Now()
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= clientConnIdle {
			ent.lastUsed = now
			conn := ent.conn
			c.mu.Unlock()
			return conn, nil
		}
		delete(c.conns, addr)
		stale := ent.conn
		c.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		c.mu.Unlock()
	}
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		conn, err := quic.DialAddr(ctx, addr, c.tls, quicConfig())
		if err == nil {
			c.mu.Lock()
			delete(c.failures, addr)
			c.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
			c.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		c.log.Debug("quic dial failed", "addr", addr, "attempt", attempt, "err", err)
		if !backoffRetry(ctx, c.recordFailure(addr)) {
			break
		}
	}
	return nil, lastErr
}

func (c *QUICClient) recordFailure(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent := c.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		c.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (c *QUICClient) drop(addr string, conn *quic.Conn) {
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok && ent.conn == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	_ = conn.CloseWithError(0, "dropped")
}

func (c *QUICClient) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*pooledConn)
	c.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "closing")
	}
}

func (c *QUICClient) openStream(ctx context.Context, relay string) (*quic.Stream, error) {
	addr, err := quicAddr(relay)
	if err != nil {
		return nil, err
	}
	conn, err := c.conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.drop(addr, conn)
		return nil, err
	}
	return st, nil
}

func (c *QUICClient) Publish(ctx context.Context, relays []string, ev nostr.Event) []PublishResult {
	out := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, relay := range relays {
		wg.Add(1)
		go func(i int, relay string) {
			defer wg.Done()
			ctx, cancel := withDefaultTimeout(ctx)
			defer cancel()
			out[i] = PublishResult{Relay: relay, Err: c.publishOne(ctx, relay, ev)}
		}(i, relay)
	}
	wg.Wait()
	return out
}

func (c *QUICClient) publishOne(ctx context.Context, relay string, ev nostr.Event) error {
	st, err := c.openStream(ctx, relay)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	if err := writeMsg(st, proto.RelayMsg{Type: proto.MsgTypeEvent, Event: &ev}); err != nil {
		st.CancelRead(0)
		return err
	}
	_ = st.Close()
	data, err := proto.ReadFrame(st)
	if err != nil {
		return err
	}
	reply, err := proto.DecodeRelayMsg(data)
	if err != nil {
		return err
	}
	if reply.Type != proto.MsgTypeOK || !reply.OK {
		return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	}
	return nil
}

func (c *QUICClient) Load(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return c.stream(ctx, relays, filters, false)
}

func (c *QUICClient) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return c.stream(ctx, relays, filters, true)
}

func (c *QUICClient) stream(ctx context.Context, relays []string, filters nostr.Filters, live bool) (<-chan nostr.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	inputs := make([]<-chan nostr.Event, 0, len(relays))
	for _, relay := range relays {
		ch := make(chan nostr.Event, 64)
		inputs = append(inputs, ch)
		go func(relay string) {
			defer close(ch)
			if err := c.readSub(ctx, relay, filters, live, ch); err != nil && ctx.Err() == nil {
				c.log.Debug("quic subscription ended", "relay", relay, "err", err)
			}
		}(relay)
	}
	return merge(ctx, inputs), nil
}

func (c *QUICClient) readSub(ctx context.Context, relay string, filters nostr.Filters, live bool, ch chan<- nostr.Event) error {
	st, err := c.openStream(ctx, relay)
	if err != nil {
		return err
	}
	defer st.CancelRead(0)
	req := proto.RelayMsg{Type: proto.MsgTypeReq, SubID: uuid.NewString(), Filters: filters, Live: live}
	if err := writeMsg(st, req); err != nil {
		return err
	}
	_ = st.Close()
	stop := context.AfterFunc(ctx, func() { st.CancelRead(0) })
	defer stop()
	for {
		data, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			return err
		}
		msg, err := proto.DecodeRelayMsg(data)
		if err != nil {
			return err
		}
		switch msg.Type {
		case proto.MsgTypeEvent:
			if !matchAny(filters, msg.Event) {
				continue
			}
			select {
			case ch <- *msg.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case proto.MsgTypeEOSE:
			if !live {
				return nil
			}
		case proto.MsgTypeNotice:
			return fmt.Errorf("relay notice: %s", msg.Reason)
		}
	}
}
