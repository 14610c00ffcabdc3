package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"relaygroups/internal/crypto"
)

func signedEvent(t *testing.T, kind int, content string) nostr.Event {
	t.Helper()
	sk, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	ev := nostr.Event{Kind: kind, Content: content, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, crypto.Sign(context.Background(), &ev, sk))
	return ev
}

func collect(t *testing.T, ch <-chan nostr.Event, want int) []nostr.Event {
	t.Helper()
	var out []nostr.Event
	timeout := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), want)
		}
	}
	return out
}

func TestMemoryPublishReportsPerRelay(t *testing.T) {
	m := NewMemory()
	down := errors.New("down")
	m.Fail("local://b", down)

	ev := signedEvent(t, 1, "hello")
	res := m.Publish(context.Background(), []string{"local://a", "local://b"}, ev)
	require.Len(t, res, 2)
	require.NoError(t, res[0].Err)
	require.ErrorIs(t, res[1].Err, down)
	require.Equal(t, 1, Succeeded(res))
	require.Len(t, m.Events("local://a"), 1)
	require.Empty(t, m.Events("local://b"))

	m.Fail("local://b", nil)
	res = m.Publish(context.Background(), []string{"local://b"}, ev)
	require.NoError(t, res[0].Err)
}

func TestMemoryRejectsBadSignature(t *testing.T) {
	m := NewMemory()
	ev := signedEvent(t, 1, "hello")
	ev.Content = "tampered"
	res := m.Publish(context.Background(), []string{"local://a"}, ev)
	require.Error(t, res[0].Err)
}

func TestMemoryLoadDedupsAcrossRelays(t *testing.T) {
	m := NewMemory()
	relays := []string{"local://a", "local://b"}
	ev := signedEvent(t, 1, "one")
	other := signedEvent(t, 7, "two")
	m.Publish(context.Background(), relays, ev)
	m.Publish(context.Background(), relays[:1], other)

	ch, err := m.Load(context.Background(), relays, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	got := collect(t, ch, 10)
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)
}

func TestMemorySubscribeDeliversLive(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stored := signedEvent(t, 1, "stored")
	m.Publish(ctx, []string{"local://a"}, stored)
	ch, err := m.Subscribe(ctx, []string{"local://a"}, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)

	live := signedEvent(t, 1, "live")
	m.Publish(ctx, []string{"local://a"}, live)
	got := collect(t, ch, 2)
	require.Equal(t, stored.ID, got[0].ID)
	require.Equal(t, live.ID, got[1].ID)
}

func TestLoadRequiresRelays(t *testing.T) {
	_, err := NewMemory().Load(context.Background(), nil, nostr.Filters{{}})
	require.ErrorIs(t, err, ErrNoRelays)
}

func TestMuxRoutesByScheme(t *testing.T) {
	mem := NewMemory()
	mux := &Mux{Local: mem}
	ev := signedEvent(t, 1, "routed")

	res := mux.Publish(context.Background(), []string{"local://a", "quic://127.0.0.1:1", "ftp://x"}, ev)
	require.Len(t, res, 3)
	failed := 0
	for _, r := range res {
		if r.Err != nil {
			require.ErrorIs(t, r.Err, ErrUnknownScheme)
			failed++
		}
	}
	require.Equal(t, 2, failed)
	require.Len(t, mem.Events("local://a"), 1)

	_, err := mux.Load(context.Background(), []string{"ftp://x"}, nostr.Filters{{}})
	require.ErrorIs(t, err, ErrUnknownScheme)
}

func TestPeerLimiter(t *testing.T) {
	l := newPeerLimiter(2, 0)
	require.True(t, l.acquireConn("h"))
	require.True(t, l.acquireConn("h"))
	require.False(t, l.acquireConn("h"))
	require.True(t, l.acquireConn("other"))
	l.releaseConn("h")
	require.True(t, l.acquireConn("h"))

	for i := 0; i < 100; i++ {
		require.True(t, l.acquireSub("h"))
	}
}

func TestBackoffRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, backoffRetry(ctx, 3))
	require.False(t, backoffRetry(context.Background(), 0))
	require.True(t, backoffRetry(context.Background(), 1))
}

func TestQUICRelayLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("quic loopback")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewQUICServer(QUICServerOptions{})
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0", ready) }()
	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatalf("listen: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}
	relay := "quic://" + addr

	client, err := NewQUICClient(false)
	require.NoError(t, err)
	defer client.Close()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	live, err := client.Subscribe(subCtx, []string{relay}, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)

	ev := signedEvent(t, 1, "over quic")
	res := client.Publish(ctx, []string{relay}, ev)
	require.NoError(t, res[0].Err)

	bad := signedEvent(t, 1, "bad")
	bad.Content = "tampered"
	res = client.Publish(ctx, []string{relay}, bad)
	require.ErrorIs(t, res[0].Err, ErrRejected)

	ch, err := client.Load(ctx, []string{relay}, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	got := collect(t, ch, 10)
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)

	got = collect(t, live, 1)
	require.Equal(t, ev.ID, got[0].ID)
}
