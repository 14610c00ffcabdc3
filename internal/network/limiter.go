package network

import "sync"

// peerLimiter caps QUIC connections and open subscriptions per remote host.
// A zero cap disables that limit.
type peerLimiter struct {
	mu      sync.Mutex
	maxConn int
	maxSubs int
	conns   map[string]int
	subs    map[string]int
}

func newPeerLimiter(maxConn, maxSubs int) *peerLimiter {
	return &peerLimiter{
		maxConn: maxConn,
		maxSubs: maxSubs,
		conns:   make(map[string]int),
		subs:    make(map[string]int),
	}
}

func (l *peerLimiter) acquire(counts map[string]int, limit int, host string) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] >= limit {
		return false
	}
	counts[host]++
	return true
}

func (l *peerLimiter) release(counts map[string]int, limit int, host string) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] <= 1 {
		delete(counts, host)
		return
	}
	counts[host]--
}

func (l *peerLimiter) acquireConn(host string) bool { return l.acquire(l.conns, l.maxConn, host) }
func (l *peerLimiter) releaseConn(host string)      { l.release(l.conns, l.maxConn, host) }
func (l *peerLimiter) acquireSub(host string) bool  { return l.acquire(l.subs, l.maxSubs, host) }
func (l *peerLimiter) releaseSub(host string)       { l.release(l.subs, l.maxSubs, host) }
