package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

func newTokenBucket(clock clockwork.Clock, rate, capacity int) *TokenBucket {
	return &TokenBucket{
		clock:      clock,
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: clock.Now(),
	}
}

// Allow checks if a connection can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens >= tb.capacity {
			tb.tokens = tb.capacity
			tb.lastRefill = now
		} else {
			// keep the fractional remainder for the next refill
			tb.lastRefill = tb.lastRefill.Add(time.Duration(tokensToAdd) * time.Second / time.Duration(tb.rate))
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Config configures a RateLimiter. Zero rates disable the matching limit.
type Config struct {
	GlobalRate  int // connections per second across all peers
	PerPeerRate int // connections per second for a single peer IP
	Burst       int
	// PeerTTL is how long an idle peer's bucket is kept. Defaults to one minute.
	PeerTTL time.Duration
	Clock   clockwork.Clock
}

// RateLimiter limits accepted connections globally and per peer.
type RateLimiter struct {
	clock  clockwork.Clock
	global *TokenBucket
	rate   int
	burst  int

	mu    sync.Mutex
	peers *ttlcache.Cache[string, *TokenBucket]
}

// New creates a rate limiter. Per-peer buckets live in a TTL cache so peers
// that stop connecting are forgotten once PeerTTL passes.
func New(cfg Config) *RateLimiter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		clock: cfg.Clock,
		rate:  cfg.PerPeerRate,
		burst: cfg.Burst,
		peers: ttlcache.New(ttlcache.WithTTL[string, *TokenBucket](cfg.PeerTTL)),
	}
	if cfg.GlobalRate > 0 {
		rl.global = newTokenBucket(cfg.Clock, cfg.GlobalRate, cfg.Burst)
	}
	return rl
}

// AllowConnection checks if a new connection from peer is allowed.
func (rl *RateLimiter) AllowConnection(peer string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	var bucket *TokenBucket
	if item := rl.peers.Get(peer); item != nil {
		bucket = item.Value()
	} else {
		bucket = newTokenBucket(rl.clock, rl.rate, rl.burst)
		rl.peers.Set(peer, bucket, ttlcache.DefaultTTL)
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Peers returns the number of tracked peer buckets.
func (rl *RateLimiter) Peers() int {
	return rl.peers.Len()
}

// Run drops expired peer buckets every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	t := rl.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			rl.peers.DeleteExpired()
		}
	}
}
