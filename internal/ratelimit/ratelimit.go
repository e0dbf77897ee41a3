// Package ratelimit bounds how many requests a client may make per window.
//
// Each (policy, client) pair owns a record holding a request count and the
// time the current window ends. The first request of a window fixes the
// reset time; later requests only increment the count until the maximum is
// reached, after which requests are rejected without touching the record.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metrics"
)

// DefaultSweepInterval is how often expired records are purged.
const DefaultSweepInterval = 5 * time.Minute

// UnknownClient is the shared key for requests without any client address
// header. Such clients share one budget.
const UnknownClient = "unknown"

// Policy is a request budget for one endpoint class.
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Named policies.
var (
	PolicyAuth   = Policy{Name: "auth", MaxRequests: 5, Window: 5 * time.Minute}
	PolicyUpload = Policy{Name: "upload", MaxRequests: 10, Window: 5 * time.Minute}
	PolicyAPI    = Policy{Name: "api", MaxRequests: 100, Window: 5 * time.Minute}
)

// Policies lists every named policy by name.
var Policies = map[string]Policy{
	PolicyAuth.Name:   PolicyAuth,
	PolicyUpload.Name: PolicyUpload,
	PolicyAPI.Name:    PolicyAPI,
}

// Key scopes a client key to a policy.
func (p Policy) Key(client string) string {
	return p.Name + ":" + client
}

type record struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool // removed by sweep; Check must load a fresh record
}

// Limiter tracks request counts per key. Records are locked individually so
// requests for different keys never contend, and the sweeper never holds
// more than one record lock at a time.
type Limiter struct {
	records sync.Map // string -> *record
	now     func() time.Time
	log     *zap.Logger

	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets the purge interval. Zero disables the background
// sweeper; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithLogger sets the limiter's logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) { l.log = logging.OrNop(log) }
}

// New creates a Limiter and starts its sweeper. Call Close to stop it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:           time.Now,
		log:           zap.NewNop(),
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		go l.sweepLoop()
	} else {
		close(l.done)
	}
	return l
}

// Check records a request for key and reports whether it is admitted.
func (l *Limiter) Check(key string, maxRequests int, window time.Duration) bool {
	if maxRequests <= 0 {
		return false
	}
	for {
		rec := l.load(key)
		rec.mu.Lock()
		if rec.dead {
			rec.mu.Unlock()
			continue
		}

		now := l.now()
		if rec.count == 0 || !now.Before(rec.resetAt) {
			rec.count = 1
			rec.resetAt = now.Add(window)
			rec.mu.Unlock()
			return true
		}
		if rec.count >= maxRequests {
			rec.mu.Unlock()
			return false
		}
		rec.count++
		rec.mu.Unlock()
		return true
	}
}

// Allow is Check for a policy-scoped client key.
func (l *Limiter) Allow(p Policy, client string) bool {
	return l.Check(p.Key(client), p.MaxRequests, p.Window)
}

func (l *Limiter) load(key string) *record {
	if v, ok := l.records.Load(key); ok {
		return v.(*record)
	}
	v, _ := l.records.LoadOrStore(key, &record{})
	return v.(*record)
}

// Remaining returns how many more requests key may make in its current window.
func (l *Limiter) Remaining(key string, maxRequests int) int {
	v, ok := l.records.Load(key)
	if !ok {
		return max(maxRequests, 0)
	}
	rec := v.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.dead || rec.count == 0 || !l.now().Before(rec.resetAt) {
		return max(maxRequests, 0)
	}
	return max(maxRequests-rec.count, 0)
}

// ResetTime returns when key's current window ends. ok is false when key has
// no active window.
func (l *Limiter) ResetTime(key string) (resetAt time.Time, ok bool) {
	v, found := l.records.Load(key)
	if !found {
		return time.Time{}, false
	}
	rec := v.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.dead || rec.count == 0 || !l.now().Before(rec.resetAt) {
		return time.Time{}, false
	}
	return rec.resetAt, true
}

// Sweep deletes every record whose window has ended and returns how many were
// removed. A Check racing with the deletion simply starts a new record.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed, live := 0, 0
	l.records.Range(func(k, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		if !now.Before(rec.resetAt) {
			rec.dead = true
			l.records.CompareAndDelete(k, v)
			removed++
		} else {
			live++
		}
		rec.mu.Unlock()
		return true
	})
	metrics.SetRateLimitBuckets(live)
	return removed
}

func (l *Limiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("rate limit records purged", zap.Int("count", n))
			}
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
}

// ClientKey derives the client identity from proxy headers: the first
// X-Forwarded-For entry, then X-Real-IP, then CF-Connecting-IP. Requests
// carrying none of them share the UnknownClient bucket.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	return UnknownClient
}
