package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaydrive/relaydrive/internal/protocol"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock) *Limiter {
	t.Helper()
	l := New(WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(l.Close)
	return l
}

func TestCheckWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	window := 5000 * time.Millisecond

	for i := 1; i <= 5; i++ {
		if !l.Check("client", 5, window) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Check("client", 5, window) {
		t.Fatal("6th request should be denied")
	}

	clock.Advance(window)

	if !l.Check("client", 5, window) {
		t.Fatal("request after window should be allowed")
	}
	if got := l.Remaining("client", 5); got != 4 {
		t.Errorf("expected count reset to 1 (remaining 4), got remaining %d", got)
	}
}

func TestCheckRejectionDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	l.Check("k", 1, time.Minute)
	first, ok := l.ResetTime("k")
	if !ok {
		t.Fatal("expected active window")
	}

	clock.Advance(30 * time.Second)
	if l.Check("k", 1, time.Minute) {
		t.Fatal("second request should be denied")
	}
	second, _ := l.ResetTime("k")
	if !first.Equal(second) {
		t.Errorf("reset time moved from %v to %v", first, second)
	}
}

func TestCheckIsolation(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	for i := 0; i < 5; i++ {
		l.Check("a", 5, time.Minute)
	}
	if l.Check("a", 5, time.Minute) {
		t.Error("client a should be limited")
	}
	if !l.Check("b", 5, time.Minute) {
		t.Error("client b should not be affected by client a")
	}
}

func TestPolicyKeysIsolated(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	for i := 0; i < PolicyAuth.MaxRequests; i++ {
		l.Allow(PolicyAuth, "10.0.0.1")
	}
	if l.Allow(PolicyAuth, "10.0.0.1") {
		t.Error("auth budget should be exhausted")
	}
	if !l.Allow(PolicyAPI, "10.0.0.1") {
		t.Error("api budget should be independent of auth budget")
	}
}

func TestRemainingAndResetTime(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	if got := l.Remaining("x", 3); got != 3 {
		t.Errorf("Remaining for unseen key = %d, want 3", got)
	}
	if _, ok := l.ResetTime("x"); ok {
		t.Error("unseen key should have no reset time")
	}

	l.Check("x", 3, time.Minute)
	l.Check("x", 3, time.Minute)
	if got := l.Remaining("x", 3); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
	resetAt, ok := l.ResetTime("x")
	if !ok || !resetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("ResetTime = %v %v, want %v", resetAt, ok, clock.Now().Add(time.Minute))
	}

	clock.Advance(time.Minute)
	if got := l.Remaining("x", 3); got != 3 {
		t.Errorf("Remaining after window = %d, want 3", got)
	}
	if _, ok := l.ResetTime("x"); ok {
		t.Error("expired window should have no reset time")
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	l.Check("old", 5, time.Minute)
	clock.Advance(30 * time.Second)
	l.Check("new", 5, time.Minute)
	clock.Advance(31 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 record purged, got %d", n)
	}
	if _, ok := l.records.Load("old"); ok {
		t.Error("expired record should be removed")
	}
	if _, ok := l.records.Load("new"); !ok {
		t.Error("active record should survive sweep")
	}

	// A purged key starts over.
	if !l.Check("old", 5, time.Minute) {
		t.Error("purged key should be admitted")
	}
}

func TestCheckConcurrentAdmitsExactlyMax(t *testing.T) {
	l := New(WithSweepInterval(0))
	defer l.Close()

	const workers = 200
	const limit = 25
	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check("hot", limit, time.Hour) {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted %d requests, want %d", admitted, limit)
	}
}

func TestCheckConcurrentWithSweep(t *testing.T) {
	l := New(WithSweepInterval(time.Millisecond))
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i % 3)
			for j := 0; j < 500; j++ {
				l.Check(key, 1000, time.Microsecond)
				l.Remaining(key, 1000)
			}
		}(i)
	}
	wg.Wait()
}

func TestZeroBudgetRejects(t *testing.T) {
	l := newTestLimiter(t, newFakeClock())
	if l.Check("k", 0, time.Minute) {
		t.Error("zero budget should reject")
	}
}

func TestCloseIdempotent(t *testing.T) {
	l := New(WithSweepInterval(time.Hour))
	l.Close()
	l.Close()
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1", "X-Real-IP": "10.0.0.2"}, "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.3 ", "CF-Connecting-IP": "192.0.2.9"}, "198.51.100.3"},
		{"cdn", map[string]string{"CF-Connecting-IP": "192.0.2.9"}, "192.0.2.9"},
		{"empty forwarded for", map[string]string{"X-Forwarded-For": " , 1.2.3.4"}, "unknown"},
		{"none", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientKey(r); got != tt.want {
				t.Errorf("ClientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	policy := Policy{Name: "test", MaxRequests: 2, Window: time.Minute}

	var served int
	h := Middleware(l, policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do()
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w.Header().Get(HeaderLimit) != "2" || w.Header().Get(HeaderRemaining) != "1" {
		t.Errorf("unexpected headers: %v", w.Header())
	}
	do()

	clock.Advance(15 * time.Second)
	w = do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if served != 2 {
		t.Errorf("handler served %d requests, want 2", served)
	}
	if got := w.Header().Get(HeaderRetry); got != "45" {
		t.Errorf("Retry-After = %q, want 45", got)
	}
	if w.Header().Get(HeaderRemaining) != "0" {
		t.Errorf("Remaining = %q, want 0", w.Header().Get(HeaderRemaining))
	}
	wantReset := strconv.FormatInt(clock.Now().Add(45*time.Second).Unix(), 10)
	if got := w.Header().Get(HeaderReset); got != wantReset {
		t.Errorf("Reset = %q, want %q", got, wantReset)
	}

	var resp protocol.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != protocol.CodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", resp.Code, protocol.CodeRateLimitExceeded)
	}
	if resp.RetryAfter != 45 {
		t.Errorf("retryAfter = %d, want 45", resp.RetryAfter)
	}
}
