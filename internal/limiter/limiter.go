package limiter

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sensei/internal/metrics"
)

// Config sets the token buckets. A non-positive rate disables that bucket.
type Config struct {
	GlobalRPS   float64
	GlobalBurst int
	PerIPRPS    float64
	PerIPBurst  int
	// IdleTTL is how long an address may go unseen before its bucket is dropped.
	IdleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter admits new connections by a global and a per-address bucket.
type RateLimiter struct {
	global  *rate.Limiter
	ipRate  rate.Limit
	ipBurst int
	idleTTL time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *RateLimiter {
	rl := &RateLimiter{
		global:   rate.NewLimiter(limit(cfg.GlobalRPS), burst(cfg.GlobalRPS, cfg.GlobalBurst)),
		ipRate:   limit(cfg.PerIPRPS),
		ipBurst:  burst(cfg.PerIPRPS, cfg.PerIPBurst),
		idleTTL:  cfg.IdleTTL,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	if rl.idleTTL <= 0 {
		rl.idleTTL = 5 * time.Minute
	}
	return rl
}

func limit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burst(rps float64, b int) int {
	if b > 0 {
		return b
	}
	if rps*2 >= 1 {
		return int(rps * 2)
	}
	return 1
}

func (rl *RateLimiter) visitorLimiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Allow reports whether one more connection from ip may start now.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()
	if !rl.visitorLimiter(ip, now).AllowN(now, 1) {
		return false
	}
	return rl.global.AllowN(now, 1)
}

// Middleware answers 429 to requests over budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			metrics.RejectedConnections.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup drops idle per-address buckets every interval until Stop. A
// non-positive interval uses the idle TTL.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = rl.idleTTL
	}
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case now := <-ticker.C:
				rl.sweep(now)
			}
		}
	}()
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
	rl.wg.Wait()
}

func (rl *RateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

// ClientIP returns the first X-Forwarded-For hop, or the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
