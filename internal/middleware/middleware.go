package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	TotalRequests int64
)

type RateLimiter struct {
	tokens     int
	capacity   int
	refillRate time.Duration
	lastRefill time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(capacity int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow() bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed / rl.refillRate)
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}

	return false
}

// RateLimitStore manages rate limiters for different keys (IP addresses, user IDs, etc.)
type RateLimitStore struct {
	limiters   map[string]*RateLimiter
	mutex      sync.RWMutex
	capacity   int
	refillRate time.Duration
	cleanup    time.Duration
}

// NewRateLimitStore creates a new rate limit store
func NewRateLimitStore(capacity int, refillRate time.Duration) *RateLimitStore {
	store := &RateLimitStore{
		limiters:   make(map[string]*RateLimiter),
		capacity:   capacity,
		refillRate: refillRate,
		cleanup:    time.Minute * 10,
	}

	go store.cleanupRoutine()

	return store
}

// GetLimiter gets or creates a rate limiter for a key
func (rls *RateLimitStore) GetLimiter(key string) *RateLimiter {
	rls.mutex.RLock()
	limiter, exists := rls.limiters[key]
	rls.mutex.RUnlock()

	if exists {
		return limiter
	}

	rls.mutex.Lock()
	defer rls.mutex.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rls.limiters[key]; exists {
		return limiter
	}

	limiter = NewRateLimiter(rls.capacity, rls.refillRate)
	rls.limiters[key] = limiter
	return limiter
}

// cleanupRoutine removes old, unused rate limiters
func (rls *RateLimitStore) cleanupRoutine() {
	ticker := time.NewTicker(rls.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		rls.mutex.Lock()
		now := time.Now()
		for key, limiter := range rls.limiters {
			limiter.mutex.Lock()
			if now.Sub(limiter.lastRefill) > rls.cleanup {
				delete(rls.limiters, key)
			}
			limiter.mutex.Unlock()
		}
		rls.mutex.Unlock()
	}
}

// Rate limit stores for the command API
var (
	GlobalRateLimit  = NewRateLimitStore(100, time.Minute/100)
	CommandRateLimit = NewRateLimitStore(20, time.Minute/20)
)

func getClientKey(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		ip = strings.TrimSpace(ips[0])
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// RateLimitFunc middleware factory for handler functions
func RateLimitFunc(store *RateLimitStore) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := getClientKey(r)
			limiter := store.GetLimiter(key)

			if !limiter.Allow() {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(store.capacity))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", store.refillRate.Seconds()))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			limiter.mutex.Lock()
			remaining := limiter.tokens
			limiter.mutex.Unlock()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(store.capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			next.ServeHTTP(w, r)
		}
	}
}

// RequireToken authenticates the command layer with the shared API token.
func RequireToken(token string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			presented := strings.TrimPrefix(auth, "Bearer ")
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			logrus.Infof("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		}
		atomic.AddInt64(&TotalRequests, 1)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func CacheControl(maxAge time.Duration, cacheType string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			switch cacheType {
			case "no-cache":
				w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
				w.Header().Set("Pragma", "no-cache")
				w.Header().Set("Expires", "0")
			case "private":
				w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(maxAge.Seconds())))
			case "public":
				w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
			}

			next(w, r)
		}
	}
}
