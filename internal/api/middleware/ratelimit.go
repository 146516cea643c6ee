package middleware

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/metrics"
)

const (
	violationThreshold = 10
	violationWindow    = time.Hour
	autoBlockDuration  = 24 * time.Hour
)

// RateLimit is the budget for one endpoint prefix.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

type rule struct {
	prefix string
	RateLimit
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Block IPs that keep exceeding their limits
}

// RateLimiter enforces fixed-window request budgets kept in Redis.
type RateLimiter struct {
	client    *redis.Client
	rules     []rule // longest prefix first
	allow     allowList
	blocker   *IPBlocker
	autoBlock bool
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRateLimiter creates a rate limiter. A nil client disables limiting.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		autoBlock: cfg.AutoBlockEnabled,
		now:       time.Now,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		rules: []rule{
			{"POST /v1/register", RateLimit{10, time.Hour, ipKey}},
			{"POST /v1/route", RateLimit{120, time.Minute, senderKey}},
			{"GET /v1/messages", RateLimit{120, time.Minute, agentOrIPKey}},
			{"POST /v1/messages/", RateLimit{120, time.Minute, agentOrIPKey}},
			{"POST /v1/messages/pending/ack", RateLimit{60, time.Minute, agentOrIPKey}},
			{"DELETE /v1/messages/pending/", RateLimit{300, time.Minute, agentOrIPKey}},
			{"GET /v1/agents/resolve/", RateLimit{60, time.Minute, agentOrIPKey}},
		},
	}
	sort.SliceStable(rl.rules, func(i, j int) bool { return len(rl.rules[i].prefix) > len(rl.rules[j].prefix) })

	rl.allow = parseAllowList(cfg.Whitelist, rl.logger)
	if client != nil {
		rl.blocker = NewIPBlocker(client)
	}
	return rl
}

// allowList holds exempt addresses.
type allowList struct {
	ips  map[string]bool
	nets []*net.IPNet
}

func parseAllowList(entries []string, logger zerolog.Logger) allowList {
	al := allowList{ips: make(map[string]bool)}
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			al.ips[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		al.nets = append(al.nets, ipNet)
	}
	if len(entries) > 0 {
		logger.Info().Int("ips", len(al.ips)).Int("cidrs", len(al.nets)).Msg("rate limit whitelist configured")
	}
	return al
}

func (al allowList) contains(ipStr string) bool {
	if al.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// requestAgentID returns the agent id claimed by the bearer credential. It is
// not verified; it only partitions rate limit counters.
func requestAgentID(r *http.Request) string {
	rest, ok := strings.CutPrefix(bearerToken(r), "amp_")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, ".")
	return id
}

func agentOrIPKey(r *http.Request) string {
	if agentID := requestAgentID(r); agentID != "" {
		return "ratelimit:agent:" + agentID
	}
	return ipKey(r)
}

// senderKey keys mesh forwards by origin host and everything else by agent.
func senderKey(r *http.Request) string {
	if host := r.Header.Get(mesh.HeaderForwardedFrom); host != "" {
		return "ratelimit:host:" + host
	}
	return agentOrIPKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// decision is the outcome of one budget check.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

// take counts one request against key in the current window. Redis errors
// fail open.
func (rl *RateLimiter) take(ctx context.Context, key string, limit RateLimit) decision {
	now := rl.now()
	bucket := now.UnixNano() / int64(limit.Window)
	resetAt := time.Unix(0, (bucket+1)*int64(limit.Window))
	bucketKey := key + ":" + strconv.FormatInt(bucket, 10)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, bucketKey)
	pipe.PExpireAt(ctx, bucketKey, resetAt.Add(limit.Window))
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
		return decision{allowed: true, remaining: limit.Requests, resetAt: resetAt}
	}

	count := int(incr.Val())
	remaining := limit.Requests - count
	if remaining < 0 {
		remaining = 0
	}
	return decision{allowed: count <= limit.Requests, remaining: remaining, resetAt: resetAt}
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.client == nil || rl.allow.contains(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		d := rl.take(r.Context(), key, *limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))

		if !d.allowed {
			retry := int(d.resetAt.Sub(rl.now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))

			rl.recordViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(routePattern(r)).Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("agent", requestAgentID(r)).
				Str("origin_host", r.Header.Get(mesh.HeaderForwardedFrom)).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the limit with the longest matching prefix, or nil.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path
	for i := range rl.rules {
		if strings.HasPrefix(key, rl.rules[i].prefix) {
			limit := rl.rules[i].RateLimit
			return &limit
		}
	}
	return nil
}

// recordViolation counts a rejected request and blocks repeat offenders.
func (rl *RateLimiter) recordViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := "violations:ip:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	if count == 1 {
		rl.client.Expire(ctx, key, violationWindow)
	}
	if count >= violationThreshold {
		rl.blocker.Block(ctx, ip, autoBlockDuration, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string { return "blocked:ip:" + ip }

// IsBlocked reports whether ip is blocked. Redis errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// Block blocks ip for duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}

func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, blockKey(ip))
}
