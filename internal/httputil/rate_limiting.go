package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/slidingsync/ip"
	"github.com/element-hq/slidingsync/setup/config"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

const (
	outcomeAllowed  = "allowed"
	outcomeRejected = "rejected"
)

var rateLimitDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dendrite",
		Subsystem: "clientapi",
		Name:      "rate_limit_decisions_total",
		Help:      "Requests seen by the rate limiter, by endpoint and outcome",
	},
	[]string{"endpoint", "outcome"},
)

func init() {
	prometheus.MustRegister(rateLimitDecisions)
}

// Limiters unused for this long are forgotten, which refills their bucket.
const limiterIdleExpiry = time.Minute

type bucket struct {
	burst   int64
	cooloff time.Duration
}

// newLimiter refills burst tokens per cooloff. A nil limiter with ok set
// means unlimited, and ok unset means every request is refused.
func (b bucket) newLimiter() (limiter *rate.Limiter, ok bool) {
	switch {
	case b.burst <= 0:
		return nil, false
	case b.cooloff <= 0:
		return nil, true
	}
	every := b.cooloff / time.Duration(b.burst)
	return rate.NewLimiter(rate.Every(every), int(b.burst)), true
}

type trackedLimiter struct {
	bucket  bucket
	limiter *rate.Limiter
}

// RateLimits holds a token bucket per device, or per remote address for
// unauthenticated requests. Paths listed in the overrides get a bucket of
// their own.
type RateLimits struct {
	enabled   bool
	fallback  bucket
	overrides map[string]bucket
	exempt    map[string]struct{}

	mu       sync.Mutex
	limiters *cache.Cache
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		enabled:   cfg.Enabled,
		fallback:  bucket{burst: cfg.Threshold, cooloff: time.Duration(cfg.CooloffMS) * time.Millisecond},
		overrides: make(map[string]bucket, len(cfg.PerEndpointOverrides)),
		exempt:    make(map[string]struct{}, len(cfg.ExemptUserIDs)),
		limiters:  cache.New(limiterIdleExpiry, limiterIdleExpiry/2),
	}
	for path, o := range cfg.PerEndpointOverrides {
		l.overrides[path] = bucket{burst: o.Threshold, cooloff: time.Duration(o.CooloffMS) * time.Millisecond}
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exempt[userID] = struct{}{}
	}
	return l
}

// Stop forgets every limiter.
func (l *RateLimits) Stop() {
	l.limiters.Flush()
}

func (l *RateLimits) isExempt(device *userapi.Device) bool {
	if device == nil {
		return false
	}
	if device.AccountType == userapi.AccountTypeAdmin {
		return true
	}
	_, ok := l.exempt[device.UserID]
	return ok
}

// Limit returns a 429 response once the caller has spent its budget, or nil
// when the request may go ahead.
func (l *RateLimits) Limit(req *http.Request, device *userapi.Device) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled || l.isExempt(device) {
		rateLimitDecisions.WithLabelValues(endpoint, outcomeAllowed).Inc()
		return nil
	}

	var key string
	switch {
	case device != nil:
		key = device.UserID + "/" + device.ID
	case req != nil:
		key = ip.RemoteHost(req, ip.RealIPHeader)
	}
	b := l.fallback
	if req != nil {
		if o, ok := l.overrides[req.URL.Path]; ok {
			b = o
			key += "|" + req.URL.Path
		}
	}

	if !l.allow(key, b) {
		rateLimitDecisions.WithLabelValues(endpoint, outcomeRejected).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", b.cooloff.Milliseconds()),
		}
	}
	rateLimitDecisions.WithLabelValues(endpoint, outcomeAllowed).Inc()
	return nil
}

func (l *RateLimits) allow(key string, b bucket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.limiters.Get(key); found {
		tracked := v.(*trackedLimiter)
		if tracked.bucket == b {
			// Refresh the expiry.
			l.limiters.SetDefault(key, tracked)
			return tracked.limiter == nil || tracked.limiter.Allow()
		}
	}
	limiter, ok := b.newLimiter()
	if !ok {
		return false
	}
	l.limiters.SetDefault(key, &trackedLimiter{bucket: b, limiter: limiter})
	return limiter == nil || limiter.Allow()
}
