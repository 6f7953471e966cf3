// Package limits gates the lobby's accept loop: connection rate limiting and
// a resource guard that sheds load before the process hits its CPU or memory
// ceiling.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateLimiter applies token-bucket limits to incoming connections, both
// per source IP and globally. Reconnecting clients burst, so the per-IP
// bucket allows a handful of quick attempts before throttling.
type ConnRateLimiter struct {
	mu         sync.Mutex
	ipLimiters map[string]*ipEntry
	ipRate     float64
	ipBurst    int
	ipTTL      time.Duration

	global *rate.Limiter
	logger zerolog.Logger

	stopCleanup chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiterConfig holds limiter settings; zero values select defaults
// (per-IP 1/s burst 10, global 50/s burst 100, 5 minute IP TTL).
type ConnRateLimiterConfig struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
	Logger      zerolog.Logger
}

func NewConnRateLimiter(config ConnRateLimiterConfig) *ConnRateLimiter {
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 100
	}

	l := &ConnRateLimiter{
		ipLimiters:  make(map[string]*ipEntry),
		ipRate:      config.IPRate,
		ipBurst:     config.IPBurst,
		ipTTL:       config.IPTTL,
		global:      rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:      config.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from ip may proceed.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit")
		return false
	}
	return true
}

func (l *ConnRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *ConnRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (l *ConnRateLimiter) Stop() {
	close(l.stopCleanup)
}
