package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLimitExceeded is returned when a host has used up its daily quota
var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter paces page fetches per host
type RateLimiter struct {
	logger  *logrus.Logger
	config  Config
	history map[string][]time.Time
	mu      sync.Mutex
	rng     *rand.Rand
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// Config defines rate limiting behavior
type Config struct {
	// Minimum spacing between two fetches of the same host
	MinDelay time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	// Upper bound on the spacing once jitter is applied
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`

	HourlyFetches int `yaml:"hourly_fetches" mapstructure:"hourly_fetches"`
	DailyFetches  int `yaml:"daily_fetches" mapstructure:"daily_fetches"`

	// Burst protection
	BurstLimit  int           `yaml:"burst_limit" mapstructure:"burst_limit"`
	BurstWindow time.Duration `yaml:"burst_window" mapstructure:"burst_window"`

	RandomizeDelay bool    `yaml:"randomize_delay" mapstructure:"randomize_delay"`
	JitterPercent  float64 `yaml:"jitter_percent" mapstructure:"jitter_percent"`
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config Config, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		config:  config,
		history: make(map[string][]time.Time),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		after:   time.After,
	}
}

// WithClock replaces the time source and the timer used for waiting
func (rl *RateLimiter) WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) *RateLimiter {
	rl.now = now
	rl.after = after
	return rl
}

// WaitForPermission blocks until host may be fetched again. Spacing, burst and hourly
// limits are waited out; only the daily cap fails with ErrLimitExceeded.
func (rl *RateLimiter) WaitForPermission(ctx context.Context, host string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.prune(host, now)

	if err := rl.checkQuota(host, 24*time.Hour, rl.config.DailyFetches, "daily"); err != nil {
		return err
	}

	delay := rl.calculateDelay(host, now)
	if rl.config.RandomizeDelay {
		delay = rl.addJitter(delay)
	}
	reason := "spacing"
	if w := rl.windowWait(host, now, time.Hour, rl.config.HourlyFetches); w > delay {
		delay, reason = w, "hourly"
	}
	if w := rl.checkBurstProtection(host, now); w > delay {
		delay, reason = w, "burst"
	}

	if delay > 0 {
		rl.logger.WithFields(logrus.Fields{
			"host":   host,
			"delay":  delay,
			"reason": reason,
		}).Info("Rate limiting - waiting")

		select {
		case <-rl.after(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rl.history[host] = append(rl.history[host], rl.now())
	return nil
}

// prune drops fetches older than the daily window
func (rl *RateLimiter) prune(host string, now time.Time) {
	times := rl.history[host]
	cut := 0
	for cut < len(times) && now.Sub(times[cut]) >= 24*time.Hour {
		cut++
	}
	rl.history[host] = times[cut:]
}

// countSince counts fetches strictly after since
func (rl *RateLimiter) countSince(host string, since time.Time) int {
	n := 0
	for _, t := range rl.history[host] {
		if t.After(since) {
			n++
		}
	}
	return n
}

func (rl *RateLimiter) checkQuota(host string, window time.Duration, limit int, name string) error {
	if limit <= 0 {
		return nil
	}
	current := rl.countSince(host, rl.now().Add(-window))
	if current >= limit {
		return fmt.Errorf("%w: %s limit for %s: %d/%d", ErrLimitExceeded, name, host, current, limit)
	}
	return nil
}

// windowWait returns how long until fewer than limit fetches remain inside window
func (rl *RateLimiter) windowWait(host string, now time.Time, window time.Duration, limit int) time.Duration {
	if limit <= 0 || window <= 0 {
		return 0
	}
	if rl.countSince(host, now.Add(-window)) < limit {
		return 0
	}
	times := rl.history[host]
	// history is in time order, so this entry leaving the window frees a slot
	leaving := times[len(times)-limit]
	return leaving.Add(window).Sub(now)
}

// checkBurstProtection prevents rapid successive fetches
func (rl *RateLimiter) checkBurstProtection(host string, now time.Time) time.Duration {
	if rl.config.BurstLimit <= 0 || rl.config.BurstWindow <= 0 {
		return 0
	}
	return rl.windowWait(host, now, rl.config.BurstWindow, rl.config.BurstLimit)
}

// calculateDelay determines how long to wait before the next fetch
func (rl *RateLimiter) calculateDelay(host string, now time.Time) time.Duration {
	times := rl.history[host]
	if len(times) == 0 {
		return 0
	}

	since := now.Sub(times[len(times)-1])
	if since >= rl.config.MinDelay {
		return 0
	}
	return rl.config.MinDelay - since
}

// addJitter lengthens delay by up to JitterPercent, capped at MaxDelay.
// The result never drops below delay.
func (rl *RateLimiter) addJitter(delay time.Duration) time.Duration {
	if rl.config.JitterPercent <= 0 || delay <= 0 {
		return delay
	}

	jitter := float64(delay) * rl.config.JitterPercent / 100.0
	newDelay := delay + time.Duration(rl.rng.Float64()*jitter)
	if rl.config.MaxDelay > 0 && newDelay > rl.config.MaxDelay {
		newDelay = rl.config.MaxDelay
	}
	if newDelay < delay {
		return delay
	}
	return newDelay
}

// GetStats returns fetch counts per host over the last hour and day
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]interface{})
	for host, times := range rl.history {
		if len(times) == 0 {
			continue
		}
		stats["hourly_"+host] = rl.countSince(host, now.Add(-time.Hour))
		stats["daily_"+host] = rl.countSince(host, now.Add(-24*time.Hour))
		stats["last_"+host] = times[len(times)-1].Format(time.RFC3339)
	}
	return stats
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MinDelay:       2 * time.Second,
		MaxDelay:       10 * time.Second,
		HourlyFetches:  60,
		DailyFetches:   500,
		BurstLimit:     5,
		BurstWindow:    30 * time.Second,
		RandomizeDelay: true,
		JitterPercent:  20.0,
	}
}
