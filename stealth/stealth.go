package stealth

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// StealthManager produces the randomized pauses and fingerprint values used to look less scripted
type StealthManager struct {
	config StealthConfig
	logger *logrus.Logger
	rng    *rand.Rand
	sleep  func(time.Duration)
}

// StealthConfig contains stealth configuration
type StealthConfig struct {
	Enabled       bool
	MouseMovement MouseMovementConfig
	Timing        TimingConfig
	Fingerprint   FingerprintConfig
}

// MouseMovementConfig bounds the pointer offset inside a target, as fractions of its size
type MouseMovementConfig struct {
	MinOffset float64
	MaxOffset float64
}

// Range is a closed interval a pause is drawn from uniformly
type Range struct {
	Min time.Duration
	Max time.Duration
}

// TimingConfig for realistic timing patterns
type TimingConfig struct {
	Navigate  Range
	Field     Range
	Pointer   Range
	Challenge Range
	// Settle is the fixed wait after a checkbox click or an answer submission
	Settle time.Duration
}

// FingerprintConfig for browser fingerprint masking
type FingerprintConfig struct {
	RandomViewport    bool
	MinViewportWidth  int
	MaxViewportWidth  int
	MinViewportHeight int
	MaxViewportHeight int
}

// DefaultConfig returns the pacing the automation was tuned with
func DefaultConfig() StealthConfig {
	return StealthConfig{
		Enabled: true,
		MouseMovement: MouseMovementConfig{
			MinOffset: 0.1,
			MaxOffset: 0.9,
		},
		Timing: TimingConfig{
			Navigate:  Range{Min: 500 * time.Millisecond, Max: 3 * time.Second},
			Field:     Range{Min: time.Second, Max: 5 * time.Second},
			Pointer:   Range{Min: time.Second, Max: 2 * time.Second},
			Challenge: Range{Min: time.Second, Max: 5 * time.Second},
			Settle:    3 * time.Second,
		},
		Fingerprint: FingerprintConfig{
			RandomViewport:    true,
			MinViewportWidth:  1200,
			MaxViewportWidth:  1920,
			MinViewportHeight: 800,
			MaxViewportHeight: 1080,
		},
	}
}

// NewStealthManager creates a new stealth manager
func NewStealthManager(config StealthConfig, logger *logrus.Logger) *StealthManager {
	return &StealthManager{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  time.Sleep,
	}
}

// WithSleep replaces the blocking sleep, letting callers observe pauses without waiting
func (s *StealthManager) WithSleep(fn func(time.Duration)) *StealthManager {
	s.sleep = fn
	return s
}

// WithSeed makes the random sequence reproducible
func (s *StealthManager) WithSeed(seed int64) *StealthManager {
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

func (s *StealthManager) Config() StealthConfig {
	return s.config
}

// Between draws a duration uniformly from r. With stealth disabled it returns r.Min.
func (s *StealthManager) Between(r Range) time.Duration {
	if !s.config.Enabled || r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(s.rng.Float64()*float64(r.Max-r.Min))
}

// Pause sleeps for a duration drawn from r and returns it
func (s *StealthManager) Pause(r Range) time.Duration {
	d := s.Between(r)
	s.logger.WithField("delay", d).Debug("Applied random delay")
	s.sleep(d)
	return d
}

func (s *StealthManager) NavigatePause() time.Duration  { return s.Pause(s.config.Timing.Navigate) }
func (s *StealthManager) FieldPause() time.Duration     { return s.Pause(s.config.Timing.Field) }
func (s *StealthManager) ChallengePause() time.Duration { return s.Pause(s.config.Timing.Challenge) }

// PointerDelay is the hold between reaching a target and acting on it. It is queued, not slept.
func (s *StealthManager) PointerDelay() time.Duration {
	return s.Between(s.config.Timing.Pointer)
}

// Settle waits the fixed time a widget needs to react
func (s *StealthManager) Settle() {
	s.sleep(s.config.Timing.Settle)
}

// Fraction returns a uniform value in [lo, hi]
func (s *StealthManager) Fraction(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}

// RandomViewport picks a window size inside the configured bounds.
// ok is false when viewport randomization is off.
func (s *StealthManager) RandomViewport() (width, height int, ok bool) {
	fp := s.config.Fingerprint
	if !s.config.Enabled || !fp.RandomViewport {
		return 0, 0, false
	}
	width = fp.MinViewportWidth
	if span := fp.MaxViewportWidth - fp.MinViewportWidth; span > 0 {
		width += s.rng.Intn(span + 1)
	}
	height = fp.MinViewportHeight
	if span := fp.MaxViewportHeight - fp.MinViewportHeight; span > 0 {
		height += s.rng.Intn(span + 1)
	}

	s.logger.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
	}).Debug("Set random viewport")
	return width, height, true
}
