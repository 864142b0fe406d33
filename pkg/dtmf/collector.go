// Package dtmf collects keypad digits into a single caller input.
package dtmf

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Terminator        string        `mapstructure:"terminator"`
	MaxDigits         int           `mapstructure:"max_digits"`
	InterDigitTimeout time.Duration `mapstructure:"inter_digit_timeout"`
	// EchoWindow is how long after a capture a digit-only transcript is
	// treated as the recognizer hearing the tones.
	EchoWindow time.Duration `mapstructure:"echo_window"`
}

func DefaultConfig() Config {
	return Config{
		Terminator:        "#",
		MaxDigits:         16,
		InterDigitTimeout: 3 * time.Second,
		EchoWindow:        2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Terminator == "" {
		c.Terminator = d.Terminator
	}
	if c.MaxDigits <= 0 {
		c.MaxDigits = d.MaxDigits
	}
	if c.InterDigitTimeout <= 0 {
		c.InterDigitTimeout = d.InterDigitTimeout
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = d.EchoWindow
	}
	return c
}

// Reasons a capture ends.
const (
	ReasonTerminator = "terminator"
	ReasonMaxLength  = "max_length"
	ReasonTimeout    = "timeout"
)

// CompleteFunc receives the collected digits. It is never called with the
// collector's lock held.
type CompleteFunc func(digits, reason string)

var (
	validDigit = regexp.MustCompile(`^[0-9*#A-Da-d]$`)
	digitOnly  = regexp.MustCompile(`^[0-9]+$`)
)

// Collector gathers digits from the first press until the terminator, the
// length limit or an inter-digit timeout.
type Collector struct {
	cfg        Config
	onComplete CompleteFunc

	mu        sync.Mutex
	digits    strings.Builder
	capturing bool
	gen       uint64
	timer     *time.Timer
	lastDone  time.Time
	stopped   bool
}

func NewCollector(cfg Config, onComplete CompleteFunc) *Collector {
	return &Collector{cfg: cfg.withDefaults(), onComplete: onComplete}
}

// Press records one digit. Invalid digits are ignored and reported false.
func (c *Collector) Press(digit string) bool {
	digit = strings.TrimSpace(digit)
	if !validDigit.MatchString(digit) {
		return false
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if !c.capturing {
		c.capturing = true
		c.digits.Reset()
	}
	if c.timer != nil {
		c.timer.Stop()
	}

	if digit == c.cfg.Terminator {
		digits, cb := c.finishLocked()
		c.mu.Unlock()
		c.complete(cb, digits, ReasonTerminator)
		return true
	}
	c.digits.WriteString(strings.ToUpper(digit))
	if c.digits.Len() >= c.cfg.MaxDigits {
		digits, cb := c.finishLocked()
		c.mu.Unlock()
		c.complete(cb, digits, ReasonMaxLength)
		return true
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.InterDigitTimeout, func() { c.onTimeout(gen) })
	c.mu.Unlock()
	return true
}

func (c *Collector) onTimeout(gen uint64) {
	c.mu.Lock()
	if !c.capturing || c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	digits, cb := c.finishLocked()
	c.mu.Unlock()
	c.complete(cb, digits, ReasonTimeout)
}

func (c *Collector) finishLocked() (string, CompleteFunc) {
	digits := c.digits.String()
	c.digits.Reset()
	c.capturing = false
	c.gen++
	c.lastDone = time.Now()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return digits, c.onComplete
}

func (c *Collector) complete(cb CompleteFunc, digits, reason string) {
	if cb != nil {
		cb(digits, reason)
	}
}

// Capturing reports whether a capture is in progress.
func (c *Collector) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// IsEcho reports whether text looks like the recognizer transcribing the
// tones of a capture that just finished.
func (c *Collector) IsEcho(text string) bool {
	text = strings.ReplaceAll(strings.TrimSpace(text), " ", "")
	if !digitOnly.MatchString(text) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing || (!c.lastDone.IsZero() && time.Since(c.lastDone) <= c.cfg.EchoWindow)
}

// Stop abandons any capture without calling back.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.capturing = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
