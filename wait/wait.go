// Package wait polls a driver until an element condition holds
package wait

import (
	"fmt"
	"strings"
	"time"

	"form-automation/driver"
)

// Condition inspects the current document and returns the element once it is satisfied.
// A nil element with a nil error means "not yet".
type Condition interface {
	Check(drv driver.Driver) (driver.Element, error)
	String() string
}

type presence struct {
	loc driver.Locator
}

// Presence is satisfied as soon as loc matches an element
func Presence(loc driver.Locator) Condition {
	return presence{loc: loc}
}

func (p presence) Check(drv driver.Driver) (driver.Element, error) {
	els, err := drv.FindElements(p.loc)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	return els[0], nil
}

func (p presence) String() string {
	return "presence of " + p.loc.String()
}

type hasClass struct {
	loc   driver.Locator
	class string
}

// HasClass is satisfied when loc matches an element whose class attribute contains class
func HasClass(loc driver.Locator, class string) Condition {
	return hasClass{loc: loc, class: class}
}

func (h hasClass) Check(drv driver.Driver) (driver.Element, error) {
	els, err := drv.FindElements(h.loc)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	attr, err := els[0].Attribute("class")
	if err != nil {
		return nil, err
	}
	for _, c := range strings.Fields(attr) {
		if c == h.class {
			return els[0], nil
		}
	}
	return nil, nil
}

func (h hasClass) String() string {
	return fmt.Sprintf("class %q on %s", h.class, h.loc)
}

// Waiter runs conditions with an injectable clock
type Waiter struct {
	now   func() time.Time
	sleep func(time.Duration)
}

func New() *Waiter {
	return &Waiter{now: time.Now, sleep: time.Sleep}
}

// WithClock replaces time.Now and time.Sleep
func (w *Waiter) WithClock(now func() time.Time, sleep func(time.Duration)) *Waiter {
	w.now = now
	w.sleep = sleep
	return w
}

// For checks cond every interval until it holds or timeout elapses. Query errors count
// as "not yet"; the last one is reported alongside driver.ErrElementNotFound on timeout.
func (w *Waiter) For(drv driver.Driver, cond Condition, timeout, interval time.Duration) (driver.Element, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := w.now().Add(timeout)

	var lastErr error
	for {
		el, err := cond.Check(drv)
		if err == nil && el != nil {
			return el, nil
		}
		if err != nil {
			lastErr = err
		}
		if !w.now().Before(deadline) {
			break
		}
		w.sleep(interval)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s after %s: %v", driver.ErrElementNotFound, cond, timeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %s", driver.ErrElementNotFound, cond, timeout)
}

// For is New().For
func For(drv driver.Driver, cond Condition, timeout, interval time.Duration) (driver.Element, error) {
	return New().For(drv, cond, timeout, interval)
}
