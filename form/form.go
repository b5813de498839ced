package form

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"form-automation/driver"
	"form-automation/stealth"
	"form-automation/wait"
)

// Field is one input to fill, in document order
type Field struct {
	Locator driver.Locator `yaml:"locator" json:"locator"`
	Text    string         `yaml:"text" json:"text"`
}

// Check designates the element whose presence confirms a submission.
// When Text is set the element's text must contain it.
type Check struct {
	Locator driver.Locator `yaml:"locator" json:"locator"`
	Text    string         `yaml:"text,omitempty" json:"text,omitempty"`
}

// Config controls how long a submission check waits for its element
type Config struct {
	CheckTimeout time.Duration
	PollInterval time.Duration
}

// Engine fills and submits forms with randomized pointer placement and pacing
type Engine struct {
	config  Config
	stealth *stealth.StealthManager
	mouse   *stealth.MouseController
	waiter  *wait.Waiter
	logger  *logrus.Logger
}

func NewEngine(config Config, sm *stealth.StealthManager, logger *logrus.Logger) *Engine {
	return &Engine{
		config:  config,
		stealth: sm,
		mouse:   stealth.NewMouseController(sm),
		waiter:  wait.New(),
		logger:  logger,
	}
}

// WithWaiter replaces the poller used by submission checks
func (e *Engine) WithWaiter(w *wait.Waiter) *Engine {
	e.waiter = w
	return e
}

// Fill types each field's text into its element, strictly in order.
// A missing element aborts the fill.
func (e *Engine) Fill(drv driver.Driver, fields []Field) error {
	for i, f := range fields {
		e.stealth.FieldPause()

		el, err := drv.FindElement(f.Locator)
		if err != nil {
			return fmt.Errorf("failed to find form field %s: %w", f.Locator, err)
		}
		if err := e.mouse.IntelligentType(drv, el, f.Text); err != nil {
			return fmt.Errorf("failed to fill form field %s: %w", f.Locator, err)
		}

		e.logger.WithFields(logrus.Fields{
			"field": f.Locator.String(),
			"index": i,
		}).Info("Form field filled")
	}
	return nil
}

// Click presses the element at loc in the top-level document.
// Failures are logged and reported as false; they never abort the caller.
func (e *Engine) Click(drv driver.Driver, loc driver.Locator) bool {
	if err := drv.SwitchToDefaultContent(); err != nil {
		e.logger.WithError(err).Warn("Failed to leave frame before click")
	}
	e.stealth.FieldPause()

	el, err := drv.FindElement(loc)
	if err != nil {
		e.logger.WithError(err).WithField("locator", loc.String()).Warn("Submit element not found")
		return false
	}
	if err := e.mouse.IntelligentClick(drv, el); err != nil {
		e.logger.WithError(err).WithField("locator", loc.String()).Warn("Failed to click submit element")
		return false
	}

	e.logger.WithField("locator", loc.String()).Info("Element clicked")
	return true
}

// VerifySubmission reports whether a submission took effect: the check element
// is present (and contains its text), or the URL moved away from originalURL.
func (e *Engine) VerifySubmission(drv driver.Driver, check *Check, originalURL string) bool {
	if check == nil {
		e.logger.Info("Submission is judged by a URL change; set a check element if the URL does not change on submit")
	}

	if check != nil && e.checkElement(drv, *check) {
		e.logger.Info("Submission check passed")
		return true
	}

	current, err := drv.CurrentURL()
	if err != nil {
		e.logger.WithError(err).Warn("Failed to read current URL")
	} else if current != originalURL {
		e.logger.WithField("url", current).Info("Submission check passed")
		return true
	}

	e.logger.Info("Failed to confirm the submission")
	return false
}

// Submit clicks submit when given and then verifies the submission
func (e *Engine) Submit(drv driver.Driver, submit *driver.Locator, check *Check, originalURL string) bool {
	if submit != nil {
		e.Click(drv, *submit)
	}
	return e.VerifySubmission(drv, check, originalURL)
}

// Element returns the element at loc, or nil when no page has been loaded yet
func (e *Engine) Element(drv driver.Driver, loc driver.Locator) (driver.Element, error) {
	current, err := drv.CurrentURL()
	if err != nil {
		return nil, fmt.Errorf("failed to read current URL: %w", err)
	}
	if current == "data:," || current == "about:blank" {
		return nil, nil
	}
	return drv.FindElement(loc)
}

func (e *Engine) checkElement(drv driver.Driver, check Check) bool {
	el, err := e.waiter.For(drv, wait.Presence(check.Locator), e.config.CheckTimeout, e.config.PollInterval)
	if err != nil {
		e.logger.WithError(err).Debug("Check element not found")
		return false
	}
	if check.Text == "" {
		return true
	}

	text, err := el.Text()
	if err != nil {
		e.logger.WithError(err).Debug("Failed to read check element text")
		return false
	}
	return strings.Contains(text, check.Text)
}
