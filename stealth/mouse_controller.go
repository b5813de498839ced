package stealth

import (
	"fmt"

	"form-automation/driver"
)

// MouseController builds pointer gestures that land somewhere inside a target rather than its centre
type MouseController struct {
	manager *StealthManager
}

func NewMouseController(manager *StealthManager) *MouseController {
	return &MouseController{manager: manager}
}

// Offset picks a point inside size, each axis uniform within the configured fraction band
func (mc *MouseController) Offset(size driver.Size) driver.Point {
	cfg := mc.manager.config.MouseMovement
	return driver.Point{
		X: size.Width * mc.manager.Fraction(cfg.MinOffset, cfg.MaxOffset),
		Y: size.Height * mc.manager.Fraction(cfg.MinOffset, cfg.MaxOffset),
	}
}

// Approach appends a move to a random point on el followed by a short hold
func (mc *MouseController) Approach(chain *driver.ActionChain, el driver.Element) error {
	size, err := el.Size()
	if err != nil {
		return fmt.Errorf("failed to measure element: %w", err)
	}
	chain.MoveToElementWithOffset(el, mc.Offset(size)).Pause(mc.manager.PointerDelay())
	return nil
}

// IntelligentClick moves onto el, holds, then clicks
func (mc *MouseController) IntelligentClick(drv driver.Driver, el driver.Element) error {
	chain := driver.NewActionChain()
	if err := mc.Approach(chain, el); err != nil {
		return err
	}
	if err := drv.Perform(chain.Click()); err != nil {
		return fmt.Errorf("failed to click element: %w", err)
	}
	return nil
}

// IntelligentType moves onto el, holds, then types text into it
func (mc *MouseController) IntelligentType(drv driver.Driver, el driver.Element, text string) error {
	chain := driver.NewActionChain()
	if err := mc.Approach(chain, el); err != nil {
		return err
	}
	if err := drv.Perform(chain.SendKeys(el, text)); err != nil {
		return fmt.Errorf("failed to type into element: %w", err)
	}
	return nil
}

// TypeAndSubmit types text into el and presses enter in the same gesture
func (mc *MouseController) TypeAndSubmit(drv driver.Driver, el driver.Element, text string) error {
	chain := driver.NewActionChain()
	if err := mc.Approach(chain, el); err != nil {
		return err
	}
	if err := drv.Perform(chain.SendKeys(el, text).SendEnter(el)); err != nil {
		return fmt.Errorf("failed to submit text: %w", err)
	}
	return nil
}
