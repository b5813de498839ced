package driver

import "time"

// ActionKind enumerates the steps of a compound pointer/keyboard action
type ActionKind int

const (
	ActionMove ActionKind = iota
	ActionPause
	ActionClick
	ActionSendKeys
	ActionEnter
)

// Action is one queued step of an ActionChain
type Action struct {
	Kind    ActionKind
	Element Element
	Offset  Point
	Pause   time.Duration
	Text    string
}

// ActionChain queues pointer and keyboard steps that a Driver performs in order
type ActionChain struct {
	Actions []Action
}

func NewActionChain() *ActionChain {
	return &ActionChain{}
}

// MoveToElementWithOffset moves the pointer to offset, relative to the element's top-left corner
func (c *ActionChain) MoveToElementWithOffset(el Element, offset Point) *ActionChain {
	c.Actions = append(c.Actions, Action{Kind: ActionMove, Element: el, Offset: offset})
	return c
}

func (c *ActionChain) Pause(d time.Duration) *ActionChain {
	c.Actions = append(c.Actions, Action{Kind: ActionPause, Pause: d})
	return c
}

// Click clicks at the current pointer position
func (c *ActionChain) Click() *ActionChain {
	c.Actions = append(c.Actions, Action{Kind: ActionClick})
	return c
}

func (c *ActionChain) SendKeys(el Element, text string) *ActionChain {
	c.Actions = append(c.Actions, Action{Kind: ActionSendKeys, Element: el, Text: text})
	return c
}

// SendEnter presses the enter key on the element
func (c *ActionChain) SendEnter(el Element) *ActionChain {
	c.Actions = append(c.Actions, Action{Kind: ActionEnter, Element: el})
	return c
}
