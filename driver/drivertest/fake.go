// Package drivertest provides an in-memory driver.Driver that records every call
package drivertest

import (
	"fmt"
	"sync"
	"time"

	"form-automation/driver"
)

// Element is a fake node. Attributes and text can be changed by tests between calls.
type Element struct {
	Name   string
	Width  float64
	Height float64

	mu    sync.Mutex
	attrs map[string]string
	text  string
	frame *Document
}

func NewElement(name string, width, height float64) *Element {
	return &Element{Name: name, Width: width, Height: height, attrs: map[string]string{}}
}

// WithFrame turns the element into an iframe whose content is doc
func (e *Element) WithFrame(doc *Document) *Element {
	e.frame = doc
	return e
}

func (e *Element) SetAttr(name, value string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[name] = value
	return e
}

func (e *Element) SetText(text string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	return e
}

func (e *Element) Attribute(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attrs[name], nil
}

func (e *Element) Text() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text, nil
}

func (e *Element) Size() (driver.Size, error) {
	return driver.Size{Width: e.Width, Height: e.Height}, nil
}

// Document maps locators to the elements they match
type Document struct {
	mu       sync.Mutex
	elements map[driver.Locator][]*Element
}

func NewDocument() *Document {
	return &Document{elements: map[driver.Locator][]*Element{}}
}

func (d *Document) Add(loc driver.Locator, els ...*Element) *Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements[loc] = append(d.elements[loc], els...)
	return d
}

func (d *Document) Remove(loc driver.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.elements, loc)
}

func (d *Document) find(loc driver.Locator) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Element(nil), d.elements[loc]...)
}

// Call is one recorded driver operation
type Call struct {
	Op     string
	Target string
	Offset driver.Point
	Text   string
	Pause  time.Duration
}

// Driver is a fake driver.Driver
type Driver struct {
	Root *Document
	URL  string

	// OnNavigate, when set, runs after the URL is updated
	OnNavigate func(d *Driver, url string) error
	// OnAction runs for every performed action, after it is recorded
	OnAction func(d *Driver, a driver.Action)

	Calls        []Call
	Sessions     []driver.Capabilities
	ImplicitWait time.Duration
	QuitCalls    int
	QuitErr      error

	current *Document
}

func New() *Driver {
	root := NewDocument()
	return &Driver{Root: root, URL: "data:,", current: root}
}

func (d *Driver) record(c Call) {
	d.Calls = append(d.Calls, c)
}

// Ops returns the recorded operation names in order
func (d *Driver) Ops() []string {
	ops := make([]string, 0, len(d.Calls))
	for _, c := range d.Calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// CallsOf returns the recorded calls with the given op
func (d *Driver) CallsOf(op string) []Call {
	var out []Call
	for _, c := range d.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (d *Driver) Navigate(url string) error {
	d.record(Call{Op: "navigate", Target: url})
	d.URL = url
	d.current = d.Root
	if d.OnNavigate != nil {
		return d.OnNavigate(d, url)
	}
	return nil
}

func (d *Driver) CurrentURL() (string, error) {
	return d.URL, nil
}

func (d *Driver) FindElement(loc driver.Locator) (driver.Element, error) {
	d.record(Call{Op: "find", Target: loc.String()})
	els := d.current.find(loc)
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", driver.ErrElementNotFound, loc)
	}
	return els[0], nil
}

func (d *Driver) FindElements(loc driver.Locator) ([]driver.Element, error) {
	d.record(Call{Op: "find_all", Target: loc.String()})
	els := d.current.find(loc)
	out := make([]driver.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (d *Driver) SwitchToFrame(frame driver.Element) error {
	el, ok := frame.(*Element)
	if !ok || el.frame == nil {
		return fmt.Errorf("not a frame")
	}
	d.record(Call{Op: "switch_frame", Target: el.Name})
	d.current = el.frame
	return nil
}

func (d *Driver) SwitchToDefaultContent() error {
	d.record(Call{Op: "switch_default"})
	d.current = d.Root
	return nil
}

func (d *Driver) Perform(chain *driver.ActionChain) error {
	for _, a := range chain.Actions {
		c := Call{Offset: a.Offset, Text: a.Text, Pause: a.Pause}
		if el, ok := a.Element.(*Element); ok {
			c.Target = el.Name
		}
		switch a.Kind {
		case driver.ActionMove:
			c.Op = "move"
		case driver.ActionPause:
			c.Op = "pause"
		case driver.ActionClick:
			c.Op = "click"
		case driver.ActionSendKeys:
			c.Op = "keys"
		case driver.ActionEnter:
			c.Op = "enter"
		}
		d.record(c)
		if d.OnAction != nil {
			d.OnAction(d, a)
		}
	}
	return nil
}

func (d *Driver) DeleteAllCookies() error {
	d.record(Call{Op: "delete_cookies"})
	return nil
}

func (d *Driver) StartSession(caps driver.Capabilities) error {
	d.record(Call{Op: "start_session", Target: caps.Proxy})
	d.Sessions = append(d.Sessions, caps)
	return nil
}

func (d *Driver) SetImplicitWait(wait time.Duration) {
	d.ImplicitWait = wait
}

func (d *Driver) Quit() error {
	d.QuitCalls++
	return d.QuitErr
}
