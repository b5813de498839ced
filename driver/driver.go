package driver

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrElementNotFound is returned when a locator matches nothing before the wait expires.
	ErrElementNotFound = errors.New("element not found")
	// ErrDriverUnavailable is returned when a browser session cannot be started.
	ErrDriverUnavailable = errors.New("driver unavailable")
)

// By selects how a Locator value is interpreted
type By string

const (
	ByCSS       By = "css"
	ByXPath     By = "xpath"
	ByID        By = "id"
	ByClassName By = "class"
	ByTagName   By = "tag"
)

// Locator identifies an element on the current document
type Locator struct {
	By    By     `yaml:"by" json:"by"`
	Value string `yaml:"value" json:"value"`
}

func CSS(selector string) Locator   { return Locator{By: ByCSS, Value: selector} }
func XPath(expr string) Locator     { return Locator{By: ByXPath, Value: expr} }
func ID(id string) Locator          { return Locator{By: ByID, Value: id} }
func ClassName(name string) Locator { return Locator{By: ByClassName, Value: name} }
func TagName(name string) Locator   { return Locator{By: ByTagName, Value: name} }

func (l Locator) String() string {
	return fmt.Sprintf("%s=%s", l.By, l.Value)
}

// Size is an element's rendered width and height in CSS pixels
type Size struct {
	Width  float64
	Height float64
}

// Point is an offset relative to the top-left corner of an element
type Point struct {
	X float64
	Y float64
}

// Element is a handle to a node inside the document it was found in
type Element interface {
	Attribute(name string) (string, error)
	Text() (string, error)
	Size() (Size, error)
}

// Capabilities describe connection parameters applied when a session context starts
type Capabilities struct {
	UserAgent string
	Proxy     string
}

// Driver is the remote-control surface of one browser session.
// Implementations are not safe for concurrent use.
type Driver interface {
	Navigate(url string) error
	CurrentURL() (string, error)
	FindElement(loc Locator) (Element, error)
	FindElements(loc Locator) ([]Element, error)
	SwitchToFrame(frame Element) error
	SwitchToDefaultContent() error
	Perform(chain *ActionChain) error
	DeleteAllCookies() error
	StartSession(caps Capabilities) error
	SetImplicitWait(d time.Duration)
	Quit() error
}
