package driver

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	rodstealth "github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
)

// RodOptions are the launch parameters of a go-rod backed session
type RodOptions struct {
	BinPath        string
	Headless       bool
	UserAgent      string
	Proxy          string
	Stealth        bool
	ViewportWidth  int
	ViewportHeight int
	UserDataDir    string
}

// RodDriver implements Driver on top of a locally launched Chrome controlled over CDP
type RodDriver struct {
	launcher     *launcher.Launcher
	browser      *rod.Browser
	root         *rod.Page
	current      *rod.Page
	frameOrigin  Point
	contextID    proto.BrowserBrowserContextID
	pointer      Point
	implicitWait time.Duration
	opts         RodOptions
	logger       *logrus.Logger
}

// LaunchRod starts a browser with the identity in opts applied before the first navigation
func LaunchRod(opts RodOptions, logger *logrus.Logger) (*RodDriver, error) {
	l := launcher.New()
	if opts.BinPath != "" {
		l = l.Bin(opts.BinPath)
	}

	l = l.Leakless(false).
		Headless(opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-features", "VizDisplayCompositor").
		Set("no-first-run", "true").
		Set("no-default-browser-check", "true").
		Set("disable-dev-shm-usage", "true")

	if opts.UserAgent != "" {
		l = l.Set("user-agent", opts.UserAgent)
	}
	if opts.Proxy != "" {
		l = l.Set("proxy-server", proxyServer(opts.Proxy))
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to launch browser: %v", ErrDriverUnavailable, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: failed to connect to browser: %v", ErrDriverUnavailable, err)
	}

	d := &RodDriver{
		launcher: l,
		browser:  browser,
		opts:     opts,
		logger:   logger,
	}

	var page *rod.Page
	if opts.Stealth {
		page, err = rodstealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		d.Quit()
		return nil, fmt.Errorf("%w: failed to create page: %v", ErrDriverUnavailable, err)
	}
	if err := d.preparePage(page, opts.UserAgent); err != nil {
		d.Quit()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"headless": opts.Headless,
		"proxy":    opts.Proxy != "",
		"stealth":  opts.Stealth,
	}).Info("Browser session started")
	return d, nil
}

func (d *RodDriver) preparePage(page *rod.Page, userAgent string) error {
	if userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}
	if d.opts.ViewportWidth > 0 && d.opts.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  d.opts.ViewportWidth,
			Height: d.opts.ViewportHeight,
		}); err != nil {
			return fmt.Errorf("failed to set viewport: %w", err)
		}
	}
	d.root = page
	d.current = page
	d.frameOrigin = Point{}
	return nil
}

func (d *RodDriver) Navigate(url string) error {
	d.current = d.root
	d.frameOrigin = Point{}
	if err := d.root.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := d.root.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	return nil
}

func (d *RodDriver) CurrentURL() (string, error) {
	info, err := d.root.Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

func (d *RodDriver) FindElement(loc Locator) (Element, error) {
	if d.implicitWait <= 0 {
		els, err := d.FindElements(loc)
		if err != nil {
			return nil, err
		}
		if len(els) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, loc)
		}
		return els[0], nil
	}

	page := d.current.Timeout(d.implicitWait)
	var (
		el  *rod.Element
		err error
	)
	if loc.By == ByXPath {
		el, err = page.ElementX(loc.Value)
	} else {
		el, err = page.Element(cssSelector(loc))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrElementNotFound, loc, err)
	}
	// detach the element from the timed context so later calls are not cut short
	return &rodElement{el: el.Context(d.current.GetContext())}, nil
}

func (d *RodDriver) FindElements(loc Locator) ([]Element, error) {
	var (
		els rod.Elements
		err error
	)
	if loc.By == ByXPath {
		els, err = d.current.ElementsX(loc.Value)
	} else {
		els, err = d.current.Elements(cssSelector(loc))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", loc, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (d *RodDriver) SwitchToFrame(frame Element) error {
	re, ok := frame.(*rodElement)
	if !ok {
		return fmt.Errorf("frame element was not produced by this driver")
	}
	box, err := boxOf(re.el)
	if err != nil {
		return fmt.Errorf("failed to locate frame: %w", err)
	}

	page, err := re.el.Frame()
	if err != nil {
		return fmt.Errorf("failed to enter frame: %w", err)
	}
	d.current = page
	d.frameOrigin = Point{X: d.frameOrigin.X + box.X, Y: d.frameOrigin.Y + box.Y}
	return nil
}

func (d *RodDriver) SwitchToDefaultContent() error {
	d.current = d.root
	d.frameOrigin = Point{}
	return nil
}

func (d *RodDriver) Perform(chain *ActionChain) error {
	for _, a := range chain.Actions {
		switch a.Kind {
		case ActionMove:
			re, ok := a.Element.(*rodElement)
			if !ok {
				return fmt.Errorf("move target was not produced by this driver")
			}
			box, err := boxOf(re.el)
			if err != nil {
				return fmt.Errorf("failed to get element position: %w", err)
			}
			d.pointer = Point{
				X: d.frameOrigin.X + box.X + a.Offset.X,
				Y: d.frameOrigin.Y + box.Y + a.Offset.Y,
			}
			if err := d.dispatchMouse(proto.InputDispatchMouseEventTypeMouseMoved); err != nil {
				return fmt.Errorf("failed to move pointer: %w", err)
			}
		case ActionPause:
			time.Sleep(a.Pause)
		case ActionClick:
			if err := d.dispatchMouse(proto.InputDispatchMouseEventTypeMousePressed); err != nil {
				return fmt.Errorf("failed to press mouse: %w", err)
			}
			if err := d.dispatchMouse(proto.InputDispatchMouseEventTypeMouseReleased); err != nil {
				return fmt.Errorf("failed to release mouse: %w", err)
			}
		case ActionSendKeys:
			re, ok := a.Element.(*rodElement)
			if !ok {
				return fmt.Errorf("keys target was not produced by this driver")
			}
			if err := re.el.Input(a.Text); err != nil {
				return fmt.Errorf("failed to send keys: %w", err)
			}
		case ActionEnter:
			re, ok := a.Element.(*rodElement)
			if !ok {
				return fmt.Errorf("keys target was not produced by this driver")
			}
			if err := re.el.Type(input.Enter); err != nil {
				return fmt.Errorf("failed to send enter: %w", err)
			}
		}
	}
	return nil
}

func (d *RodDriver) dispatchMouse(kind proto.InputDispatchMouseEventType) error {
	ev := proto.InputDispatchMouseEvent{
		Type: kind,
		X:    d.pointer.X,
		Y:    d.pointer.Y,
	}
	if kind != proto.InputDispatchMouseEventTypeMouseMoved {
		ev.Button = proto.InputMouseButtonLeft
		ev.ClickCount = 1
	}
	return ev.Call(d.root)
}

// DeleteAllCookies clears the browser context the live page belongs to
func (d *RodDriver) DeleteAllCookies() error {
	if err := clearCookies(d.contextID).Call(d.browser); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// clearCookies targets contextID, or the default context when it is empty
func clearCookies(contextID proto.BrowserBrowserContextID) proto.StorageClearCookies {
	return proto.StorageClearCookies{BrowserContextID: contextID}
}

// StartSession replaces the page with one in a fresh browser context carrying caps.
// This is cheaper than relaunching the browser process.
func (d *RodDriver) StartSession(caps Capabilities) error {
	res, err := proto.TargetCreateBrowserContext{
		ProxyServer:     proxyServer(caps.Proxy),
		DisposeOnDetach: true,
	}.Call(d.browser)
	if err != nil {
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := d.browser.Page(proto.TargetCreateTarget{BrowserContextID: res.BrowserContextID})
	if err != nil {
		return fmt.Errorf("failed to create page in new context: %w", err)
	}
	if d.opts.Stealth {
		if _, err := page.EvalOnNewDocument(rodstealth.JS); err != nil {
			d.logger.WithError(err).Warn("Failed to apply stealth script to new context")
		}
	}

	old, oldContext := d.root, d.contextID
	userAgent := caps.UserAgent
	if userAgent == "" {
		userAgent = d.opts.UserAgent
	}
	if err := d.preparePage(page, userAgent); err != nil {
		return err
	}
	d.contextID = res.BrowserContextID
	d.opts.Proxy = caps.Proxy

	if old != nil {
		if err := old.Close(); err != nil {
			d.logger.WithError(err).Debug("Failed to close previous page")
		}
	}
	if oldContext != "" {
		if err := (proto.TargetDisposeBrowserContext{BrowserContextID: oldContext}).Call(d.browser); err != nil {
			d.logger.WithError(err).Debug("Failed to dispose previous browser context")
		}
	}
	return nil
}

func (d *RodDriver) SetImplicitWait(wait time.Duration) {
	d.implicitWait = wait
}

// Quit closes the browser. It tolerates a handle that is already gone.
func (d *RodDriver) Quit() error {
	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
		d.launcher = nil
	}
	return err
}

// proxyServer drops credentials, which Chrome's proxy settings do not accept
func proxyServer(proxy string) string {
	if proxy == "" {
		return ""
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return proxy
	}
	return u.Scheme + "://" + u.Host
}

func cssSelector(loc Locator) string {
	switch loc.By {
	case ByID:
		return "#" + loc.Value
	case ByClassName:
		return "." + loc.Value
	default:
		return loc.Value
	}
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Attribute(name string) (string, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", fmt.Errorf("failed to read attribute %s: %w", name, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (e *rodElement) Text() (string, error) {
	return e.el.Text()
}

func (e *rodElement) Size() (Size, error) {
	box, err := boxOf(e.el)
	if err != nil {
		return Size{}, err
	}
	return Size{Width: box.Width, Height: box.Height}, nil
}

func boxOf(el *rod.Element) (*proto.DOMRect, error) {
	shape, err := el.Shape()
	if err != nil {
		return nil, fmt.Errorf("failed to get element shape: %w", err)
	}
	box := shape.Box()
	if box == nil {
		return nil, fmt.Errorf("element has no rendered box")
	}
	return box, nil
}
