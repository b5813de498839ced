// Package session owns the single live browser and the identity it presents
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"form-automation/driver"
	"form-automation/identity"
	"form-automation/stealth"
)

// DriverFactory launches a browser with opts applied before its first navigation
type DriverFactory func(opts driver.RodOptions) (driver.Driver, error)

// Config controls how sessions are launched and rotated
type Config struct {
	Headless     bool
	BrowserPath  string
	ImplicitWait time.Duration
	UserDataDir  string
	// UseUserAgent overrides the browser's user agent with one from the pool
	UseUserAgent bool
	// UseProxy routes the browser through a pooled proxy when any are loaded
	UseProxy bool
	// RotateUserAgentOnReset draws a new user agent on Reset instead of keeping the current one
	RotateUserAgentOnReset bool
}

// Controller owns at most one live driver. It is not safe for concurrent use.
type Controller struct {
	config      Config
	lists       *identity.Lists
	pool        *identity.Pool
	stealth     *stealth.StealthManager
	factory     DriverFactory
	findBrowser func(string) (string, error)
	logger      *logrus.Logger

	drv     driver.Driver
	current identity.Identity
	opened  int
}

func NewController(config Config, lists *identity.Lists, sm *stealth.StealthManager, logger *logrus.Logger) *Controller {
	return &Controller{
		config:      config,
		lists:       lists,
		pool:        identity.NewPool(lists),
		stealth:     sm,
		factory:     rodFactory(sm, logger),
		findBrowser: FindBrowser,
		logger:      logger,
	}
}

func rodFactory(sm *stealth.StealthManager, logger *logrus.Logger) DriverFactory {
	return func(opts driver.RodOptions) (driver.Driver, error) {
		opts.Stealth = sm.Config().Enabled
		d, err := driver.LaunchRod(opts, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// WithFactory replaces the browser launcher
func (c *Controller) WithFactory(f DriverFactory) *Controller {
	c.factory = f
	return c
}

// WithBrowserFinder replaces browser binary discovery
func (c *Controller) WithBrowserFinder(f func(string) (string, error)) *Controller {
	c.findBrowser = f
	return c
}

// WithPool replaces the identity pool
func (c *Controller) WithPool(p *identity.Pool) *Controller {
	c.pool = p
	return c
}

// Open launches the browser if none is live. A missing browser binary is a FatalError.
func (c *Controller) Open() error {
	if c.drv != nil {
		return nil
	}
	return c.open(false)
}

func (c *Controller) open(reset bool) error {
	bin, err := c.findBrowser(c.config.BrowserPath)
	if err != nil {
		return NewFatalError(ExitBrowserMissing, fmt.Errorf("browser binary missing, install Chrome or set browser.path: %w", err))
	}

	id := c.nextIdentity(reset)
	opts := driver.RodOptions{
		BinPath:     bin,
		Headless:    c.config.Headless,
		UserAgent:   id.UserAgent,
		Proxy:       id.Proxy,
		UserDataDir: c.config.UserDataDir,
	}
	if w, h, ok := c.stealth.RandomViewport(); ok {
		opts.ViewportWidth, opts.ViewportHeight = w, h
	}

	drv, err := c.factory(opts)
	if err != nil {
		if errors.Is(err, driver.ErrDriverUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", driver.ErrDriverUnavailable, err)
	}
	drv.SetImplicitWait(c.config.ImplicitWait)

	c.drv = drv
	c.current = id
	c.opened++
	c.logger.WithFields(logrus.Fields{
		"user_agent": id.UserAgent,
		"proxy":      identity.Display(id.Proxy),
		"session":    c.opened,
	}).Info("Session opened")
	return nil
}

func (c *Controller) nextIdentity(reset bool) identity.Identity {
	var id identity.Identity
	if c.config.UseUserAgent {
		if reset && !c.config.RotateUserAgentOnReset && c.current.UserAgent != "" {
			id.UserAgent = c.current.UserAgent
		} else {
			id.UserAgent = c.pool.NextUserAgent()
		}
	}
	if c.config.UseProxy && c.lists.HasProxies() {
		id.Proxy, _ = c.pool.NextProxy(c.current.Proxy)
	}
	return id
}

// Driver lends the live driver, opening a session first if needed
func (c *Controller) Driver() (driver.Driver, error) {
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c.drv, nil
}

// Identity returns the identity of the live session
func (c *Controller) Identity() identity.Identity {
	return c.current
}

// Reset discards the live driver, whatever its state, and opens a fresh session
func (c *Controller) Reset() error {
	c.teardown()
	c.logger.Info("Resetting session")
	return c.open(true)
}

// ChangeProxy moves the live session to proxy, or to the next pooled proxy when proxy is empty.
// Cookies are cleared and the remote session context restarts; the browser stays up.
func (c *Controller) ChangeProxy(proxy string) error {
	drv, err := c.Driver()
	if err != nil {
		return err
	}
	if proxy == "" {
		next, ok := c.pool.NextProxy(c.current.Proxy)
		if !ok {
			c.logger.Warn("No proxies loaded, proxy unchanged")
			return nil
		}
		proxy = next
	}

	if err := drv.DeleteAllCookies(); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	if err := drv.StartSession(driver.Capabilities{UserAgent: c.current.UserAgent, Proxy: proxy}); err != nil {
		return fmt.Errorf("failed to restart session with new proxy: %w", err)
	}
	c.current.Proxy = proxy
	c.logger.WithField("proxy", identity.Display(proxy)).Info("Proxy changed")
	return nil
}

// RotateProxy moves the live session to the next pooled proxy without relaunching.
// It fails when no session is live or proxy rotation is off, leaving the caller to Reset.
func (c *Controller) RotateProxy() error {
	if c.drv == nil {
		return fmt.Errorf("%w: no live session", driver.ErrDriverUnavailable)
	}
	if !c.config.UseProxy || !c.lists.HasProxies() {
		return errors.New("proxy rotation is disabled")
	}
	return c.ChangeProxy("")
}

// Close releases the browser. It is safe to call more than once.
func (c *Controller) Close() error {
	if c.drv == nil {
		return nil
	}
	err := c.drv.Quit()
	c.drv = nil
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	c.logger.Info("Session closed")
	return nil
}

func (c *Controller) teardown() {
	if c.drv == nil {
		return
	}
	if err := c.drv.Quit(); err != nil {
		c.logger.WithError(err).Debug("Ignoring error from stale driver")
	}
	c.drv = nil
}
