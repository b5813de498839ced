// Package fetch loads a page, fills its form and resolves its challenge,
// resetting the browser session between failed attempts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"form-automation/audio"
	"form-automation/challenge"
	"form-automation/driver"
	"form-automation/form"
	"form-automation/identity"
	"form-automation/ratelimit"
	"form-automation/session"
	"form-automation/stealth"
	"form-automation/wait"
)

const DefaultMaxRetry = 5

// WaitSpec names the element that marks the page as loaded. With Class set the
// element must also carry that CSS class.
type WaitSpec struct {
	Locator driver.Locator `yaml:"locator" json:"locator"`
	Class   string         `yaml:"class,omitempty" json:"class,omitempty"`
}

func (w WaitSpec) condition() wait.Condition {
	if w.Class != "" {
		return wait.HasClass(w.Locator, w.Class)
	}
	return wait.Presence(w.Locator)
}

// PageRequest describes one page fetch
type PageRequest struct {
	URL         string          `yaml:"url" json:"url"`
	Wait        *WaitSpec       `yaml:"wait,omitempty" json:"wait,omitempty"`
	WaitTimeout time.Duration   `yaml:"wait_timeout,omitempty" json:"wait_timeout,omitempty"`
	Fields      []form.Field    `yaml:"fields,omitempty" json:"fields,omitempty"`
	Submit      *driver.Locator `yaml:"submit,omitempty" json:"submit,omitempty"`
	Verify      *form.Check     `yaml:"verify,omitempty" json:"verify,omitempty"`
	Challenge   *challenge.Spec `yaml:"challenge,omitempty" json:"challenge,omitempty"`
}

// Validate reports requests that cannot be fetched as written
func (r PageRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", r.URL)
	}
	if r.Challenge != nil {
		if _, ok := challenge.ParseType(string(r.Challenge.Type)); !ok {
			return fmt.Errorf("unknown challenge type %q", r.Challenge.Type)
		}
	}
	return nil
}

// Sessions lends the live browser and replaces it on demand
type Sessions interface {
	Driver() (driver.Driver, error)
	Reset() error
	Identity() identity.Identity
}

// ProxyRotator is implemented by sessions that can switch proxy without relaunching the browser
type ProxyRotator interface {
	RotateProxy() error
}

// Pacer blocks until a host may be fetched
type Pacer interface {
	WaitForPermission(ctx context.Context, host string) error
}

// Attempt is reported to observers after every try
type Attempt struct {
	RequestID uuid.UUID
	URL       string
	Number    int
	Identity  identity.Identity
	Outcome   *challenge.Outcome
	Err       error
	Duration  time.Duration
}

// Result is the verdict of a fetch
type Result struct {
	RequestID uuid.UUID
	URL       string
	Success   bool
	Attempts  int
	// Submitted is the form submission check when no challenge was requested
	Submitted bool
	Outcome   *challenge.Outcome
	LastError error
	Duration  time.Duration
}

// Observer receives fetch progress
type Observer interface {
	ObserveAttempt(a Attempt)
	ObserveResult(r *Result)
}

// Config controls the retry loop
type Config struct {
	MaxRetry     int
	WaitTimeout  time.Duration
	PollInterval time.Duration

	// ChangeProxyOnRetry tries a proxy change on the live session before a full reset
	ChangeProxyOnRetry bool
}

func DefaultConfig() Config {
	return Config{
		MaxRetry:     DefaultMaxRetry,
		WaitTimeout:  3 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Orchestrator runs page fetches against one session. It is not safe for concurrent use.
type Orchestrator struct {
	config    Config
	sessions  Sessions
	engine    *form.Engine
	resolvers challenge.Resolvers
	stealth   *stealth.StealthManager
	waiter    *wait.Waiter
	pacer     Pacer
	observers []Observer
	logger    *logrus.Logger
	now       func() time.Time
}

func NewOrchestrator(config Config, sessions Sessions, engine *form.Engine, resolvers challenge.Resolvers, sm *stealth.StealthManager, logger *logrus.Logger) *Orchestrator {
	if config.MaxRetry <= 0 {
		config.MaxRetry = DefaultMaxRetry
	}
	return &Orchestrator{
		config:    config,
		sessions:  sessions,
		engine:    engine,
		resolvers: resolvers,
		stealth:   sm,
		waiter:    wait.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithWaiter replaces the poller used for the page wait
func (o *Orchestrator) WithWaiter(w *wait.Waiter) *Orchestrator {
	o.waiter = w
	return o
}

// WithPacer paces navigations per host
func (o *Orchestrator) WithPacer(p Pacer) *Orchestrator {
	o.pacer = p
	return o
}

// WithObserver adds observers notified after every attempt and fetch
func (o *Orchestrator) WithObserver(obs ...Observer) *Orchestrator {
	o.observers = append(o.observers, obs...)
	return o
}

// verdict is the result of a single attempt
type verdict struct {
	success   bool
	submitted bool
	retry     bool
	// noSession is set when the attempt failed for lack of a browser
	noSession bool
	outcome   *challenge.Outcome
	err       error
}

// Fetch makes up to MaxRetry attempts at req. Recoverable failures reset the
// session before the next attempt. The returned error is non-nil only for a
// *session.FatalError; every other failure is reported through the Result.
func (o *Orchestrator) Fetch(ctx context.Context, req PageRequest) (*Result, error) {
	start := o.now()
	res := &Result{RequestID: uuid.New(), URL: req.URL}
	entry := o.logger.WithFields(logrus.Fields{
		"request_id": res.RequestID.String(),
		"url":        req.URL,
	})

	var fatal, reopenErr error
	for res.Attempts < o.config.MaxRetry {
		if err := ctx.Err(); err != nil {
			res.LastError = err
			break
		}
		res.Attempts++
		attemptStart := o.now()

		var v verdict
		if reopenErr != nil {
			// the failed reset already was this attempt's launch
			v = verdict{retry: true, noSession: true, err: reopenErr}
			reopenErr = nil
		} else {
			v = o.attempt(ctx, req, entry.WithField("attempt", res.Attempts))
		}
		res.Outcome = v.outcome
		res.Submitted = v.submitted
		res.LastError = v.err
		o.notifyAttempt(Attempt{
			RequestID: res.RequestID,
			URL:       req.URL,
			Number:    res.Attempts,
			Identity:  o.sessions.Identity(),
			Outcome:   v.outcome,
			Err:       v.err,
			Duration:  o.now().Sub(attemptStart),
		})

		if v.success {
			res.Success = true
			break
		}
		if _, ok := session.AsFatal(v.err); ok {
			fatal = v.err
			break
		}
		if !v.retry {
			break
		}

		if v.noSession {
			// nothing to tear down; the next attempt launches through Driver()
			entry.WithError(v.err).WithField("attempt", res.Attempts).Warn("Attempt failed without a session")
			continue
		}
		if err := o.prepareRetry(entry.WithError(v.err).WithField("attempt", res.Attempts)); err != nil {
			if _, ok := session.AsFatal(err); ok {
				res.LastError = err
				fatal = err
				break
			}
			entry.WithError(err).Warn("Session reset failed")
			reopenErr = err
		}
	}

	res.Duration = o.now().Sub(start)
	o.notifyResult(res)

	fields := logrus.Fields{"success": res.Success, "attempts": res.Attempts}
	if res.Success {
		entry.WithFields(fields).Info("Page fetched")
	} else {
		entry.WithFields(fields).WithError(res.LastError).Warn("Page fetch failed")
	}
	return res, fatal
}

// prepareRetry prepares the session for the next attempt, by proxy change when enabled and possible
func (o *Orchestrator) prepareRetry(entry *logrus.Entry) error {
	if o.config.ChangeProxyOnRetry {
		if rotator, ok := o.sessions.(ProxyRotator); ok {
			err := rotator.RotateProxy()
			if err == nil {
				entry.Warn("Attempt failed, proxy changed")
				return nil
			}
			entry.WithField("rotate_error", err.Error()).Debug("Proxy change failed, falling back to reset")
		}
	}
	entry.Warn("Attempt failed, resetting session")
	return o.sessions.Reset()
}

func (o *Orchestrator) attempt(ctx context.Context, req PageRequest, entry *logrus.Entry) verdict {
	drv, err := o.sessions.Driver()
	if err != nil {
		return verdict{retry: true, noSession: true, err: err}
	}

	if o.pacer != nil {
		if err := o.pacer.WaitForPermission(ctx, hostOf(req.URL)); err != nil {
			// quota and cancellation are not cured by a new session
			return verdict{err: err}
		}
	}

	o.stealth.NavigatePause()
	if err := drv.Navigate(req.URL); err != nil {
		return verdict{retry: true, err: fmt.Errorf("failed to navigate: %w", err)}
	}
	if current, err := drv.CurrentURL(); err == nil {
		entry.WithField("current_url", current).Info("Page loaded")
	}

	if req.Wait != nil {
		timeout := req.WaitTimeout
		if timeout <= 0 {
			timeout = o.config.WaitTimeout
		}
		if _, err := o.waiter.For(drv, req.Wait.condition(), timeout, o.config.PollInterval); err != nil {
			return verdict{retry: true, err: err}
		}
	}

	var v verdict
	if len(req.Fields) > 0 {
		if err := o.engine.Fill(drv, req.Fields); err != nil {
			return verdict{retry: true, err: err}
		}
		if req.Challenge == nil {
			v.submitted = o.engine.Submit(drv, req.Submit, req.Verify, req.URL)
			entry.WithField("submitted", v.submitted).Info("Form submit check")
		}
	}

	if req.Challenge == nil {
		v.success = true
		return v
	}
	return o.resolve(ctx, drv, req, entry)
}

func (o *Orchestrator) resolve(ctx context.Context, drv driver.Driver, req PageRequest, entry *logrus.Entry) verdict {
	current, err := drv.CurrentURL()
	if err != nil {
		return verdict{retry: true, err: fmt.Errorf("failed to read current URL: %w", err)}
	}

	resolver := o.resolvers.Select(req.Challenge.Type, current)
	if resolver == nil {
		return verdict{err: fmt.Errorf("%w: no resolver for %q", challenge.ErrChallengeFailed, req.Challenge.Type)}
	}

	out := resolver.Resolve(ctx, drv, challenge.Request{
		Spec:     *req.Challenge,
		Submit:   req.Submit,
		Check:    req.Verify,
		Identity: o.sessions.Identity(),
	})
	entry.WithFields(logrus.Fields{
		"state":    out.State.String(),
		"attempts": out.Attempts,
	}).Info("Challenge finished")

	v := verdict{
		success:   out.Solved(),
		submitted: out.Submitted,
		retry:     out.Retryable,
		outcome:   &out,
		err:       out.Err,
	}
	if errors.Is(out.Err, audio.ErrConverterMissing) {
		v.err = session.NewFatalError(session.ExitConverterMissing, out.Err)
	}
	return v
}

func (o *Orchestrator) notifyAttempt(a Attempt) {
	for _, obs := range o.observers {
		obs.ObserveAttempt(a)
	}
}

func (o *Orchestrator) notifyResult(r *Result) {
	for _, obs := range o.observers {
		obs.ObserveResult(r)
	}
}

// FetchBatch fetches reqs in order on the same session. It stops at the first fatal error.
func (o *Orchestrator) FetchBatch(ctx context.Context, reqs []PageRequest) ([]*Result, error) {
	results := make([]*Result, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.Fetch(ctx, req)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// IsLimitExceeded reports whether a fetch stopped on its host quota
func IsLimitExceeded(err error) bool {
	return errors.Is(err, ratelimit.ErrLimitExceeded)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Hostname()
}
