package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-automation/audio"
	"form-automation/challenge"
	"form-automation/driver"
	"form-automation/driver/drivertest"
	"form-automation/form"
	"form-automation/identity"
	"form-automation/ratelimit"
	"form-automation/session"
	"form-automation/stealth"
	"form-automation/wait"
)

const pageURL = "https://example.com/signup"

type fakeSessions struct {
	drv      *drivertest.Driver
	openErr  error
	resetErr error
	opens    int
	resets   int
}

func (s *fakeSessions) Driver() (driver.Driver, error) {
	s.opens++
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.drv, nil
}

func (s *fakeSessions) Reset() error {
	s.resets++
	return s.resetErr
}

func (s *fakeSessions) Identity() identity.Identity {
	return identity.Identity{UserAgent: "UA-test", Proxy: "http://10.0.0.1:8080"}
}

type scriptedResolver struct {
	outcomes []challenge.Outcome
	requests []challenge.Request
}

func (r *scriptedResolver) Resolve(_ context.Context, _ driver.Driver, req challenge.Request) challenge.Outcome {
	r.requests = append(r.requests, req)
	i := len(r.requests) - 1
	if i >= len(r.outcomes) {
		i = len(r.outcomes) - 1
	}
	return r.outcomes[i]
}

type recordingObserver struct {
	attempts []Attempt
	results  []*Result
}

func (o *recordingObserver) ObserveAttempt(a Attempt) { o.attempts = append(o.attempts, a) }
func (o *recordingObserver) ObserveResult(r *Result)  { o.results = append(o.results, r) }

type rotatingSessions struct {
	*fakeSessions
	rotateErr error
	rotations int
}

func (s *rotatingSessions) RotateProxy() error {
	s.rotations++
	return s.rotateErr
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type denyPacer struct{ calls int }

func (p *denyPacer) WaitForPermission(context.Context, string) error {
	p.calls++
	return fmt.Errorf("%w: hourly limit", ratelimit.ErrLimitExceeded)
}

func newPage() *drivertest.Driver {
	drv := drivertest.New()
	drv.Root.
		Add(driver.CSS("main.content"), drivertest.NewElement("main", 800, 600).SetAttr("class", "content ready")).
		Add(driver.ID("email"), drivertest.NewElement("email", 200, 30)).
		Add(driver.ID("submit"), drivertest.NewElement("submit", 100, 30))
	return drv
}

func newOrchestrator(sessions Sessions, resolvers challenge.Resolvers) *Orchestrator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sm := stealth.NewStealthManager(stealth.DefaultConfig(), logger).WithSeed(5).WithSleep(func(time.Duration) {})
	clock := time.Unix(1700000000, 0)
	waiter := wait.New().WithClock(func() time.Time { return clock }, func(d time.Duration) { clock = clock.Add(d) })
	engine := form.NewEngine(form.Config{CheckTimeout: time.Second, PollInterval: 500 * time.Millisecond}, sm, logger).WithWaiter(waiter)

	return NewOrchestrator(DefaultConfig(), sessions, engine, resolvers, sm, logger).WithWaiter(waiter)
}

func v2Only(r challenge.Resolver) challenge.Resolvers {
	return challenge.Resolvers{V2: r, V3: r, Image: r}
}

func TestFetchAlwaysFailingOpen(t *testing.T) {
	unavailable := fmt.Errorf("%w: chrome crashed", driver.ErrDriverUnavailable)
	sessions := &fakeSessions{openErr: unavailable, resetErr: unavailable}
	obs := &recordingObserver{}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).WithObserver(obs).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, DefaultMaxRetry, res.Attempts)
	assert.Equal(t, DefaultMaxRetry, sessions.opens)
	// a failed launch leaves nothing to reset, so each attempt launches once
	assert.Zero(t, sessions.resets)
	assert.ErrorIs(t, res.LastError, driver.ErrDriverUnavailable)
	assert.Len(t, obs.attempts, DefaultMaxRetry)
	require.Len(t, obs.results, 1)
	assert.Same(t, res, obs.results[0])
}

func TestFetchPlainPage(t *testing.T) {
	drv := newPage()
	sessions := &fakeSessions{drv: drv}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:  pageURL,
		Wait: &WaitSpec{Locator: driver.CSS("main.content"), Class: "ready"},
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, sessions.resets)
	assert.NotEqual(t, uuid.Nil, res.RequestID)

	navs := drv.CallsOf("navigate")
	require.Len(t, navs, 1)
	assert.Equal(t, pageURL, navs[0].Target)
}

func TestFetchWaitTimeoutRetriesThenFails(t *testing.T) {
	drv := newPage()
	sessions := &fakeSessions{drv: drv}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:  pageURL,
		Wait: &WaitSpec{Locator: driver.CSS("main.content"), Class: "loading"},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, DefaultMaxRetry, res.Attempts)
	assert.Equal(t, DefaultMaxRetry, sessions.resets)
	assert.ErrorIs(t, res.LastError, driver.ErrElementNotFound)
	assert.Len(t, drv.CallsOf("navigate"), DefaultMaxRetry)
}

func TestFetchRecoversAfterReset(t *testing.T) {
	drv := newPage()
	failures := 2
	drv.OnNavigate = func(_ *drivertest.Driver, _ string) error {
		if failures > 0 {
			failures--
			return errors.New("net::ERR_PROXY_CONNECTION_FAILED")
		}
		return nil
	}
	sessions := &fakeSessions{drv: drv}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, sessions.resets)
}

func TestFetchFailedResetCountsAsNextLaunch(t *testing.T) {
	drv := newPage()
	drv.OnNavigate = func(_ *drivertest.Driver, _ string) error {
		return errors.New("net::ERR_TIMED_OUT")
	}
	sessions := &fakeSessions{drv: drv, resetErr: fmt.Errorf("%w: chrome crashed", driver.ErrDriverUnavailable)}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, DefaultMaxRetry, res.Attempts)
	// attempts 2 and 4 are the failed resets themselves
	assert.Equal(t, 3, sessions.opens)
	assert.Equal(t, 3, sessions.resets)
	assert.Len(t, drv.CallsOf("navigate"), 3)
	assert.ErrorContains(t, res.LastError, "ERR_TIMED_OUT")
}

func TestFetchChangesProxyBeforeReset(t *testing.T) {
	drv := newPage()
	failures := 2
	drv.OnNavigate = func(_ *drivertest.Driver, _ string) error {
		if failures > 0 {
			failures--
			return errors.New("net::ERR_PROXY_CONNECTION_FAILED")
		}
		return nil
	}
	sessions := &rotatingSessions{fakeSessions: &fakeSessions{drv: drv}}

	o := newOrchestrator(sessions, challenge.Resolvers{})
	o.config.ChangeProxyOnRetry = true
	res, err := o.Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, sessions.rotations)
	assert.Zero(t, sessions.resets)
}

func TestFetchFallsBackToResetWhenProxyChangeFails(t *testing.T) {
	drv := newPage()
	failures := 1
	drv.OnNavigate = func(_ *drivertest.Driver, _ string) error {
		if failures > 0 {
			failures--
			return errors.New("net::ERR_PROXY_CONNECTION_FAILED")
		}
		return nil
	}
	sessions := &rotatingSessions{fakeSessions: &fakeSessions{drv: drv}, rotateErr: errors.New("no proxies loaded")}

	o := newOrchestrator(sessions, challenge.Resolvers{})
	o.config.ChangeProxyOnRetry = true
	res, err := o.Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, sessions.rotations)
	assert.Equal(t, 1, sessions.resets)
}

func TestFetchIgnoresProxyChangeWhenDisabled(t *testing.T) {
	drv := newPage()
	failures := 1
	drv.OnNavigate = func(_ *drivertest.Driver, _ string) error {
		if failures > 0 {
			failures--
			return errors.New("net::ERR_PROXY_CONNECTION_FAILED")
		}
		return nil
	}
	sessions := &rotatingSessions{fakeSessions: &fakeSessions{drv: drv}}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, sessions.rotations)
	assert.Equal(t, 1, sessions.resets)
}

func TestFetchFillsAndSubmitsWithoutChallenge(t *testing.T) {
	drv := newPage()
	drv.OnAction = func(d *drivertest.Driver, a driver.Action) {
		if a.Kind == driver.ActionClick {
			d.URL = "https://example.com/welcome"
		}
	}
	submit := driver.ID("submit")

	res, err := newOrchestrator(&fakeSessions{drv: drv}, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:    pageURL,
		Fields: []form.Field{{Locator: driver.ID("email"), Text: "me@example.com"}},
		Submit: &submit,
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Submitted)
	keys := drv.CallsOf("keys")
	require.Len(t, keys, 1)
	assert.Equal(t, "me@example.com", keys[0].Text)
	assert.Len(t, drv.CallsOf("click"), 1)
}

func TestFetchUnconfirmedSubmitStillSucceeds(t *testing.T) {
	drv := newPage()
	submit := driver.ID("submit")

	res, err := newOrchestrator(&fakeSessions{drv: drv}, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:    pageURL,
		Fields: []form.Field{{Locator: driver.ID("email"), Text: "x"}},
		Submit: &submit,
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Submitted)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchMissingFieldRetries(t *testing.T) {
	sessions := &fakeSessions{drv: newPage()}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:    pageURL,
		Fields: []form.Field{{Locator: driver.ID("phone"), Text: "555"}},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, DefaultMaxRetry, res.Attempts)
	assert.ErrorIs(t, res.LastError, driver.ErrElementNotFound)
}

func TestFetchChallengeSolved(t *testing.T) {
	drv := newPage()
	resolver := &scriptedResolver{outcomes: []challenge.Outcome{{State: challenge.Verified, Submitted: true}}}
	submit := driver.ID("submit")
	check := &form.Check{Locator: driver.CSS(".welcome")}

	res, err := newOrchestrator(&fakeSessions{drv: drv}, v2Only(resolver)).Fetch(context.Background(), PageRequest{
		URL:       pageURL,
		Fields:    []form.Field{{Locator: driver.ID("email"), Text: "x"}},
		Submit:    &submit,
		Verify:    check,
		Challenge: &challenge.Spec{Type: challenge.TypeV2},
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, challenge.Verified, res.Outcome.State)

	require.Len(t, resolver.requests, 1)
	req := resolver.requests[0]
	assert.Equal(t, &submit, req.Submit)
	assert.Equal(t, check, req.Check)
	assert.Equal(t, "UA-test", req.Identity.UserAgent)
	// the form engine leaves submission to the resolver
	assert.Empty(t, drv.CallsOf("click"))
}

func TestFetchChallengeRetryableOutcomeResets(t *testing.T) {
	resolver := &scriptedResolver{outcomes: []challenge.Outcome{
		{State: challenge.Failed, Retryable: true, Err: challenge.ErrChallengeFailed},
		{State: challenge.Verified},
	}}
	sessions := &fakeSessions{drv: newPage()}

	res, err := newOrchestrator(sessions, v2Only(resolver)).Fetch(context.Background(), PageRequest{
		URL:       pageURL,
		Challenge: &challenge.Spec{Type: challenge.TypeV2},
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, sessions.resets)
}

func TestFetchChallengeFinalFailureDoesNotRetry(t *testing.T) {
	resolver := &scriptedResolver{outcomes: []challenge.Outcome{
		{State: challenge.Failed, Attempts: 5, Err: challenge.ErrChallengeFailed},
	}}
	sessions := &fakeSessions{drv: newPage()}

	res, err := newOrchestrator(sessions, v2Only(resolver)).Fetch(context.Background(), PageRequest{
		URL:       pageURL,
		Challenge: &challenge.Spec{Type: challenge.TypeV2},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, sessions.resets)
	assert.ErrorIs(t, res.LastError, challenge.ErrChallengeFailed)
}

func TestFetchMissingConverterIsFatal(t *testing.T) {
	resolver := &scriptedResolver{outcomes: []challenge.Outcome{
		{State: challenge.Failed, Err: fmt.Errorf("%w: ffmpeg", audio.ErrConverterMissing)},
	}}

	res, err := newOrchestrator(&fakeSessions{drv: newPage()}, v2Only(resolver)).Fetch(context.Background(), PageRequest{
		URL:       pageURL,
		Challenge: &challenge.Spec{Type: challenge.TypeV2},
	})

	require.Error(t, err)
	fe, ok := session.AsFatal(err)
	require.True(t, ok)
	assert.Equal(t, session.ExitConverterMissing, fe.Code)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchMissingBrowserIsFatal(t *testing.T) {
	missing := session.NewFatalError(session.ExitBrowserMissing, errors.New("no chrome"))
	sessions := &fakeSessions{openErr: missing}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.Error(t, err)
	fe, ok := session.AsFatal(err)
	require.True(t, ok)
	assert.Equal(t, session.ExitBrowserMissing, fe.Code)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, sessions.resets)
}

func TestFetchUnknownChallengeTypeFails(t *testing.T) {
	res, err := newOrchestrator(&fakeSessions{drv: newPage()}, challenge.Resolvers{}).Fetch(context.Background(), PageRequest{
		URL:       pageURL,
		Challenge: &challenge.Spec{Type: challenge.Type("hcaptcha")},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastError, challenge.ErrChallengeFailed)
}

func TestFetchStopsOnRateLimit(t *testing.T) {
	pacer := &denyPacer{}
	drv := newPage()
	sessions := &fakeSessions{drv: drv}

	res, err := newOrchestrator(sessions, challenge.Resolvers{}).WithPacer(pacer).Fetch(context.Background(), PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, pacer.calls)
	assert.True(t, IsLimitExceeded(res.LastError))
	assert.Empty(t, drv.CallsOf("navigate"))
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newOrchestrator(&fakeSessions{drv: newPage()}, challenge.Resolvers{}).Fetch(ctx, PageRequest{URL: pageURL})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.Attempts)
	assert.ErrorIs(t, res.LastError, context.Canceled)
}

func TestFetchBatchSharesSession(t *testing.T) {
	drv := newPage()
	sessions := &fakeSessions{drv: drv}
	obs := &recordingObserver{}

	results, err := newOrchestrator(sessions, challenge.Resolvers{}).WithObserver(obs).FetchBatch(context.Background(), []PageRequest{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.NotEqual(t, results[0].RequestID, results[1].RequestID)
	assert.Len(t, obs.results, 2)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"},
		[]string{drv.CallsOf("navigate")[0].Target, drv.CallsOf("navigate")[1].Target})
}

func TestFetchBatchPacedByBurstLimitStillRetries(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewRateLimiter(ratelimit.DefaultConfig(), logger).WithClock(clock.Now, clock.After)

	drv := newPage()
	drv.OnNavigate = func(_ *drivertest.Driver, url string) error {
		if url == "https://example.com/a" {
			return errors.New("net::ERR_CONNECTION_RESET")
		}
		return nil
	}
	sessions := &fakeSessions{drv: drv}

	results, err := newOrchestrator(sessions, challenge.Resolvers{}).WithPacer(limiter).FetchBatch(context.Background(), []PageRequest{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, DefaultMaxRetry, results[0].Attempts)
	assert.True(t, results[1].Success)
	assert.Equal(t, 1, results[1].Attempts)
	assert.Len(t, drv.CallsOf("navigate"), DefaultMaxRetry+1)
	// the sixth navigation waited for the burst window to free a slot
	assert.False(t, clock.now.Before(time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)))
}

func TestFetchBatchStopsOnFatal(t *testing.T) {
	sessions := &fakeSessions{openErr: session.NewFatalError(session.ExitBrowserMissing, errors.New("no chrome"))}

	results, err := newOrchestrator(sessions, challenge.Resolvers{}).FetchBatch(context.Background(), []PageRequest{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})

	require.Error(t, err)
	assert.Len(t, results, 1)
}

func TestPageRequestValidate(t *testing.T) {
	assert.NoError(t, PageRequest{URL: pageURL}.Validate())
	assert.Error(t, PageRequest{URL: "example.com"}.Validate())
	assert.Error(t, PageRequest{URL: pageURL, Challenge: &challenge.Spec{Type: "hcaptcha"}}.Validate())
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com:8443/x"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}
