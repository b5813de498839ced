package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-automation/challenge"
	"form-automation/driver"
	"form-automation/fetch"
)

func TestObserveAttemptReasons(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(fetch.Attempt{Err: fmt.Errorf("%w: crashed", driver.ErrDriverUnavailable)})
	c.ObserveAttempt(fetch.Attempt{Err: fmt.Errorf("wait: %w", driver.ErrElementNotFound)})
	c.ObserveAttempt(fetch.Attempt{Err: fmt.Errorf("wait: %w", driver.ErrElementNotFound)})
	c.ObserveAttempt(fetch.Attempt{})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("driver_unavailable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.attempts.WithLabelValues("element_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("none")))
}

func TestObserveChallengeOutcome(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(fetch.Attempt{Outcome: &challenge.Outcome{
		State:    challenge.Verified,
		Path:     []challenge.State{challenge.Searching, challenge.CheckboxArmed, challenge.AudioChallengeOpen, challenge.Transcribing, challenge.ResultSubmitted, challenge.Verified},
		Attempts: 2,
	}})
	c.ObserveAttempt(fetch.Attempt{
		Outcome: &challenge.Outcome{State: challenge.Failed, Path: []challenge.State{challenge.Searching, challenge.Failed}},
		Err:     challenge.ErrChallengeFailed,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.challenges.WithLabelValues("verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.challenges.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("challenge_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.transcriptions))
}

func TestObserveResult(t *testing.T) {
	c := NewCollector()

	c.ObserveResult(&fetch.Result{Success: true, Attempts: 1, Duration: 4 * time.Second})
	c.ObserveResult(&fetch.Result{Attempts: 5, Duration: 40 * time.Second})
	c.ObserveResult(&fetch.Result{Attempts: 5, Duration: 41 * time.Second})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.fetches.WithLabelValues("failure")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveResult(&fetch.Result{Success: true, Attempts: 1})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `formfetch_fetches_total{result="success"} 1`)
	assert.Contains(t, string(body), "formfetch_attempts_per_fetch_bucket")
}
