package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-automation/challenge"
	"form-automation/config"
	"form-automation/driver"
	"form-automation/form"
	"form-automation/session"
	"form-automation/stealth"
)

func TestBuildRequestsFromFlags(t *testing.T) {
	reqs, err := buildRequests(fetchFlags{
		url:       "https://example.com/signup",
		waitCSS:   "form",
		waitClass: "ready",
		fields:    []string{"#email=me@example.com", "#q=a=b"},
		submit:    "button[type=submit]",
		verify:    ".welcome|Thanks",
		challenge: "V2",
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, "https://example.com/signup", req.URL)
	require.NotNil(t, req.Wait)
	assert.Equal(t, driver.CSS("form"), req.Wait.Locator)
	assert.Equal(t, "ready", req.Wait.Class)
	require.Len(t, req.Fields, 2)
	assert.Equal(t, driver.CSS("#email"), req.Fields[0].Locator)
	assert.Equal(t, "me@example.com", req.Fields[0].Text)
	assert.Equal(t, driver.CSS("#q"), req.Fields[1].Locator)
	assert.Equal(t, "a=b", req.Fields[1].Text)
	require.NotNil(t, req.Submit)
	assert.Equal(t, driver.CSS("button[type=submit]"), *req.Submit)
	require.NotNil(t, req.Verify)
	assert.Equal(t, driver.CSS(".welcome"), req.Verify.Locator)
	assert.Equal(t, "Thanks", req.Verify.Text)
	require.NotNil(t, req.Challenge)
	assert.Equal(t, challenge.TypeV2, req.Challenge.Type)
	assert.True(t, needsChallenge(reqs))
}

func TestBuildRequestsRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags fetchFlags
	}{
		{"nothing to fetch", fetchFlags{}},
		{"url and batch", fetchFlags{url: "https://example.com", batch: "x.yaml"}},
		{"relative url", fetchFlags{url: "example.com/page"}},
		{"class without selector", fetchFlags{url: "https://example.com", waitClass: "ready"}},
		{"field without text separator", fetchFlags{url: "https://example.com", fields: []string{"#email"}}},
		{"unknown challenge", fetchFlags{url: "https://example.com", challenge: "hcaptcha"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildRequests(tt.flags)
			assert.Error(t, err)
		})
	}
}

func TestParseVerifyWithoutText(t *testing.T) {
	check := parseVerify("#done")
	assert.Equal(t, driver.CSS("#done"), check.Locator)
	assert.Empty(t, check.Text)
}

func TestLoadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
requests:
  - url: https://example.com/a
  - url: https://example.com/b
    fields:
      - locator: {by: css, value: "#name"}
        text: Ada
    submit: {by: css, value: "#go"}
    challenge:
      type: V2
`), 0644))

	reqs, err := loadBatch(path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Nil(t, reqs[0].Challenge)
	assert.Equal(t, "Ada", reqs[1].Fields[0].Text)
	assert.Equal(t, driver.CSS("#go"), *reqs[1].Submit)
	assert.Equal(t, challenge.TypeV2, reqs[1].Challenge.Type)
	assert.True(t, needsChallenge(reqs))
	assert.False(t, needsChallenge(reqs[:1]))
}

func TestLoadBatchErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadBatch(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("requests: []\n"), 0644))
	_, err = loadBatch(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("requests:\n  - url: https://example.com\n    challenge: {type: turnstile}\n"), 0644))
	_, err = loadBatch(bad)
	assert.ErrorContains(t, err, "request 1")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, session.ExitConverterMissing, exitCode(session.NewFatalError(session.ExitConverterMissing, assert.AnError)))
	assert.Equal(t, session.ExitFailure, exitCode(errFetchFailed))
}

func TestConvertConfigToStealth(t *testing.T) {
	cfg := config.StealthConfig{
		Enabled:   true,
		MinOffset: 0.2,
		MaxOffset: 0.8,
		Timing: config.TimingConfig{
			FieldMin: time.Second,
			FieldMax: 2 * time.Second,
			Settle:   3 * time.Second,
		},
		Fingerprint: config.FingerprintConfig{RandomViewport: true, MaxViewportWidth: 1920},
	}

	sc := convertConfigToStealth(cfg)
	assert.True(t, sc.Enabled)
	assert.Equal(t, 0.2, sc.MouseMovement.MinOffset)
	assert.Equal(t, 0.8, sc.MouseMovement.MaxOffset)
	assert.Equal(t, time.Second, sc.Timing.Field.Min)
	assert.Equal(t, 2*time.Second, sc.Timing.Field.Max)
	assert.Equal(t, 3*time.Second, sc.Timing.Settle)
	assert.True(t, sc.Fingerprint.RandomViewport)
	assert.Equal(t, 1920, sc.Fingerprint.MaxViewportWidth)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(not set)", maskSecret(""))
	assert.Equal(t, "***", maskSecret("abc"))
	assert.Equal(t, "AI****yz", maskSecret("AIabcdyz"))
}

func TestBuildRecaptchaV2WithDefaultConfig(t *testing.T) {
	t.Setenv("FORMFETCH_SPEECH_API_KEY", "")
	dir := t.TempDir()
	cfg, err := config.LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.Empty(t, cfg.Speech.APIKey)

	ffmpeg := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(ffmpeg, []byte("#!/bin/sh\n"), 0755))
	cfg.Audio.FFmpegPath = ffmpeg

	log := logrus.New()
	log.SetOutput(io.Discard)
	sm := stealth.NewStealthManager(stealth.DefaultConfig(), log)
	engine := form.NewEngine(form.Config{CheckTimeout: time.Second, PollInterval: time.Second}, sm, log)

	v2, err := buildRecaptchaV2(cfg, engine, sm, log)
	require.NoError(t, err)
	assert.NotNil(t, v2)
}

func TestBuildRecaptchaV2MissingConverterIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	cfg.Audio.FFmpegPath = filepath.Join(dir, "no-such-ffmpeg")

	log := logrus.New()
	log.SetOutput(io.Discard)
	sm := stealth.NewStealthManager(stealth.DefaultConfig(), log)
	engine := form.NewEngine(form.Config{}, sm, log)

	_, err = buildRecaptchaV2(cfg, engine, sm, log)
	fe, ok := session.AsFatal(err)
	require.True(t, ok)
	assert.Equal(t, session.ExitConverterMissing, fe.Code)
}
