package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"form-automation/audio"
	"form-automation/driver"
	"form-automation/form"
	"form-automation/identity"
	"form-automation/speech"
	"form-automation/stealth"
)

// AudioTranscriber turns the clip at src into the passcode to type
type AudioTranscriber interface {
	Transcribe(ctx context.Context, src string, id identity.Identity) (string, error)
}

// V2Config holds the widget markers and attempt bounds
type V2Config struct {
	ControlFrameTitle    string
	ChallengeFrameTitles []string
	SearchAttempts       int
	MaxAudioAttempts     int
}

func DefaultV2Config() V2Config {
	return V2Config{
		ControlFrameTitle: "reCAPTCHA",
		ChallengeFrameTitles: []string{
			"recaptcha challenge expires in two minutes",
			"проверка recaptcha",
		},
		SearchAttempts:   2,
		MaxAudioAttempts: 5,
	}
}

var (
	framesLocator      = driver.TagName("iframe")
	checkboxLocator    = driver.ClassName("recaptcha-checkbox-border")
	audioButtonLocator = driver.ID("recaptcha-audio-button")
	audioSourceLocator = driver.ID("audio-source")
	responseLocator    = driver.ID("audio-response")
	errorLocator       = driver.ClassName("rc-audiochallenge-error-message")
	reloadLocator      = driver.ID("recaptcha-reload-button")
)

// RecaptchaV2 passes the checkbox widget, falling back to the audio challenge
type RecaptchaV2 struct {
	config      V2Config
	form        *form.Engine
	stealth     *stealth.StealthManager
	mouse       *stealth.MouseController
	transcriber AudioTranscriber
	logger      *logrus.Logger
}

func NewRecaptchaV2(config V2Config, engine *form.Engine, sm *stealth.StealthManager, transcriber AudioTranscriber, logger *logrus.Logger) *RecaptchaV2 {
	if config.SearchAttempts <= 0 {
		config.SearchAttempts = 2
	}
	if config.MaxAudioAttempts <= 0 {
		config.MaxAudioAttempts = 5
	}
	return &RecaptchaV2{
		config:      config,
		form:        engine,
		stealth:     sm,
		mouse:       stealth.NewMouseController(sm),
		transcriber: transcriber,
		logger:      logger,
	}
}

type frames struct {
	control   driver.Element
	challenge driver.Element
}

func (r *RecaptchaV2) Resolve(ctx context.Context, drv driver.Driver, req Request) Outcome {
	var out Outcome
	out.enter(Searching)

	startURL, err := drv.CurrentURL()
	if err != nil {
		return out.fail(fmt.Errorf("failed to read current URL: %w", err), true)
	}

	found, done := r.search(drv, req, startURL, &out)
	if done {
		return out
	}

	out.enter(CheckboxArmed)
	passed, err := r.clickCheckbox(drv, found.control)
	if err != nil {
		return out.fail(err, true)
	}
	if passed {
		r.logger.Info("reCAPTCHA checkbox passed without audio challenge")
		out.enter(CheckboxPassed)
		return r.finish(drv, req, startURL, &out)
	}

	out.enter(AudioChallengeOpen)
	if err := r.openAudio(drv, found.challenge); err != nil {
		return out.fail(err, true)
	}

	out.enter(Transcribing)
	return r.transcribe(ctx, drv, req, startURL, &out)
}

// search looks for the widget frames. done is true when out already holds the final outcome.
func (r *RecaptchaV2) search(drv driver.Driver, req Request, startURL string, out *Outcome) (frames, bool) {
	if err := drv.SwitchToDefaultContent(); err != nil {
		r.logger.WithError(err).Debug("Failed to switch to top-level document")
	}

	for i := 0; i < r.config.SearchAttempts; i++ {
		r.stealth.ChallengePause()

		found, err := r.findFrames(drv)
		if err != nil {
			out.fail(err, true)
			return frames{}, true
		}
		if found.control != nil && found.challenge != nil {
			return found, false
		}
		r.logger.WithField("attempt", i+1).Warn("Unable to find reCAPTCHA frames")

		if req.Submit != nil && i == 0 {
			r.form.Click(drv, *req.Submit)
			continue
		}
		break
	}

	// no widget: it may have been skipped for a low-risk visitor
	if r.form.VerifySubmission(drv, req.Check, startURL) {
		out.Submitted = true
		out.enter(Verified)
		return frames{}, true
	}
	r.logger.Info("Abort solver")
	out.fail(fmt.Errorf("%w: recaptcha frames not found and submission not confirmed", ErrChallengeFailed), true)
	return frames{}, true
}

func (r *RecaptchaV2) findFrames(drv driver.Driver) (frames, error) {
	els, err := drv.FindElements(framesLocator)
	if err != nil {
		return frames{}, fmt.Errorf("failed to list frames: %w", err)
	}
	r.logger.WithField("count", len(els)).Debug("Frames found")

	var found frames
	for _, el := range els {
		title, err := el.Attribute("title")
		if err != nil {
			continue
		}
		switch {
		case title == r.config.ControlFrameTitle:
			found.control = el
		case r.isChallengeTitle(title):
			found.challenge = el
		}
	}
	return found, nil
}

func (r *RecaptchaV2) isChallengeTitle(title string) bool {
	for _, t := range r.config.ChallengeFrameTitles {
		if strings.EqualFold(title, t) {
			return true
		}
	}
	return false
}

// clickCheckbox reports whether the checkbox alone passed the widget
func (r *RecaptchaV2) clickCheckbox(drv driver.Driver, control driver.Element) (bool, error) {
	if err := drv.SwitchToFrame(control); err != nil {
		return false, fmt.Errorf("failed to enter control frame: %w", err)
	}

	r.stealth.ChallengePause()
	checkbox, err := drv.FindElement(checkboxLocator)
	if err != nil {
		return false, fmt.Errorf("failed to find checkbox: %w", err)
	}
	if err := r.mouse.IntelligentClick(drv, checkbox); err != nil {
		return false, err
	}
	r.logger.Info("reCAPTCHA checkbox clicked")
	r.stealth.Settle()

	style, err := checkbox.Attribute("style")
	if err != nil {
		return false, fmt.Errorf("failed to read checkbox style: %w", err)
	}
	return strings.Contains(style, "display: none"), nil
}

func (r *RecaptchaV2) openAudio(drv driver.Driver, challenge driver.Element) error {
	if err := r.enterChallengeFrame(drv, challenge); err != nil {
		return err
	}

	r.stealth.ChallengePause()
	button, err := drv.FindElement(audioButtonLocator)
	if err != nil {
		return fmt.Errorf("failed to find audio button: %w", err)
	}
	if err := r.mouse.IntelligentClick(drv, button); err != nil {
		return err
	}
	r.logger.Info("Audio challenge requested")

	// the frame re-renders once the audio challenge opens
	return r.enterChallengeFrame(drv, challenge)
}

func (r *RecaptchaV2) enterChallengeFrame(drv driver.Driver, challenge driver.Element) error {
	if err := drv.SwitchToDefaultContent(); err != nil {
		return fmt.Errorf("failed to leave frame: %w", err)
	}
	if err := drv.SwitchToFrame(challenge); err != nil {
		return fmt.Errorf("failed to enter challenge frame: %w", err)
	}
	return nil
}

func (r *RecaptchaV2) transcribe(ctx context.Context, drv driver.Driver, req Request, startURL string, out *Outcome) Outcome {
	for out.Attempts < r.config.MaxAudioAttempts {
		if err := ctx.Err(); err != nil {
			return out.fail(err, false)
		}
		out.Attempts++
		entry := r.logger.WithField("attempt", out.Attempts)

		r.stealth.ChallengePause()
		src, err := r.attribute(drv, audioSourceLocator, "src")
		if err != nil {
			return out.fail(err, true)
		}
		entry.WithField("src", src).Debug("Audio source read")

		passcode, err := r.transcriber.Transcribe(ctx, src, req.Identity)
		if errors.Is(err, speech.ErrRecognitionFailed) {
			entry.WithError(err).Warn("Clip not recognized, requesting a new one")
			r.reload(drv)
			continue
		}
		if errors.Is(err, audio.ErrConverterMissing) {
			return out.fail(err, false)
		}
		if err != nil {
			return out.fail(err, true)
		}

		r.stealth.ChallengePause()
		response, err := drv.FindElement(responseLocator)
		if err != nil {
			return out.fail(fmt.Errorf("failed to find response field: %w", err), true)
		}
		if err := r.mouse.TypeAndSubmit(drv, response, strings.ToLower(passcode)); err != nil {
			return out.fail(err, true)
		}
		entry.Info("Passcode sent")
		r.stealth.Settle()

		newSrc, err := r.attribute(drv, audioSourceLocator, "src")
		if err != nil {
			return out.fail(err, true)
		}
		errText, err := r.errorMessage(drv)
		if err != nil {
			return out.fail(err, true)
		}

		if errText == "" || newSrc == src {
			entry.Info("Audio challenge passed")
			out.enter(ResultSubmitted)
			return r.finish(drv, req, startURL, out)
		}
		entry.WithField("error_message", errText).Info("Passcode rejected, re-listening")
	}

	r.logger.WithField("attempts", out.Attempts).Warn("reCAPTCHA not passed")
	return out.fail(fmt.Errorf("%w: audio challenge rejected %d times", ErrChallengeFailed, out.Attempts), false)
}

// finish performs the optional final submit. A failed confirmation is logged, not fatal.
func (r *RecaptchaV2) finish(drv driver.Driver, req Request, startURL string, out *Outcome) Outcome {
	if req.Submit != nil {
		out.Submitted = r.form.Submit(drv, req.Submit, req.Check, startURL)
		if !out.Submitted {
			r.logger.Warn("Challenge passed but the submission could not be confirmed")
		}
	}
	out.enter(Verified)
	r.logger.Info("reCAPTCHA is passed")
	return *out
}

// widgetElement finds loc, treating a blank page as a missing element
func (r *RecaptchaV2) widgetElement(drv driver.Driver, loc driver.Locator) (driver.Element, error) {
	el, err := r.form.Element(drv, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", loc, err)
	}
	if el == nil {
		return nil, fmt.Errorf("failed to find %s: %w: page is blank", loc, driver.ErrElementNotFound)
	}
	return el, nil
}

func (r *RecaptchaV2) attribute(drv driver.Driver, loc driver.Locator, name string) (string, error) {
	el, err := r.widgetElement(drv, loc)
	if err != nil {
		return "", err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s of %s: %w", name, loc, err)
	}
	return v, nil
}

func (r *RecaptchaV2) errorMessage(drv driver.Driver) (string, error) {
	el, err := r.widgetElement(drv, errorLocator)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("failed to read audio error message: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (r *RecaptchaV2) reload(drv driver.Driver) {
	button, err := drv.FindElement(reloadLocator)
	if err != nil {
		r.logger.WithError(err).Debug("Reload button not found")
		return
	}
	if err := r.mouse.IntelligentClick(drv, button); err != nil {
		r.logger.WithError(err).Debug("Failed to reload audio clip")
		return
	}
	r.stealth.Settle()
}
