package challenge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"form-automation/driver"
)

// RecaptchaV3 is a placeholder: score-based challenges have no interactive step to drive
type RecaptchaV3 struct {
	logger *logrus.Logger
}

func (r *RecaptchaV3) Resolve(_ context.Context, _ driver.Driver, _ Request) Outcome {
	r.logger.Warn("reCAPTCHA v3 solving is not supported")
	out := Outcome{}
	return out.fail(fmt.Errorf("%w: recaptcha v3 is not supported", ErrChallengeFailed), false)
}

// Image is a placeholder for picture-selection challenges
type Image struct {
	logger *logrus.Logger
}

func (r *Image) Resolve(_ context.Context, _ driver.Driver, req Request) Outcome {
	fields := logrus.Fields{}
	if req.Spec.ImageLocator != nil {
		fields["locator"] = req.Spec.ImageLocator.String()
	}
	r.logger.WithFields(fields).Warn("Image challenge solving is not supported")
	out := Outcome{}
	return out.fail(fmt.Errorf("%w: image challenges are not supported", ErrChallengeFailed), false)
}
