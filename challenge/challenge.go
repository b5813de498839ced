// Package challenge resolves interactive bot-verification widgets embedded in a page.
//
// Each supported widget is a Resolver variant. Only the reCAPTCHA v2 variant does
// real work; the others report Failed.
package challenge

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"form-automation/driver"
	"form-automation/form"
	"form-automation/identity"
)

// ErrChallengeFailed marks an attempt that ended without the widget being passed
var ErrChallengeFailed = errors.New("challenge failed")

// Type names a challenge variant
type Type string

const (
	TypeV2    Type = "v2"
	TypeV3    Type = "v3"
	TypeImage Type = "image"
)

// ParseType accepts the variant names used on the command line and in request files
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeV2, TypeV3, TypeImage:
		return t, true
	default:
		return "", false
	}
}

// Spec describes the challenge a page is expected to show
type Spec struct {
	Type         Type            `yaml:"type" json:"type"`
	ImageLocator *driver.Locator `yaml:"image_locator,omitempty" json:"image_locator,omitempty"`
}

// State is a step of the resolution state machine
type State int

const (
	Searching State = iota
	CheckboxArmed
	CheckboxPassed
	AudioChallengeOpen
	Transcribing
	ResultSubmitted
	Verified
	Failed
)

var stateNames = map[State]string{
	Searching:          "searching",
	CheckboxArmed:      "checkbox_armed",
	CheckboxPassed:     "checkbox_passed",
	AudioChallengeOpen: "audio_challenge_open",
	Transcribing:       "transcribing",
	ResultSubmitted:    "result_submitted",
	Verified:           "verified",
	Failed:             "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Request carries what a resolver needs from the page fetch that triggered it
type Request struct {
	Spec     Spec
	Submit   *driver.Locator
	Check    *form.Check
	Identity identity.Identity
}

// Outcome is the result of one resolution
type Outcome struct {
	State State
	// Path lists every state entered, in order
	Path []State
	// Attempts counts transcriptions submitted or rejected
	Attempts int
	// Submitted reports the final submission check; it does not affect State
	Submitted bool
	// Retryable asks the caller to reset the session and try the page again
	Retryable bool
	Err       error
}

func (o Outcome) Solved() bool {
	return o.State == Verified
}

// Visited reports whether the resolution passed through s
func (o Outcome) Visited(s State) bool {
	for _, p := range o.Path {
		if p == s {
			return true
		}
	}
	return false
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Path = append(o.Path, s)
}

func (o *Outcome) fail(err error, retryable bool) Outcome {
	o.enter(Failed)
	o.Err = err
	o.Retryable = retryable
	return *o
}

// Resolver is one challenge variant
type Resolver interface {
	Resolve(ctx context.Context, drv driver.Driver, req Request) Outcome
}

// Resolvers holds one resolver per variant
type Resolvers struct {
	V2    Resolver
	V3    Resolver
	Image Resolver
}

// NewResolvers wires the v2 resolver with the placeholder variants
func NewResolvers(v2 *RecaptchaV2, logger *logrus.Logger) Resolvers {
	r := Resolvers{
		V3:    &RecaptchaV3{logger: logger},
		Image: &Image{logger: logger},
	}
	if v2 != nil {
		r.V2 = v2
	}
	return r
}

// Select picks the resolver for t. A page already on the v2 widget host always uses v2.
func (r Resolvers) Select(t Type, currentURL string) Resolver {
	if strings.Contains(currentURL, "www.google.com/recaptcha/api2") || t == TypeV2 {
		return r.V2
	}
	switch t {
	case TypeV3:
		return r.V3
	case TypeImage:
		return r.Image
	default:
		return nil
	}
}
