package identity

import (
	"fmt"
	"math/rand"
)

var platforms = []string{
	"Windows NT 10.0; Win64; x64",
	"Macintosh; Intel Mac OS X 10_15_7",
	"X11; Linux x86_64",
}

// UserAgentGenerator builds plausible desktop Chrome user agents when no list is configured
type UserAgentGenerator struct {
	rng        *rand.Rand
	minVersion int
	maxVersion int
}

func NewUserAgentGenerator(rng *rand.Rand) *UserAgentGenerator {
	return &UserAgentGenerator{rng: rng, minVersion: 120, maxVersion: 143}
}

func (g *UserAgentGenerator) Generate() string {
	platform := platforms[g.rng.Intn(len(platforms))]
	major := g.minVersion + g.rng.Intn(g.maxVersion-g.minVersion+1)
	return fmt.Sprintf(
		"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
		platform, major,
	)
}
